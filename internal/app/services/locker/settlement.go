package locker

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "github.com/R3E-Network/token_locker/internal/app/domain/locker"
	"github.com/R3E-Network/token_locker/internal/app/metrics"
	"github.com/R3E-Network/token_locker/internal/app/storage"
	"github.com/R3E-Network/token_locker/internal/app/system"
	"github.com/R3E-Network/token_locker/pkg/logger"
)

// TransferResolver decides whether an in-flight transfer has completed.
type TransferResolver interface {
	Resolve(ctx context.Context, tr domain.Transfer) (done bool, success bool, message string, retryAfter time.Duration, err error)
}

// TimeoutResolver fails transfers that have not been confirmed within a
// timeout. Intended for development without a relay.
type TimeoutResolver struct {
	timeout time.Duration
	now     func() time.Time
}

func NewTimeoutResolver(timeout time.Duration) *TimeoutResolver {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &TimeoutResolver{timeout: timeout, now: time.Now}
}

func (r *TimeoutResolver) Resolve(_ context.Context, tr domain.Transfer) (bool, bool, string, time.Duration, error) {
	age := r.now().Sub(tr.CreatedAt)
	if age >= r.timeout {
		return true, false, "timeout waiting for transfer confirmation", 0, nil
	}
	return false, false, "", r.timeout - age, nil
}

// SettlementPoller watches in-flight transfers and reconciles them using the resolver.
type SettlementPoller struct {
	store    storage.LedgerStore
	service  *Service
	resolver TransferResolver
	interval time.Duration
	log      *logger.Logger

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	nextAttempt map[string]time.Time
}

var _ system.Service = (*SettlementPoller)(nil)

func NewSettlementPoller(store storage.LedgerStore, service *Service, resolver TransferResolver, interval time.Duration, log *logger.Logger) *SettlementPoller {
	if log == nil {
		log = logger.NewDefault("locker-settlement")
	}
	if resolver == nil {
		resolver = NewTimeoutResolver(2 * time.Minute)
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &SettlementPoller{
		store:       store,
		service:     service,
		resolver:    resolver,
		interval:    interval,
		log:         log,
		nextAttempt: make(map[string]time.Time),
	}
}

func (p *SettlementPoller) Name() string { return "locker-settlement" }

func (p *SettlementPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	if pending, err := p.store.ListTransfers(ctx); err == nil {
		metrics.SetInflightTransfers(len(pending))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.tick(runCtx)
			}
		}
	}()

	p.log.Info("settlement poller started")
	return nil
}

func (p *SettlementPoller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

func (p *SettlementPoller) tick(ctx context.Context) {
	transfers, err := p.store.ListTransfers(ctx)
	if err != nil {
		p.log.WithError(err).Warn("list in-flight transfers failed")
		return
	}

	now := time.Now()
	live := make(map[string]struct{}, len(transfers))
	for _, tr := range transfers {
		live[tr.ID] = struct{}{}
		if !p.shouldAttempt(tr.ID, now) {
			continue
		}

		// Without a reference nothing has accepted the transfer yet, so the
		// resolver has nothing to look up.
		if tr.Reference == "" {
			p.redispatch(ctx, tr)
			continue
		}

		done, success, message, retryAfter, err := p.resolver.Resolve(ctx, tr)
		if err != nil {
			p.log.WithError(err).Warnf("resolver error for transfer %s", tr.ID)
			p.scheduleNext(tr.ID, retryAfter)
			continue
		}

		if !done {
			p.scheduleNext(tr.ID, retryAfter)
			continue
		}

		if p.service == nil {
			p.log.Warnf("no locker service attached; cannot settle %s", tr.ID)
			continue
		}

		outcome, err := p.service.CompleteTransfer(ctx, tr.ID, success)
		if err != nil {
			if errors.Is(err, domain.ErrTransferNotFound) {
				p.clearSchedule(tr.ID)
				continue
			}
			p.log.WithError(err).Warnf("complete transfer %s failed", tr.ID)
			p.scheduleNext(tr.ID, retryAfter)
			continue
		}
		p.log.WithField("message", message).Infof("transfer %s settled (%s)", tr.ID, outcome)
		p.clearSchedule(tr.ID)
	}
	p.prune(live)
}

func (p *SettlementPoller) redispatch(ctx context.Context, tr domain.Transfer) {
	if p.service == nil {
		p.log.Warnf("no locker service attached; cannot dispatch %s", tr.ID)
		return
	}
	sent, err := p.service.Redispatch(ctx, tr.ID)
	switch {
	case errors.Is(err, domain.ErrTransferNotFound):
		p.clearSchedule(tr.ID)
	case err != nil:
		p.log.WithError(err).Warnf("redispatch transfer %s failed", tr.ID)
		p.scheduleNext(tr.ID, p.interval)
	case sent.Reference != "":
		p.log.WithField("reference", sent.Reference).Infof("transfer %s dispatched again", tr.ID)
		p.clearSchedule(tr.ID)
	default:
		p.scheduleNext(tr.ID, p.interval)
	}
}

func (p *SettlementPoller) shouldAttempt(id string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, ok := p.nextAttempt[id]
	if !ok || now.After(next) {
		return true
	}
	return false
}

func (p *SettlementPoller) scheduleNext(id string, after time.Duration) {
	if after <= 0 {
		after = p.interval
	}
	p.mu.Lock()
	p.nextAttempt[id] = time.Now().Add(after)
	p.mu.Unlock()
}

func (p *SettlementPoller) clearSchedule(id string) {
	p.mu.Lock()
	delete(p.nextAttempt, id)
	p.mu.Unlock()
}

// prune forgets schedules of transfers settled through another path.
func (p *SettlementPoller) prune(live map[string]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.nextAttempt {
		if _, ok := live[id]; !ok {
			delete(p.nextAttempt, id)
		}
	}
}
