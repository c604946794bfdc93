// Package locker implements the token locker service: deposit ingestion, the
// two-phase withdrawal saga, the account directory and ledger administration.
//
// All ledger mutations are serialised by one mutex and persisted through a
// single storage batch, so a rejected operation never leaves a partial write
// behind. Reconciliation of a withdrawal always reloads the account from the
// store and touches exactly one lock.
package locker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/token_locker/internal/app/domain/asset"
	domain "github.com/R3E-Network/token_locker/internal/app/domain/locker"
	"github.com/R3E-Network/token_locker/internal/app/events"
	"github.com/R3E-Network/token_locker/internal/app/metrics"
	"github.com/R3E-Network/token_locker/internal/app/storage"
	"github.com/R3E-Network/token_locker/pkg/logger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Service orchestrates the lock ledger.
type Service struct {
	ledger     storage.LedgerStore
	meta       storage.MetadataStore
	codec      *asset.Codec
	dispatcher Dispatcher
	emitter    events.Emitter
	log        *logger.Logger
	now        func() time.Time
	newID      func() string

	mu          sync.Mutex
	dispatching map[string]struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDispatcher sets the outbound transfer dispatcher.
func WithDispatcher(d Dispatcher) Option {
	return func(s *Service) {
		if d != nil {
			s.dispatcher = d
		}
	}
}

// WithEmitter sets the lifecycle event sink.
func WithEmitter(e events.Emitter) Option {
	return func(s *Service) {
		if e != nil {
			s.emitter = e
		}
	}
}

// WithCodec sets the asset id codec.
func WithCodec(c *asset.Codec) Option {
	return func(s *Service) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithIDGenerator overrides transfer id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// New creates a locker service.
func New(ledger storage.LedgerStore, meta storage.MetadataStore, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("locker")
	}
	s := &Service{
		ledger:     ledger,
		meta:       meta,
		codec:      asset.NewCodec(nil),
		dispatcher: NoopDispatcher{},
		emitter:    events.Noop{},
		log:        log,
		now:        time.Now,
		newID:      uuid.NewString,

		dispatching: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init seeds the ledger metadata on first start. Existing metadata wins over
// the configured values.
func (s *Service) Init(ctx context.Context, ownerID, burnAccountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.meta.GetMetadata(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load metadata: %w", err)
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return errors.New("owner id is required")
	}
	md := domain.Metadata{OwnerID: ownerID, BurnAccountID: strings.TrimSpace(burnAccountID)}
	if err := s.meta.SaveMetadata(ctx, md); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	s.log.WithFields(logrus.Fields{"owner_id": md.OwnerID, "burn_account_id": md.BurnAccountID}).Info("ledger metadata initialised")
	return nil
}

func (s *Service) nowSec() uint32 {
	return uint32(s.now().Unix())
}

func (s *Service) emit(ctx context.Context, ev domain.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}
	s.emitter.Emit(ctx, ev)
}

// --- Deposit ingestion -------------------------------------------------------

// OnTransfer ingests a whole-token deposit. tokenContract is the calling
// token contract. The returned unused amount is always zero on success; any
// error means the whole transfer must be refused.
func (s *Service) OnTransfer(ctx context.Context, tokenContract, senderID string, amount decimal.Decimal, msg string) (decimal.Decimal, error) {
	contractID, subAsset, err := s.codec.Decode(tokenContract)
	if err != nil {
		return amount, err
	}
	if subAsset != "" {
		return amount, fmt.Errorf("%w: %q is not a bare contract id", asset.ErrMalformedAssetID, tokenContract)
	}
	return s.deposit(ctx, contractID, senderID, amount, msg)
}

// OnMultiTransfer ingests a deposit of one sub-asset of a multi-token
// contract. The lock is keyed by the compound asset id.
func (s *Service) OnMultiTransfer(ctx context.Context, mftContract, subAssetID, senderID string, amount decimal.Decimal, msg string) (decimal.Decimal, error) {
	tokenID, err := s.codec.Encode(mftContract, subAssetID)
	if err != nil {
		return amount, err
	}
	return s.deposit(ctx, tokenID, senderID, amount, msg)
}

func (s *Service) deposit(ctx context.Context, tokenID, senderID string, amount decimal.Decimal, msg string) (decimal.Decimal, error) {
	senderID = strings.TrimSpace(senderID)
	if err := s.codec.ValidateAccount(senderID); err != nil {
		return amount, fmt.Errorf("%w: sender %q: %v", domain.ErrInvalidAccountID, senderID, err)
	}
	instruction, err := domain.ParseInstruction(msg)
	if err != nil {
		return amount, err
	}

	s.mu.Lock()
	acct, registered, err := s.loadOrCreate(ctx, senderID)
	if err != nil {
		s.mu.Unlock()
		return amount, err
	}
	created, err := domain.CreateOrExtendLock(acct, tokenID, amount, instruction.UnlockTimeSec, s.nowSec())
	if err != nil {
		s.mu.Unlock()
		return amount, err
	}
	if err := s.ledger.Commit(ctx, storage.Batch{Accounts: []*domain.Account{acct}}); err != nil {
		s.mu.Unlock()
		return amount, fmt.Errorf("persist account %s: %w", senderID, err)
	}
	s.mu.Unlock()

	if registered {
		s.emit(ctx, domain.AccountEvent(domain.EventAccountRegister, senderID))
	}
	kind := domain.EventAppendToken
	if created {
		kind = domain.EventLockedToken
	}
	s.emit(ctx, domain.LockEvent(kind, senderID, tokenID, amount, instruction.UnlockTimeSec))
	metrics.RecordLock(created)

	s.log.WithContext(logger.WithAccountID(ctx, senderID)).WithFields(logrus.Fields{
		"token_id":        tokenID,
		"amount":          amount.String(),
		"unlock_time_sec": instruction.UnlockTimeSec,
		"event":           kind,
	}).Info("deposit locked")
	return decimal.Zero, nil
}

// loadOrCreate must be called with s.mu held.
func (s *Service) loadOrCreate(ctx context.Context, accountID string) (*domain.Account, bool, error) {
	acct, err := s.ledger.GetAccount(ctx, accountID)
	if err == nil {
		return acct, false, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return domain.NewAccount(accountID), true, nil
	}
	return nil, false, fmt.Errorf("load account %s: %w", accountID, err)
}

// --- Withdrawal saga, phase 1 ------------------------------------------------

// Withdraw debits an unlocked lock and dispatches the outbound transfer. A nil
// amount withdraws the whole balance. The returned transfer carries the
// in-flight amount; its result is reconciled later by CompleteTransfer.
func (s *Service) Withdraw(ctx context.Context, accountID, tokenID string, amount *decimal.Decimal) (domain.Transfer, error) {
	if _, _, err := s.codec.Decode(tokenID); err != nil {
		return domain.Transfer{}, err
	}

	s.mu.Lock()
	acct, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Transfer{}, fmt.Errorf("%w: %s", domain.ErrAccountNotRegistered, accountID)
		}
		return domain.Transfer{}, fmt.Errorf("load account %s: %w", accountID, err)
	}
	debited, remaining, err := domain.DebitLock(acct, tokenID, amount, s.nowSec())
	if err != nil {
		s.mu.Unlock()
		return domain.Transfer{}, err
	}
	tr := domain.Transfer{
		ID:        s.newID(),
		AccountID: accountID,
		TokenID:   tokenID,
		Amount:    debited,
		CreatedAt: s.now().UTC(),
	}
	if err := s.ledger.Commit(ctx, storage.Batch{
		Accounts:  []*domain.Account{acct},
		Transfers: []domain.Transfer{tr},
	}); err != nil {
		s.mu.Unlock()
		return domain.Transfer{}, fmt.Errorf("persist withdrawal: %w", err)
	}
	s.dispatching[tr.ID] = struct{}{}
	s.mu.Unlock()
	defer s.endDispatch(tr.ID)

	metrics.RecordWithdrawStarted()
	s.log.WithContext(logger.WithAccountID(ctx, accountID)).WithFields(logrus.Fields{
		"transfer_id": tr.ID,
		"token_id":    tokenID,
		"amount":      debited.String(),
		"remaining":   remaining.String(),
	}).Debug("withdrawal debited")

	// The debit is durable; the caller going away must not cut the dispatch
	// or its follow-up writes short.
	return s.dispatch(context.WithoutCancel(ctx), tr), nil
}

// dispatch issues the outbound transfer for tr and records its reference. A
// rejected transfer is reverted at once. Any other dispatch failure leaves tr
// in flight without a reference, to be dispatched again by Redispatch.
func (s *Service) dispatch(ctx context.Context, tr domain.Transfer) domain.Transfer {
	entry := s.log.WithContext(logger.WithAccountID(ctx, tr.AccountID)).WithFields(logrus.Fields{
		"transfer_id": tr.ID,
		"token_id":    tr.TokenID,
		"amount":      tr.Amount.String(),
	})
	contractID, subAsset, err := s.codec.Decode(tr.TokenID)
	if err != nil {
		entry.WithError(err).Error("transfer has an undecodable token id")
		return tr
	}

	reference, err := s.dispatcher.Dispatch(ctx, TransferRequest{
		TransferID: tr.ID,
		ReceiverID: tr.AccountID,
		ContractID: contractID,
		SubAssetID: subAsset,
		Amount:     tr.Amount,
	})
	switch {
	case errors.Is(err, ErrTransferRejected):
		entry.WithError(err).Warn("transfer rejected, reverting withdrawal")
		if _, cerr := s.CompleteTransfer(ctx, tr.ID, false); cerr != nil && !errors.Is(cerr, domain.ErrTransferNotFound) {
			entry.WithError(cerr).Error("revert rejected transfer")
		}
		return tr
	case err != nil:
		entry.WithError(err).Warn("dispatch outcome unknown, transfer stays in flight")
		return tr
	}

	if reference == "" {
		reference = tr.ID
	}
	if err := s.ledger.SetTransferReference(ctx, tr.ID, reference); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			entry.WithError(err).Warn("record transfer reference, transfer will be dispatched again")
		}
		return tr
	}
	tr.Reference = reference

	s.emit(ctx, domain.TransferEvent(domain.EventWithdrawStarted, &tr))
	entry.WithField("reference", reference).Info("withdrawal dispatched")
	return tr
}

// Redispatch sends an in-flight transfer that has no recorded reference
// again under its original id. It does nothing when the transfer already
// has a reference or another dispatch of it is running.
func (s *Service) Redispatch(ctx context.Context, transferID string) (domain.Transfer, error) {
	s.mu.Lock()
	tr, err := s.ledger.GetTransfer(ctx, transferID)
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Transfer{}, fmt.Errorf("%w: %s", domain.ErrTransferNotFound, transferID)
		}
		return domain.Transfer{}, fmt.Errorf("load transfer %s: %w", transferID, err)
	}
	if _, busy := s.dispatching[tr.ID]; busy || tr.Reference != "" {
		s.mu.Unlock()
		return tr, nil
	}
	s.dispatching[tr.ID] = struct{}{}
	s.mu.Unlock()
	defer s.endDispatch(tr.ID)

	return s.dispatch(context.WithoutCancel(ctx), tr), nil
}

// ResumeTransfers dispatches again every in-flight transfer left without a
// reference, for example by a crash between the debit and the dispatch. It
// returns the number of in-flight transfers and how many were dispatched.
func (s *Service) ResumeTransfers(ctx context.Context) (pending, resent int, err error) {
	transfers, err := s.ledger.ListTransfers(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list transfers: %w", err)
	}
	for _, tr := range transfers {
		if tr.Reference != "" {
			continue
		}
		if _, err := s.Redispatch(ctx, tr.ID); err != nil && !errors.Is(err, domain.ErrTransferNotFound) {
			return len(transfers), resent, err
		}
		resent++
	}
	return len(transfers), resent, nil
}

func (s *Service) endDispatch(id string) {
	s.mu.Lock()
	delete(s.dispatching, id)
	s.mu.Unlock()
}

// --- Withdrawal saga, phase 2 ------------------------------------------------

// CompleteTransfer reconciles the ledger with the result of a dispatched
// transfer. The account is reloaded fresh; a failed transfer credits the
// amount back to it, or is recorded as lost when the account no longer
// exists. Each transfer is reconciled once; later calls return
// ErrTransferNotFound.
func (s *Service) CompleteTransfer(ctx context.Context, transferID string, success bool) (Outcome, error) {
	s.mu.Lock()
	tr, err := s.ledger.GetTransfer(ctx, transferID)
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", domain.ErrTransferNotFound, transferID)
		}
		return "", fmt.Errorf("load transfer %s: %w", transferID, err)
	}

	var acct *domain.Account
	if !success {
		acct, err = s.ledger.GetAccount(ctx, tr.AccountID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.mu.Unlock()
			return "", fmt.Errorf("load account %s: %w", tr.AccountID, err)
		}
	}

	st := newSettlement(tr, acct, s.nowSec())
	if err := st.resolve(ctx, success); err != nil {
		s.mu.Unlock()
		return "", err
	}
	if err := s.ledger.Commit(ctx, st.batch); err != nil {
		s.mu.Unlock()
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", domain.ErrTransferNotFound, transferID)
		}
		return "", fmt.Errorf("persist settlement: %w", err)
	}
	s.mu.Unlock()

	outcome := st.outcome()
	s.emit(ctx, st.event)
	metrics.RecordWithdrawSettled(string(outcome), s.now().Sub(tr.CreatedAt))

	entry := s.log.WithContext(logger.WithAccountID(ctx, tr.AccountID)).WithFields(logrus.Fields{
		"transfer_id": tr.ID,
		"token_id":    tr.TokenID,
		"amount":      tr.Amount.String(),
		"outcome":     outcome,
	})
	if outcome == OutcomeLostfound {
		entry.Warn("withdrawal failed and account is gone, value recorded as lost")
	} else {
		entry.Info("withdrawal settled")
	}
	return outcome, nil
}

// --- Account directory -------------------------------------------------------

// Register creates an empty account. It reports false when the account
// already exists.
func (s *Service) Register(ctx context.Context, accountID string) (bool, error) {
	accountID = strings.TrimSpace(accountID)
	if err := s.codec.ValidateAccount(accountID); err != nil {
		return false, fmt.Errorf("%w: %q: %v", domain.ErrInvalidAccountID, accountID, err)
	}

	s.mu.Lock()
	acct, created, err := s.loadOrCreate(ctx, accountID)
	if err != nil || !created {
		s.mu.Unlock()
		return false, err
	}
	if err := s.ledger.Commit(ctx, storage.Batch{Accounts: []*domain.Account{acct}}); err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("persist account %s: %w", accountID, err)
	}
	s.mu.Unlock()

	s.emit(ctx, domain.AccountEvent(domain.EventAccountRegister, accountID))
	s.log.WithContext(logger.WithAccountID(ctx, accountID)).Info("account registered")
	return true, nil
}

// Unregister removes an account. It reports false when the account does not
// exist. Without force the account must hold no locks. With force every
// remaining lock is abandoned: it is merged into the burn account when one is
// configured and has room, and is always announced with a lock_abandoned
// event.
func (s *Service) Unregister(ctx context.Context, accountID string, force bool) (bool, error) {
	s.mu.Lock()
	acct, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load account %s: %w", accountID, err)
	}
	if len(acct.LockedTokens) > 0 && !force {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %d locks", domain.ErrStillHasTokens, len(acct.LockedTokens))
	}

	batch := storage.Batch{DeletedAccounts: []string{accountID}}
	var pending []domain.Event
	if len(acct.LockedTokens) > 0 {
		abandoned, burnBatch, err := s.disposeLocks(ctx, acct)
		if err != nil {
			s.mu.Unlock()
			return false, err
		}
		batch.Accounts = burnBatch
		pending = abandoned
	}
	if err := s.ledger.Commit(ctx, batch); err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("delete account %s: %w", accountID, err)
	}
	s.mu.Unlock()

	for _, ev := range pending {
		s.emit(ctx, ev)
	}
	s.emit(ctx, domain.AccountEvent(domain.EventAccountUnregister, accountID))
	s.log.WithContext(logger.WithAccountID(ctx, accountID)).WithField("abandoned_locks", len(acct.LockedTokens)).Info("account unregistered")
	return true, nil
}

// disposeLocks must be called with s.mu held. It returns the events to emit
// after commit and the burn account write, if any.
func (s *Service) disposeLocks(ctx context.Context, acct *domain.Account) ([]domain.Event, []*domain.Account, error) {
	md, err := s.meta.GetMetadata(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("load metadata: %w", err)
	}
	burnID := md.BurnAccountID
	if burnID == acct.AccountID {
		burnID = ""
	}

	var (
		burn        *domain.Account
		burnCreated bool
	)
	if burnID != "" {
		burn, burnCreated, err = s.loadOrCreate(ctx, burnID)
		if err != nil {
			return nil, nil, err
		}
	}

	tokens := make([]string, 0, len(acct.LockedTokens))
	for tokenID := range acct.LockedTokens {
		tokens = append(tokens, tokenID)
	}
	sort.Strings(tokens)

	var (
		out     []domain.Event
		credits int
	)
	for _, tokenID := range tokens {
		lock := acct.LockedTokens[tokenID]
		ev := domain.LockEvent(domain.EventLockAbandoned, acct.AccountID, tokenID, lock.LockedBalance, lock.UnlockTimeSec)
		if burn != nil {
			if _, exists := burn.LockedTokens[tokenID]; exists || len(burn.LockedTokens) < domain.MaxLockNum {
				domain.CreditBack(burn, tokenID, lock.LockedBalance, lock.UnlockTimeSec)
				ev.Data.BurnAccountID = burnID
				credits++
			} else {
				s.log.WithFields(logrus.Fields{
					"account_id":      acct.AccountID,
					"burn_account_id": burnID,
					"token_id":        tokenID,
				}).Warn("burn account has no free lock slot, value abandoned")
			}
		}
		out = append(out, ev)
	}

	if credits == 0 {
		return out, nil, nil
	}
	if burnCreated {
		out = append([]domain.Event{domain.AccountEvent(domain.EventAccountRegister, burnID)}, out...)
	}
	return out, []*domain.Account{burn}, nil
}

// --- Queries -----------------------------------------------------------------

// GetAccount returns the account and its locks.
func (s *Service) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	acct, err := s.ledger.GetAccount(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotRegistered, accountID)
	}
	return acct, err
}

// ListAccounts pages accounts in registration order. limit <= 0 returns all
// remaining accounts.
func (s *Service) ListAccounts(ctx context.Context, fromIndex, limit int) ([]*domain.Account, error) {
	if fromIndex < 0 {
		fromIndex = 0
	}
	return s.ledger.ListAccounts(ctx, fromIndex, limit)
}

// ListTransfers returns the transfers still in flight, oldest first.
func (s *Service) ListTransfers(ctx context.Context) ([]domain.Transfer, error) {
	return s.ledger.ListTransfers(ctx)
}

// Metadata returns the ledger metadata including the live account count.
func (s *Service) Metadata(ctx context.Context) (domain.Metadata, error) {
	md, err := s.meta.GetMetadata(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return domain.Metadata{}, err
	}
	if errors.Is(err, storage.ErrNotFound) {
		md.CurrentAccountNum, err = s.ledger.CountAccounts(ctx)
	}
	return md, err
}

// --- Administration ----------------------------------------------------------

// SetOwner transfers ownership. Only the current owner may call it.
func (s *Service) SetOwner(ctx context.Context, callerID, ownerID string) error {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return errors.New("owner id is required")
	}
	return s.updateMetadata(ctx, callerID, func(md *domain.Metadata) { md.OwnerID = ownerID })
}

// SetBurnAccount sets the account that receives force-abandoned locks. An
// empty id disables burning. Only the owner may call it.
func (s *Service) SetBurnAccount(ctx context.Context, callerID, burnAccountID string) error {
	burnAccountID = strings.TrimSpace(burnAccountID)
	return s.updateMetadata(ctx, callerID, func(md *domain.Metadata) { md.BurnAccountID = burnAccountID })
}

func (s *Service) updateMetadata(ctx context.Context, callerID string, apply func(*domain.Metadata)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	md, err := s.meta.GetMetadata(ctx)
	if err != nil {
		return fmt.Errorf("load metadata: %w", err)
	}
	if callerID == "" || callerID != md.OwnerID {
		return fmt.Errorf("%w: %s is not the owner", domain.ErrNotAllowed, callerID)
	}
	before := md
	apply(&md)
	if err := s.meta.SaveMetadata(ctx, md); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"caller":                   callerID,
		"owner_id":                 md.OwnerID,
		"previous_owner_id":        before.OwnerID,
		"burn_account_id":          md.BurnAccountID,
		"previous_burn_account_id": before.BurnAccountID,
	}).Info("metadata updated")
	return nil
}
