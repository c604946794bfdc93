package locker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/R3E-Network/token_locker/internal/app/domain/asset"
	domain "github.com/R3E-Network/token_locker/internal/app/domain/locker"
	"github.com/R3E-Network/token_locker/internal/app/events"
	"github.com/R3E-Network/token_locker/internal/app/storage/memory"
	"github.com/R3E-Network/token_locker/pkg/logger"
	"github.com/R3E-Network/token_locker/pkg/testutil"
	"github.com/shopspring/decimal"
)

const (
	tokenX = "x.token.near"
	tokenY = "y.token.near"
	owner  = "owner.near"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	requests []TransferRequest
	ctxErrs  []error
	err      error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, req TransferRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	d.ctxErrs = append(d.ctxErrs, ctx.Err())
	if d.err != nil {
		return "", d.err
	}
	return "ref-" + req.TransferID, nil
}

type fixture struct {
	svc        *Service
	store      *memory.Store
	clock      *testutil.Clock
	dispatcher *recordingDispatcher
	events     *events.RingBuffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d := &recordingDispatcher{}
	f := newFixtureWithDispatcher(t, d)
	f.dispatcher = d
	return f
}

func newFixtureWithDispatcher(t *testing.T, d Dispatcher) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.New(),
		clock:  testutil.NewClock(1_000),
		events: events.NewRingBuffer(256),
	}
	seq := 0
	f.svc = New(f.store, f.store, logger.NewDiscard(),
		WithClock(f.clock.Now),
		WithDispatcher(d),
		WithEmitter(f.events),
		WithIDGenerator(func() string { seq++; return fmt.Sprintf("tr-%d", seq) }),
	)
	if err := f.svc.Init(context.Background(), owner, ""); err != nil {
		t.Fatalf("init: %v", err)
	}
	return f
}

func amt(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func amtPtr(v int64) *decimal.Decimal { d := decimal.NewFromInt(v); return &d }

func (f *fixture) deposit(t *testing.T, account, token string, amount int64, unlock uint32) {
	t.Helper()
	unused, err := f.svc.OnTransfer(context.Background(), token, account, amt(amount), domain.LockMessage(unlock))
	if err != nil {
		t.Fatalf("deposit %d %s for %s: %v", amount, token, account, err)
	}
	if !unused.IsZero() {
		t.Fatalf("unused = %s, want 0", unused)
	}
}

func (f *fixture) lock(t *testing.T, account, token string) (domain.LockInfo, bool) {
	t.Helper()
	acct, err := f.svc.GetAccount(context.Background(), account)
	if err != nil {
		t.Fatalf("get account %s: %v", account, err)
	}
	info, ok := acct.Lock(token)
	return info, ok
}

func (f *fixture) lastEvent(t *testing.T) domain.Event {
	t.Helper()
	recent := f.events.Recent(1)
	if len(recent) == 0 {
		t.Fatalf("no events recorded")
	}
	return recent[0]
}

func TestService_DepositCreatesAccountAndLock(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "a.near", tokenX, 100, 2_000)

	info, ok := f.lock(t, "a.near", tokenX)
	if !ok || !info.LockedBalance.Equal(amt(100)) || info.UnlockTimeSec != 2_000 {
		t.Fatalf("unexpected lock: %+v", info)
	}

	kinds := []string{}
	for _, ev := range f.events.Recent(10) {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) != 2 || kinds[0] != domain.EventLockedToken || kinds[1] != domain.EventAccountRegister {
		t.Fatalf("unexpected events: %v", kinds)
	}

	f.deposit(t, "a.near", tokenX, 5, 2_000)
	if ev := f.lastEvent(t); ev.Kind != domain.EventAppendToken || ev.Data.Amount != "5" {
		t.Fatalf("expected append_token event, got %+v", ev)
	}
}

func TestService_RejectedDepositLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.OnTransfer(ctx, tokenX, "a.near", amt(10), `{"Unlock":{}}`); !errors.Is(err, domain.ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
	if _, err := f.svc.OnTransfer(ctx, tokenX, "a.near", amt(10), domain.LockMessage(1_000)); !errors.Is(err, domain.ErrUnlockTimeNotInFuture) {
		t.Fatalf("expected ErrUnlockTimeNotInFuture, got %v", err)
	}
	if _, err := f.svc.OnTransfer(ctx, "bad@contract@id", "a.near", amt(10), domain.LockMessage(2_000)); !errors.Is(err, asset.ErrMalformedAssetID) {
		t.Fatalf("expected ErrMalformedAssetID, got %v", err)
	}
	if _, err := f.svc.GetAccount(ctx, "a.near"); !errors.Is(err, domain.ErrAccountNotRegistered) {
		t.Fatalf("rejected deposits must not create the account, got %v", err)
	}
	if f.events.Count() != 0 {
		t.Fatalf("rejected deposits must not emit events")
	}

	f.deposit(t, "a.near", tokenX, 10, 3_000)
	if _, err := f.svc.OnTransfer(ctx, tokenX, "a.near", amt(10), domain.LockMessage(2_500)); !errors.Is(err, domain.ErrInvalidUnlockExtension) {
		t.Fatalf("expected ErrInvalidUnlockExtension, got %v", err)
	}
	info, _ := f.lock(t, "a.near", tokenX)
	if !info.LockedBalance.Equal(amt(10)) || info.UnlockTimeSec != 3_000 {
		t.Fatalf("lock changed by rejected extension: %+v", info)
	}
}

func TestService_ScenarioPartialWithdrawAndExtend(t *testing.T) {
	const T = uint32(5_000)
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "a.near", tokenX, 100, T)

	f.clock.Set(T - 1)
	if _, err := f.svc.Withdraw(ctx, "a.near", tokenX, amtPtr(1)); !errors.Is(err, domain.ErrStillLocked) {
		t.Fatalf("expected ErrStillLocked, got %v", err)
	}

	f.clock.Set(T)
	tr, err := f.svc.Withdraw(ctx, "a.near", tokenX, amtPtr(60))
	if err != nil {
		t.Fatalf("withdraw 60: %v", err)
	}
	if !tr.Amount.Equal(amt(60)) || tr.Reference != "ref-"+tr.ID {
		t.Fatalf("unexpected transfer: %+v", tr)
	}
	info, _ := f.lock(t, "a.near", tokenX)
	if !info.LockedBalance.Equal(amt(40)) || info.UnlockTimeSec != T {
		t.Fatalf("after withdraw: %+v", info)
	}

	f.deposit(t, "a.near", tokenX, 50, T+10)
	info, _ = f.lock(t, "a.near", tokenX)
	if !info.LockedBalance.Equal(amt(90)) || info.UnlockTimeSec != T+10 {
		t.Fatalf("after extend: %+v", info)
	}

	f.clock.Set(T + 10)
	if _, err := f.svc.Withdraw(ctx, "a.near", tokenX, amtPtr(100)); !errors.Is(err, domain.ErrInsufficientLockedBalance) {
		t.Fatalf("expected ErrInsufficientLockedBalance, got %v", err)
	}
}

func TestService_ScenarioFailedTransferIsImmediatelyWithdrawable(t *testing.T) {
	const T = uint32(5_000)
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "b.near", tokenY, 30, T)

	f.clock.Set(T)
	tr, err := f.svc.Withdraw(ctx, "b.near", tokenY, nil)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, ok := f.lock(t, "b.near", tokenY); ok {
		t.Fatalf("full withdrawal must remove the lock")
	}

	f.clock.Set(T + 100)
	outcome, err := f.svc.CompleteTransfer(ctx, tr.ID, false)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if outcome != OutcomeFailed {
		t.Fatalf("outcome = %s", outcome)
	}
	info, ok := f.lock(t, "b.near", tokenY)
	if !ok || !info.LockedBalance.Equal(amt(30)) || info.UnlockTimeSec != T+100 {
		t.Fatalf("credit back: %+v", info)
	}
	if ev := f.lastEvent(t); ev.Kind != domain.EventWithdrawFailed {
		t.Fatalf("expected withdraw_failed, got %s", ev.Kind)
	}

	again, err := f.svc.Withdraw(ctx, "b.near", tokenY, nil)
	if err != nil {
		t.Fatalf("immediate re-withdraw: %v", err)
	}
	if !again.Amount.Equal(amt(30)) {
		t.Fatalf("re-withdraw amount = %s", again.Amount)
	}
}

func TestService_CompensationConservesValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "a.near", tokenX, 100, 2_000)
	f.clock.Set(2_000)

	tr, err := f.svc.Withdraw(ctx, "a.near", tokenX, amtPtr(35))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	f.clock.Set(2_500)
	if _, err := f.svc.CompleteTransfer(ctx, tr.ID, false); err != nil {
		t.Fatalf("complete: %v", err)
	}
	info, _ := f.lock(t, "a.near", tokenX)
	if !info.LockedBalance.Equal(amt(100)) {
		t.Fatalf("balance after compensation = %s, want 100", info.LockedBalance)
	}
	if info.UnlockTimeSec != 2_000 {
		t.Fatalf("compensation must keep the existing unlock time, got %d", info.UnlockTimeSec)
	}
}

func TestService_CompensationSeesInterveningDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "a.near", tokenX, 100, 2_000)
	f.clock.Set(2_000)

	tr, err := f.svc.Withdraw(ctx, "a.near", tokenX, nil)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	// A new lock for the same asset is created while the transfer is in flight.
	f.deposit(t, "a.near", tokenX, 20, 9_000)

	if _, err := f.svc.CompleteTransfer(ctx, tr.ID, false); err != nil {
		t.Fatalf("complete: %v", err)
	}
	info, _ := f.lock(t, "a.near", tokenX)
	if !info.LockedBalance.Equal(amt(120)) || info.UnlockTimeSec != 9_000 {
		t.Fatalf("unexpected lock after compensation: %+v", info)
	}
}

func TestService_SuccessLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "a.near", tokenX, 100, 2_000)
	f.clock.Set(2_000)

	tr, err := f.svc.Withdraw(ctx, "a.near", tokenX, amtPtr(40))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	outcome, err := f.svc.CompleteTransfer(ctx, tr.ID, true)
	if err != nil || outcome != OutcomeSucceeded {
		t.Fatalf("complete: %s %v", outcome, err)
	}
	info, _ := f.lock(t, "a.near", tokenX)
	if !info.LockedBalance.Equal(amt(60)) {
		t.Fatalf("success must not change the ledger: %s", info.LockedBalance)
	}
	if ev := f.lastEvent(t); ev.Kind != domain.EventWithdrawSucceeded || ev.Data.TransferID != tr.ID {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestService_TransferReconciledOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "a.near", tokenX, 10, 2_000)
	f.clock.Set(2_000)

	tr, err := f.svc.Withdraw(ctx, "a.near", tokenX, nil)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	pending, _ := f.svc.ListTransfers(ctx)
	if len(pending) != 1 || pending[0].Reference != "ref-"+tr.ID {
		t.Fatalf("expected one in-flight transfer with reference, got %+v", pending)
	}

	if _, err := f.svc.CompleteTransfer(ctx, tr.ID, false); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if _, err := f.svc.CompleteTransfer(ctx, tr.ID, false); !errors.Is(err, domain.ErrTransferNotFound) {
		t.Fatalf("expected ErrTransferNotFound, got %v", err)
	}
	info, _ := f.lock(t, "a.near", tokenX)
	if !info.LockedBalance.Equal(amt(10)) {
		t.Fatalf("double settlement changed balance: %s", info.LockedBalance)
	}
	if pending, _ := f.svc.ListTransfers(ctx); len(pending) != 0 {
		t.Fatalf("transfer still pending: %+v", pending)
	}
}

func TestService_LostfoundWhenAccountGone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "a.near", tokenX, 10, 2_000)
	f.clock.Set(2_000)

	tr, err := f.svc.Withdraw(ctx, "a.near", tokenX, nil)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	removed, err := f.svc.Unregister(ctx, "a.near", false)
	if err != nil || !removed {
		t.Fatalf("unregister: %v %v", removed, err)
	}

	outcome, err := f.svc.CompleteTransfer(ctx, tr.ID, false)
	if err != nil || outcome != OutcomeLostfound {
		t.Fatalf("complete: %s %v", outcome, err)
	}
	if _, err := f.svc.GetAccount(ctx, "a.near"); !errors.Is(err, domain.ErrAccountNotRegistered) {
		t.Fatalf("lost-found must not recreate the account, got %v", err)
	}
	accounts, _ := f.svc.ListAccounts(ctx, 0, 0)
	if len(accounts) != 0 {
		t.Fatalf("ledger changed by lost-found: %d accounts", len(accounts))
	}
	ev := f.lastEvent(t)
	if ev.Kind != domain.EventWithdrawLostfound || ev.Data.AccountID != "a.near" || ev.Data.TokenID != tokenX || ev.Data.Amount != "10" {
		t.Fatalf("unexpected lost-found event: %+v", ev)
	}
}

func (f *fixture) countEvents(kind string) int {
	return len(f.events.RecentByKind(kind, 1000))
}

func TestService_RejectedDispatchRevertsImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "a.near", tokenX, 10, 2_000)
	f.clock.Set(2_000)
	f.dispatcher.err = fmt.Errorf("%w: receiver unknown", ErrTransferRejected)

	tr, err := f.svc.Withdraw(ctx, "a.near", tokenX, amtPtr(4))
	if err != nil {
		t.Fatalf("withdraw must not surface dispatch failures: %v", err)
	}
	info, _ := f.lock(t, "a.near", tokenX)
	if !info.LockedBalance.Equal(amt(10)) {
		t.Fatalf("balance after revert = %s", info.LockedBalance)
	}
	if pending, _ := f.svc.ListTransfers(ctx); len(pending) != 0 {
		t.Fatalf("reverted transfer still pending")
	}
	if f.countEvents(domain.EventWithdrawStarted) != 0 {
		t.Fatalf("rejected transfer must not emit withdraw_started")
	}
	if f.countEvents(domain.EventWithdrawFailed) != 1 {
		t.Fatalf("expected one withdraw_failed event")
	}
	if _, err := f.svc.CompleteTransfer(ctx, tr.ID, true); !errors.Is(err, domain.ErrTransferNotFound) {
		t.Fatalf("expected ErrTransferNotFound, got %v", err)
	}
}

func TestService_UnknownDispatchOutcomeStaysInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "a.near", tokenX, 10, 2_000)
	f.clock.Set(2_000)
	f.dispatcher.err = errors.New("relay timeout")

	tr, err := f.svc.Withdraw(ctx, "a.near", tokenX, amtPtr(4))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	info, _ := f.lock(t, "a.near", tokenX)
	if !info.LockedBalance.Equal(amt(6)) {
		t.Fatalf("balance with transfer in flight = %s, want 6", info.LockedBalance)
	}
	pending, _ := f.svc.ListTransfers(ctx)
	if len(pending) != 1 || pending[0].ID != tr.ID || pending[0].Reference != "" {
		t.Fatalf("expected the transfer in flight without reference, got %+v", pending)
	}
	if f.countEvents(domain.EventWithdrawStarted) != 0 || f.countEvents(domain.EventWithdrawFailed) != 0 {
		t.Fatalf("no lifecycle event expected before the outcome is known")
	}

	f.dispatcher.err = nil
	inflight, resent, err := f.svc.ResumeTransfers(ctx)
	if err != nil || inflight != 1 || resent != 1 {
		t.Fatalf("resume = %d/%d, %v", inflight, resent, err)
	}
	pending, _ = f.svc.ListTransfers(ctx)
	if len(pending) != 1 || pending[0].Reference != "ref-"+tr.ID {
		t.Fatalf("reference not recorded after redispatch: %+v", pending)
	}
	if len(f.dispatcher.requests) != 2 || f.dispatcher.requests[1].TransferID != tr.ID {
		t.Fatalf("redispatch must reuse the transfer id: %+v", f.dispatcher.requests)
	}
	if f.countEvents(domain.EventWithdrawStarted) != 1 {
		t.Fatalf("expected withdraw_started once dispatched")
	}

	// Already referenced transfers are left to the resolver.
	if _, resent, _ := f.svc.ResumeTransfers(ctx); resent != 0 {
		t.Fatalf("referenced transfer dispatched again")
	}
	if _, err := f.svc.Redispatch(ctx, "tr-404"); !errors.Is(err, domain.ErrTransferNotFound) {
		t.Fatalf("expected ErrTransferNotFound, got %v", err)
	}
}

func TestService_DispatchOutlivesCallerContext(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "a.near", tokenX, 10, 2_000)
	f.clock.Set(2_000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.svc.Withdraw(ctx, "a.near", tokenX, nil); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if len(f.dispatcher.ctxErrs) != 1 || f.dispatcher.ctxErrs[0] != nil {
		t.Fatalf("dispatch saw a cancelled context: %v", f.dispatcher.ctxErrs)
	}
}

func TestService_RelayTimeoutKeepsTransferInFlight(t *testing.T) {
	var accepted atomic.Int32
	var slow atomic.Bool
	slow.Store(true)
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accepted.Add(1)
		if slow.Load() {
			time.Sleep(300 * time.Millisecond)
		}
		_, _ = w.Write([]byte(`{"reference":"0xabc"}`))
	}))
	defer relay.Close()

	f := newFixtureWithDispatcher(t, NewHTTPDispatcher(relay.URL, "", &http.Client{Timeout: 100 * time.Millisecond}))
	ctx := context.Background()
	f.deposit(t, "a.near", tokenX, 100, 2_000)
	f.clock.Set(2_000)

	tr, err := f.svc.Withdraw(ctx, "a.near", tokenX, nil)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, ok := f.lock(t, "a.near", tokenX); ok {
		t.Fatalf("value credited back while the relay may hold the transfer")
	}
	pending, _ := f.svc.ListTransfers(ctx)
	if len(pending) != 1 || pending[0].ID != tr.ID {
		t.Fatalf("transfer must stay in flight, got %+v", pending)
	}

	slow.Store(false)
	if _, err := f.svc.Redispatch(ctx, tr.ID); err != nil {
		t.Fatalf("redispatch: %v", err)
	}
	pending, _ = f.svc.ListTransfers(ctx)
	if len(pending) != 1 || pending[0].Reference != "0xabc" {
		t.Fatalf("reference not recorded: %+v", pending)
	}
	if accepted.Load() != 2 {
		t.Fatalf("relay saw %d posts, want 2", accepted.Load())
	}
}

func TestService_CreditBackMayExceedMaxLockNum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "a.near", tokenX, 10, 2_000)
	for i := 1; i < domain.MaxLockNum; i++ {
		f.deposit(t, "a.near", fmt.Sprintf("t%d.token.near", i), 1, 5_000)
	}
	f.clock.Set(2_000)

	tr, err := f.svc.Withdraw(ctx, "a.near", tokenX, nil)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	f.deposit(t, "a.near", tokenY, 1, 5_000)

	outcome, err := f.svc.CompleteTransfer(ctx, tr.ID, false)
	if err != nil || outcome != OutcomeFailed {
		t.Fatalf("complete = %s, %v", outcome, err)
	}
	acct, _ := f.svc.GetAccount(ctx, "a.near")
	if len(acct.LockedTokens) != domain.MaxLockNum+1 {
		t.Fatalf("locks = %d, want %d: a failed transfer is always credited back", len(acct.LockedTokens), domain.MaxLockNum+1)
	}
	if _, err := f.svc.OnTransfer(ctx, "z.token.near", "a.near", amt(1), domain.LockMessage(5_000)); !errors.Is(err, domain.ErrTooManyLocks) {
		t.Fatalf("new locks must still be capped, got %v", err)
	}
}

func TestService_RejectsMalformedAccountIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"", "A B", "alice..near", "x"} {
		if _, err := f.svc.OnTransfer(ctx, tokenX, id, amt(1), domain.LockMessage(2_000)); !errors.Is(err, domain.ErrInvalidAccountID) {
			t.Fatalf("deposit from %q: expected ErrInvalidAccountID, got %v", id, err)
		}
		if _, err := f.svc.Register(ctx, id); !errors.Is(err, domain.ErrInvalidAccountID) {
			t.Fatalf("register %q: expected ErrInvalidAccountID, got %v", id, err)
		}
	}
	if accts, _ := f.svc.ListAccounts(ctx, 0, 0); len(accts) != 0 {
		t.Fatalf("malformed ids created accounts: %d", len(accts))
	}
}

func TestService_WithdrawErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Withdraw(ctx, "ghost.near", tokenX, nil); !errors.Is(err, domain.ErrAccountNotRegistered) {
		t.Fatalf("expected ErrAccountNotRegistered, got %v", err)
	}
	if _, err := f.svc.Register(ctx, "a.near"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := f.svc.Withdraw(ctx, "a.near", tokenX, nil); !errors.Is(err, domain.ErrNoSuchLock) {
		t.Fatalf("expected ErrNoSuchLock, got %v", err)
	}
	if _, err := f.svc.Withdraw(ctx, "a.near", "x@y@z", nil); !errors.Is(err, asset.ErrMalformedAssetID) {
		t.Fatalf("expected ErrMalformedAssetID, got %v", err)
	}
	if len(f.dispatcher.requests) != 0 {
		t.Fatalf("rejected withdrawals must not dispatch")
	}
}

func TestService_MultiTokenDepositAndWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.OnMultiTransfer(ctx, "mft.near", ":7", "a.near", amt(3), domain.LockMessage(1_500)); err != nil {
		t.Fatalf("mft deposit: %v", err)
	}
	if _, ok := f.lock(t, "a.near", "mft.near@:7"); !ok {
		t.Fatalf("compound lock missing")
	}

	f.clock.Set(1_500)
	if _, err := f.svc.Withdraw(ctx, "a.near", "mft.near@:7", nil); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	req := f.dispatcher.requests[0]
	if req.ContractID != "mft.near" || req.SubAssetID != ":7" || req.ReceiverID != "a.near" || !req.Amount.Equal(amt(3)) {
		t.Fatalf("unexpected dispatch: %+v", req)
	}
}

func TestService_RegisterAndUnregister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.Register(ctx, "a.near")
	if err != nil || !created {
		t.Fatalf("register: %v %v", created, err)
	}
	created, err = f.svc.Register(ctx, "a.near")
	if err != nil || created {
		t.Fatalf("second register should be a no-op: %v %v", created, err)
	}

	f.deposit(t, "a.near", tokenX, 10, 2_000)
	if _, err := f.svc.Unregister(ctx, "a.near", false); !errors.Is(err, domain.ErrStillHasTokens) {
		t.Fatalf("expected ErrStillHasTokens, got %v", err)
	}
	removed, err := f.svc.Unregister(ctx, "ghost.near", false)
	if err != nil || removed {
		t.Fatalf("unregister missing account: %v %v", removed, err)
	}

	removed, err = f.svc.Unregister(ctx, "a.near", true)
	if err != nil || !removed {
		t.Fatalf("forced unregister: %v %v", removed, err)
	}
	abandoned := f.events.RecentByKind(domain.EventLockAbandoned, 10)
	if len(abandoned) != 1 || abandoned[0].Data.Amount != "10" || abandoned[0].Data.BurnAccountID != "" {
		t.Fatalf("unexpected abandoned events: %+v", abandoned)
	}
	if ev := f.lastEvent(t); ev.Kind != domain.EventAccountUnregister {
		t.Fatalf("expected account_unregister, got %s", ev.Kind)
	}
}

func TestService_ForcedUnregisterMergesIntoBurnAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.svc.SetBurnAccount(ctx, owner, "burn.near"); err != nil {
		t.Fatalf("set burn account: %v", err)
	}

	f.deposit(t, "burn.near", tokenX, 1, 9_000)
	f.deposit(t, "a.near", tokenX, 10, 2_000)
	f.deposit(t, "a.near", tokenY, 5, 3_000)

	if _, err := f.svc.Unregister(ctx, "a.near", true); err != nil {
		t.Fatalf("forced unregister: %v", err)
	}

	x, _ := f.lock(t, "burn.near", tokenX)
	if !x.LockedBalance.Equal(amt(11)) || x.UnlockTimeSec != 9_000 {
		t.Fatalf("merged lock: %+v", x)
	}
	y, ok := f.lock(t, "burn.near", tokenY)
	if !ok || !y.LockedBalance.Equal(amt(5)) || y.UnlockTimeSec != 3_000 {
		t.Fatalf("new burn lock: %+v", y)
	}
	for _, ev := range f.events.RecentByKind(domain.EventLockAbandoned, 10) {
		if ev.Data.BurnAccountID != "burn.near" {
			t.Fatalf("abandoned event without burn account: %+v", ev)
		}
	}
}

func TestService_Administration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.SetOwner(ctx, "mallory.near", "mallory.near"); !errors.Is(err, domain.ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
	if err := f.svc.SetOwner(ctx, owner, "new-owner.near"); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	if err := f.svc.SetBurnAccount(ctx, owner, "burn.near"); !errors.Is(err, domain.ErrNotAllowed) {
		t.Fatalf("old owner must lose rights, got %v", err)
	}

	f.deposit(t, "a.near", tokenX, 1, 2_000)
	md, err := f.svc.Metadata(ctx)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if md.OwnerID != "new-owner.near" || md.CurrentAccountNum != 1 {
		t.Fatalf("unexpected metadata: %+v", md)
	}

	// Init never overwrites existing metadata.
	if err := f.svc.Init(ctx, "someone-else.near", ""); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	md, _ = f.svc.Metadata(ctx)
	if md.OwnerID != "new-owner.near" {
		t.Fatalf("init overwrote owner: %s", md.OwnerID)
	}
}

func TestService_ListAccountsPaged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := f.svc.Register(ctx, fmt.Sprintf("acct%d.near", i)); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	page, err := f.svc.ListAccounts(ctx, 3, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].AccountID != "acct3.near" {
		t.Fatalf("unexpected page: %d", len(page))
	}
}
