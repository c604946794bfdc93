package locker

import (
	"context"
	"fmt"

	domain "github.com/R3E-Network/token_locker/internal/app/domain/locker"
	"github.com/R3E-Network/token_locker/internal/app/storage"
	"github.com/looplab/fsm"
)

// Outcome is the terminal state of a reconciled transfer.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeLostfound Outcome = "lostfound"
)

// Transfer states. in_flight is implicit in storage: it is the existence of
// the transfer record while its amount is absent from every lock.
const (
	stateInFlight = "in_flight"
	stateSettled  = "settled"
	stateReverted = "reverted"
	stateLost     = "lost"

	eventSucceed = "succeed"
	eventRevert  = "revert"
	eventLose    = "lose"
)

// settlement reconciles one transfer against a freshly loaded account. It
// only carries the transfer's (account, token, amount) triple and the
// account as it is now; nothing from the dispatching request survives.
type settlement struct {
	transfer domain.Transfer
	account  *domain.Account
	nowSec   uint32

	machine *fsm.FSM
	batch   storage.Batch
	event   domain.Event
}

func newSettlement(tr domain.Transfer, acct *domain.Account, nowSec uint32) *settlement {
	st := &settlement{
		transfer: tr,
		account:  acct,
		nowSec:   nowSec,
		batch:    storage.Batch{SettledTransfers: []string{tr.ID}},
	}
	st.machine = fsm.NewFSM(
		stateInFlight,
		fsm.Events{
			{Name: eventSucceed, Src: []string{stateInFlight}, Dst: stateSettled},
			{Name: eventRevert, Src: []string{stateInFlight}, Dst: stateReverted},
			{Name: eventLose, Src: []string{stateInFlight}, Dst: stateLost},
		},
		fsm.Callbacks{
			"before_" + eventRevert: func(_ context.Context, e *fsm.Event) {
				if st.account == nil {
					e.Cancel(fmt.Errorf("revert transfer %s: account %s is gone", tr.ID, tr.AccountID))
				}
			},
			"enter_" + stateSettled: func(context.Context, *fsm.Event) {
				st.event = domain.TransferEvent(domain.EventWithdrawSucceeded, &st.transfer)
			},
			"enter_" + stateReverted: func(context.Context, *fsm.Event) {
				// An intervening deposit may have recreated the lock; its
				// unlock time is kept. Otherwise the value is unlocked now.
				domain.CreditBack(st.account, st.transfer.TokenID, st.transfer.Amount, st.nowSec)
				st.batch.Accounts = []*domain.Account{st.account}
				st.event = domain.TransferEvent(domain.EventWithdrawFailed, &st.transfer)
			},
			"enter_" + stateLost: func(context.Context, *fsm.Event) {
				st.event = domain.TransferEvent(domain.EventWithdrawLostfound, &st.transfer)
			},
		},
	)
	return st
}

// resolve drives the machine to the terminal state for the given result.
func (st *settlement) resolve(ctx context.Context, success bool) error {
	event := eventSucceed
	if !success {
		event = eventRevert
		if st.account == nil {
			event = eventLose
		}
	}
	return st.machine.Event(ctx, event)
}

func (st *settlement) outcome() Outcome {
	switch st.machine.Current() {
	case stateSettled:
		return OutcomeSucceeded
	case stateReverted:
		return OutcomeFailed
	case stateLost:
		return OutcomeLostfound
	default:
		return ""
	}
}
