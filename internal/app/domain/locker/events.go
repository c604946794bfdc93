package locker

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Event standard written into every EVENT_JSON envelope.
const (
	EventStandard        = "token-locker"
	EventStandardVersion = "1.0.0"
	EventLogPrefix       = "EVENT_JSON:"
)

// Event kinds.
const (
	EventLockedToken       = "locked_token"
	EventAppendToken       = "append_token"
	EventWithdrawStarted   = "withdraw_started"
	EventWithdrawSucceeded = "withdraw_succeeded"
	EventWithdrawFailed    = "withdraw_failed"
	EventWithdrawLostfound = "withdraw_lostfound"
	EventAccountRegister   = "account_register"
	EventAccountUnregister = "account_unregister"
	EventLockAbandoned     = "lock_abandoned"
)

// EventData is the payload of a lifecycle event. Fields a kind does not use
// are left empty and omitted on the wire.
type EventData struct {
	AccountID     string  `json:"account_id"`
	TokenID       string  `json:"token_id,omitempty"`
	Amount        string  `json:"amount,omitempty"`
	UnlockTimeSec *uint32 `json:"unlock_time_sec,omitempty"`
	TransferID    string  `json:"transfer_id,omitempty"`
	BurnAccountID string  `json:"burn_account_id,omitempty"`
}

// Event is a lifecycle notification. It never feeds back into ledger state.
type Event struct {
	ID        string    `json:"id"`
	Kind      string    `json:"event"`
	Data      EventData `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// LockEvent builds a locked_token or append_token event.
func LockEvent(kind, accountID, tokenID string, amount decimal.Decimal, unlockTimeSec uint32) Event {
	t := unlockTimeSec
	return Event{Kind: kind, Data: EventData{
		AccountID:     accountID,
		TokenID:       tokenID,
		Amount:        amount.String(),
		UnlockTimeSec: &t,
	}}
}

// TransferEvent builds one of the withdraw_* events.
func TransferEvent(kind string, tr *Transfer) Event {
	return Event{Kind: kind, Data: EventData{
		AccountID:  tr.AccountID,
		TokenID:    tr.TokenID,
		Amount:     tr.Amount.String(),
		TransferID: tr.ID,
	}}
}

// AccountEvent builds account_register or account_unregister.
func AccountEvent(kind, accountID string) Event {
	return Event{Kind: kind, Data: EventData{AccountID: accountID}}
}

type envelope struct {
	Standard string      `json:"standard"`
	Version  string      `json:"version"`
	Event    string      `json:"event"`
	Data     []EventData `json:"data"`
}

// StandardJSON renders the event in the token-locker event standard.
func (e Event) StandardJSON() ([]byte, error) {
	return json.Marshal(envelope{
		Standard: EventStandard,
		Version:  EventStandardVersion,
		Event:    e.Kind,
		Data:     []EventData{e.Data},
	})
}

// LogLine renders the event as an EVENT_JSON log line.
func (e Event) LogLine() (string, error) {
	b, err := e.StandardJSON()
	if err != nil {
		return "", err
	}
	return EventLogPrefix + string(b), nil
}
