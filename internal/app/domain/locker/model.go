package locker

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaxLockNum bounds the number of distinct assets one account may hold locks for.
const MaxLockNum = 64

// LockInfo is a locked balance of one asset and the second it becomes withdrawable.
type LockInfo struct {
	LockedBalance decimal.Decimal `json:"locked_balance"`
	UnlockTimeSec uint32          `json:"unlock_time_sec"`
}

// Account holds the locks of one depositor keyed by asset id.
type Account struct {
	AccountID    string              `json:"account_id"`
	LockedTokens map[string]LockInfo `json:"locked_tokens"`
}

// NewAccount returns an empty account.
func NewAccount(accountID string) *Account {
	return &Account{AccountID: accountID, LockedTokens: make(map[string]LockInfo)}
}

// Clone returns a deep copy so callers can mutate without touching a stored record.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	out := &Account{AccountID: a.AccountID, LockedTokens: make(map[string]LockInfo, len(a.LockedTokens))}
	for k, v := range a.LockedTokens {
		out.LockedTokens[k] = v
	}
	return out
}

// Lock returns the lock for tokenID, if any.
func (a *Account) Lock(tokenID string) (LockInfo, bool) {
	info, ok := a.LockedTokens[tokenID]
	return info, ok
}

// Metadata describes the ledger as a whole.
type Metadata struct {
	OwnerID           string `json:"owner_id"`
	BurnAccountID     string `json:"burn_account_id,omitempty"`
	CurrentAccountNum int64  `json:"current_account_num"`
}

// Transfer is an outbound withdrawal that has been debited from the ledger
// and is waiting for its external result. The amount it carries is in flight.
type Transfer struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	TokenID   string          `json:"token_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
