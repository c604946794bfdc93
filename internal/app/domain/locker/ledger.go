package locker

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ValidateAmount requires a strictly positive integral amount.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.IsInteger() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount.String())
	}
	return nil
}

// CreateOrExtendLock adds amount to the lock for tokenID, creating it when
// absent. created reports which of the two happened.
//
// A new lock needs a free slot and an unlock time after now. An existing lock
// may only have its unlock time kept or pushed forward, and the result must
// still lie after now.
func CreateOrExtendLock(acct *Account, tokenID string, amount decimal.Decimal, unlockTimeSec, nowSec uint32) (bool, error) {
	if err := ValidateAmount(amount); err != nil {
		return false, err
	}
	if acct.LockedTokens == nil {
		acct.LockedTokens = make(map[string]LockInfo)
	}

	if info, ok := acct.LockedTokens[tokenID]; ok {
		if unlockTimeSec < info.UnlockTimeSec || unlockTimeSec <= nowSec {
			return false, fmt.Errorf("%w: have %d, got %d at %d", ErrInvalidUnlockExtension, info.UnlockTimeSec, unlockTimeSec, nowSec)
		}
		acct.LockedTokens[tokenID] = LockInfo{
			LockedBalance: info.LockedBalance.Add(amount),
			UnlockTimeSec: unlockTimeSec,
		}
		return false, nil
	}

	if len(acct.LockedTokens) >= MaxLockNum {
		return false, ErrTooManyLocks
	}
	if unlockTimeSec <= nowSec {
		return false, fmt.Errorf("%w: %d at %d", ErrUnlockTimeNotInFuture, unlockTimeSec, nowSec)
	}
	acct.LockedTokens[tokenID] = LockInfo{LockedBalance: amount, UnlockTimeSec: unlockTimeSec}
	return true, nil
}

// DebitLock removes amount from an unlocked lock. A nil amount takes the
// whole balance. The lock is dropped when it reaches zero. debited is the
// value now in flight.
func DebitLock(acct *Account, tokenID string, amount *decimal.Decimal, nowSec uint32) (debited, remaining decimal.Decimal, err error) {
	info, ok := acct.LockedTokens[tokenID]
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s", ErrNoSuchLock, tokenID)
	}
	if nowSec < info.UnlockTimeSec {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: until %d", ErrStillLocked, info.UnlockTimeSec)
	}

	debited = info.LockedBalance
	if amount != nil {
		debited = *amount
	}
	if err := ValidateAmount(debited); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if debited.GreaterThan(info.LockedBalance) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: have %s, requested %s", ErrInsufficientLockedBalance, info.LockedBalance, debited)
	}

	remaining = info.LockedBalance.Sub(debited)
	if remaining.IsZero() {
		delete(acct.LockedTokens, tokenID)
	} else {
		acct.LockedTokens[tokenID] = LockInfo{LockedBalance: remaining, UnlockTimeSec: info.UnlockTimeSec}
	}
	return debited, remaining, nil
}

// CreditBack returns amount to the account after a failed transfer. An
// existing lock keeps its unlock time; otherwise a new lock unlocking at
// unlockTimeSec is created. MaxLockNum does not apply to credits.
func CreditBack(acct *Account, tokenID string, amount decimal.Decimal, unlockTimeSec uint32) {
	if acct.LockedTokens == nil {
		acct.LockedTokens = make(map[string]LockInfo)
	}
	if info, ok := acct.LockedTokens[tokenID]; ok {
		info.LockedBalance = info.LockedBalance.Add(amount)
		acct.LockedTokens[tokenID] = info
		return
	}
	acct.LockedTokens[tokenID] = LockInfo{LockedBalance: amount, UnlockTimeSec: unlockTimeSec}
}
