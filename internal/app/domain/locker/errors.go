package locker

import "errors"

// Ledger errors. Every operation checks its preconditions before mutating, so
// any of these leaves the account exactly as it was.
var (
	ErrTooManyLocks              = errors.New("exceed max lock num")
	ErrUnlockTimeNotInFuture     = errors.New("unlock time not in future")
	ErrInvalidUnlockExtension    = errors.New("invalid unlock time extension")
	ErrNoSuchLock                = errors.New("no such lock")
	ErrStillLocked               = errors.New("token still locked")
	ErrInsufficientLockedBalance = errors.New("lock balance not enough")
	ErrAccountNotRegistered      = errors.New("account not registered")
	ErrInvalidAccountID          = errors.New("invalid account id")
	ErrInvalidAmount             = errors.New("invalid amount")
	ErrMalformedMessage          = errors.New("malformed message")
	ErrStillHasTokens            = errors.New("account still has locked tokens")
	ErrNotAllowed                = errors.New("not allowed")
	ErrTransferNotFound          = errors.New("transfer not found")
)
