package storage

import (
	"context"
	"errors"

	"github.com/R3E-Network/token_locker/internal/app/domain/locker"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Batch is a set of writes committed atomically. Either every write lands or
// none does.
type Batch struct {
	// Accounts are inserted or replaced.
	Accounts []*locker.Account
	// DeletedAccounts are removed if present.
	DeletedAccounts []string
	// Transfers are recorded as in flight.
	Transfers []locker.Transfer
	// SettledTransfers are removed. Each must exist, otherwise the whole
	// batch fails with ErrNotFound.
	SettledTransfers []string
}

// Empty reports whether the batch carries no writes.
func (b Batch) Empty() bool {
	return len(b.Accounts) == 0 && len(b.DeletedAccounts) == 0 &&
		len(b.Transfers) == 0 && len(b.SettledTransfers) == 0
}

// LedgerStore persists accounts and in-flight transfers.
type LedgerStore interface {
	GetAccount(ctx context.Context, accountID string) (*locker.Account, error)
	// ListAccounts pages accounts in registration order. limit <= 0 returns
	// everything from fromIndex on.
	ListAccounts(ctx context.Context, fromIndex, limit int) ([]*locker.Account, error)
	CountAccounts(ctx context.Context) (int64, error)

	GetTransfer(ctx context.Context, id string) (locker.Transfer, error)
	ListTransfers(ctx context.Context) ([]locker.Transfer, error)
	SetTransferReference(ctx context.Context, id, reference string) error

	Commit(ctx context.Context, batch Batch) error
}

// MetadataStore persists ledger-wide settings.
type MetadataStore interface {
	// GetMetadata returns ErrNotFound until metadata has been saved once.
	GetMetadata(ctx context.Context) (locker.Metadata, error)
	SaveMetadata(ctx context.Context, md locker.Metadata) error
}
