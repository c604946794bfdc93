package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/R3E-Network/token_locker/internal/app/domain/locker"
	"github.com/R3E-Network/token_locker/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu        sync.RWMutex
	accounts  map[string]*locker.Account
	order     []string
	transfers map[string]locker.Transfer
	metadata  *locker.Metadata
}

var _ storage.LedgerStore = (*Store)(nil)
var _ storage.MetadataStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		accounts:  make(map[string]*locker.Account),
		transfers: make(map[string]locker.Transfer),
	}
}

// LedgerStore implementation --------------------------------------------------

func (s *Store) GetAccount(_ context.Context, accountID string) (*locker.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, storage.ErrNotFound)
	}
	return acct.Clone(), nil
}

func (s *Store) ListAccounts(_ context.Context, fromIndex, limit int) ([]*locker.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if fromIndex < 0 {
		fromIndex = 0
	}
	if fromIndex >= len(s.order) {
		return []*locker.Account{}, nil
	}
	end := len(s.order)
	if limit > 0 && fromIndex+limit < end {
		end = fromIndex + limit
	}
	out := make([]*locker.Account, 0, end-fromIndex)
	for _, id := range s.order[fromIndex:end] {
		out = append(out, s.accounts[id].Clone())
	}
	return out, nil
}

func (s *Store) CountAccounts(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.order)), nil
}

func (s *Store) GetTransfer(_ context.Context, id string) (locker.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tr, ok := s.transfers[id]
	if !ok {
		return locker.Transfer{}, fmt.Errorf("transfer %s: %w", id, storage.ErrNotFound)
	}
	return tr, nil
}

func (s *Store) ListTransfers(_ context.Context) ([]locker.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]locker.Transfer, 0, len(s.transfers))
	for _, tr := range s.transfers {
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) SetTransferReference(_ context.Context, id, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.transfers[id]
	if !ok {
		return fmt.Errorf("transfer %s: %w", id, storage.ErrNotFound)
	}
	tr.Reference = reference
	s.transfers[id] = tr
	return nil
}

func (s *Store) Commit(_ context.Context, batch storage.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range batch.SettledTransfers {
		if _, ok := s.transfers[id]; !ok {
			return fmt.Errorf("transfer %s: %w", id, storage.ErrNotFound)
		}
	}

	for _, id := range batch.DeletedAccounts {
		s.deleteAccountLocked(id)
	}
	for _, acct := range batch.Accounts {
		if _, exists := s.accounts[acct.AccountID]; !exists {
			s.order = append(s.order, acct.AccountID)
		}
		s.accounts[acct.AccountID] = acct.Clone()
	}
	for _, tr := range batch.Transfers {
		s.transfers[tr.ID] = tr
	}
	for _, id := range batch.SettledTransfers {
		delete(s.transfers, id)
	}
	return nil
}

func (s *Store) deleteAccountLocked(id string) {
	if _, ok := s.accounts[id]; !ok {
		return
	}
	delete(s.accounts, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// MetadataStore implementation ------------------------------------------------

func (s *Store) GetMetadata(_ context.Context) (locker.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.metadata == nil {
		return locker.Metadata{}, fmt.Errorf("metadata: %w", storage.ErrNotFound)
	}
	md := *s.metadata
	md.CurrentAccountNum = int64(len(s.order))
	return md, nil
}

func (s *Store) SaveMetadata(_ context.Context, md locker.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	md.CurrentAccountNum = 0
	s.metadata = &md
	return nil
}
