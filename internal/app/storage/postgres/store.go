package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/token_locker/internal/app/domain/locker"
	"github.com/R3E-Network/token_locker/internal/app/storage"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.LedgerStore = (*Store)(nil)
var _ storage.MetadataStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

type transferRow struct {
	ID        string          `db:"id"`
	AccountID string          `db:"account_id"`
	TokenID   string          `db:"token_id"`
	Amount    decimal.Decimal `db:"amount"`
	Reference string          `db:"reference"`
	CreatedAt time.Time       `db:"created_at"`
}

func (r transferRow) toDomain() locker.Transfer {
	return locker.Transfer{
		ID:        r.ID,
		AccountID: r.AccountID,
		TokenID:   r.TokenID,
		Amount:    r.Amount,
		Reference: r.Reference,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return err
}

// --- LedgerStore ------------------------------------------------------------

func (s *Store) GetAccount(ctx context.Context, accountID string) (*locker.Account, error) {
	var record []byte
	err := s.db.GetContext(ctx, &record, `
		SELECT record FROM locker_accounts WHERE account_id = $1
	`, accountID)
	if err != nil {
		return nil, notFound(err, "account "+accountID)
	}
	return locker.DecodeAccount(record)
}

func (s *Store) ListAccounts(ctx context.Context, fromIndex, limit int) ([]*locker.Account, error) {
	if fromIndex < 0 {
		fromIndex = 0
	}
	var (
		records [][]byte
		err     error
	)
	if limit > 0 {
		err = s.db.SelectContext(ctx, &records, `
			SELECT record FROM locker_accounts ORDER BY seq OFFSET $1 LIMIT $2
		`, fromIndex, limit)
	} else {
		err = s.db.SelectContext(ctx, &records, `
			SELECT record FROM locker_accounts ORDER BY seq OFFSET $1
		`, fromIndex)
	}
	if err != nil {
		return nil, err
	}

	out := make([]*locker.Account, 0, len(records))
	for _, rec := range records {
		acct, err := locker.DecodeAccount(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, nil
}

func (s *Store) CountAccounts(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM locker_accounts`)
	return n, err
}

func (s *Store) GetTransfer(ctx context.Context, id string) (locker.Transfer, error) {
	var row transferRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, account_id, token_id, amount, reference, created_at
		FROM locker_transfers
		WHERE id = $1
	`, id)
	if err != nil {
		return locker.Transfer{}, notFound(err, "transfer "+id)
	}
	return row.toDomain(), nil
}

func (s *Store) ListTransfers(ctx context.Context) ([]locker.Transfer, error) {
	var rows []transferRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, account_id, token_id, amount, reference, created_at
		FROM locker_transfers
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	out := make([]locker.Transfer, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) SetTransferReference(ctx context.Context, id, reference string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE locker_transfers SET reference = $2 WHERE id = $1
	`, id, reference)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("transfer %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) Commit(ctx context.Context, batch storage.Batch) (err error) {
	if batch.Empty() {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, id := range batch.SettledTransfers {
		result, execErr := tx.ExecContext(ctx, `DELETE FROM locker_transfers WHERE id = $1`, id)
		if execErr != nil {
			return execErr
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return fmt.Errorf("transfer %s: %w", id, storage.ErrNotFound)
		}
	}

	for _, id := range batch.DeletedAccounts {
		if _, err = tx.ExecContext(ctx, `DELETE FROM locker_accounts WHERE account_id = $1`, id); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	for _, acct := range batch.Accounts {
		record, encErr := locker.EncodeAccount(acct)
		if encErr != nil {
			return encErr
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO locker_accounts (account_id, record, created_at, updated_at)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (account_id) DO UPDATE
			SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at
		`, acct.AccountID, record, now); err != nil {
			return err
		}
	}

	for _, tr := range batch.Transfers {
		row := transferRow{
			ID:        tr.ID,
			AccountID: tr.AccountID,
			TokenID:   tr.TokenID,
			Amount:    tr.Amount,
			Reference: tr.Reference,
			CreatedAt: tr.CreatedAt.UTC(),
		}
		if _, err = tx.NamedExecContext(ctx, `
			INSERT INTO locker_transfers (id, account_id, token_id, amount, reference, created_at)
			VALUES (:id, :account_id, :token_id, :amount, :reference, :created_at)
		`, row); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// --- MetadataStore ----------------------------------------------------------

func (s *Store) GetMetadata(ctx context.Context) (locker.Metadata, error) {
	var record []byte
	if err := s.db.GetContext(ctx, &record, `SELECT record FROM locker_metadata WHERE id = 1`); err != nil {
		return locker.Metadata{}, notFound(err, "metadata")
	}
	md, err := locker.DecodeMetadata(record)
	if err != nil {
		return locker.Metadata{}, err
	}
	md.CurrentAccountNum, err = s.CountAccounts(ctx)
	return md, err
}

func (s *Store) SaveMetadata(ctx context.Context, md locker.Metadata) error {
	record, err := locker.EncodeMetadata(md)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO locker_metadata (id, record, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE
		SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at
	`, record, time.Now().UTC())
	return err
}
