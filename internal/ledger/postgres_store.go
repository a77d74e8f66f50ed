package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore persists ledger entries in PostgreSQL. Each append runs in
// a serializable transaction that inserts the entry and reconciles the
// user_balances row; the CHECK constraint on user_balances enforces the
// non-negative invariant at the database level.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, p EntryParams) (*Entry, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entry, err := s.AppendTx(ctx, tx, p)
	if err != nil {
		if errors.Is(err, ErrDuplicateEntry) {
			// Nothing was written; surface the original entry.
			return entry, err
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return entry, nil
}

// AppendTx appends an entry inside a caller-owned transaction. Job, payment
// and promo stores use it to commit a state change and its ledger entry as
// one atomic unit. On ErrDuplicateEntry the transaction is still usable and
// the existing entry is returned.
func (s *PostgresStore) AppendTx(ctx context.Context, tx *sql.Tx, p EntryParams) (*Entry, error) {
	existing, err := s.getByKeyTx(ctx, tx, p.IdempotencyKey)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	if existing != nil {
		return existing, ErrDuplicateEntry
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_balances (user_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET balance = user_balances.balance + $2, updated_at = NOW()`,
		p.UserID, p.Amount)
	if err != nil {
		if isCheckViolation(err) {
			return nil, ErrInsufficientBalance
		}
		return nil, fmt.Errorf("failed to reconcile balance: %w", err)
	}

	entry := &Entry{
		ID:             uuid.NewString(),
		UserID:         p.UserID,
		Amount:         p.Amount,
		Reason:         p.Reason,
		IdempotencyKey: p.IdempotencyKey,
		RelatedJobID:   p.RelatedJobID,
		Note:           p.Note,
		CreatedAt:      time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, amount, reason, idempotency_key, related_job_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.UserID, entry.Amount, entry.Reason, entry.IdempotencyKey,
		nullString(entry.RelatedJobID), nullString(entry.Note), entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEntry
		}
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) Balance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM user_balances WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) Sum(ctx context.Context, userID int64) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = $1`, userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum entries: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) History(ctx context.Context, userID int64, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, reason, idempotency_key, related_job_id, note, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) SpentSince(ctx context.Context, userID int64, reason Reason, since time.Time) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE user_id = $1 AND reason = $2 AND created_at >= $3`,
		userID, reason, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum spend: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) getByKeyTx(ctx context.Context, tx *sql.Tx, key string) (*Entry, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, user_id, amount, reason, idempotency_key, related_job_id, note, created_at
		FROM ledger_entries
		WHERE idempotency_key = $1`, key)
	return scanEntry(row)
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var entry Entry
	var relatedJobID, note sql.NullString
	err := s.Scan(&entry.ID, &entry.UserID, &entry.Amount, &entry.Reason,
		&entry.IdempotencyKey, &relatedJobID, &note, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
	}
	entry.RelatedJobID = relatedJobID.String
	entry.Note = note.String
	return &entry, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}

var _ Store = (*PostgresStore)(nil)
