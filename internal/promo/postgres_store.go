package promo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/pixstudio/genledger/internal/ledger"
)

// PostgresStore persists codes in PostgreSQL. Apply locks the code row,
// validates, inserts the application, bumps the use count and appends all
// bonus entries in one serializable transaction.
type PostgresStore struct {
	db     *sql.DB
	ledger *ledger.PostgresStore
}

func NewPostgresStore(db *sql.DB, ledgerStore *ledger.PostgresStore) *PostgresStore {
	return &PostgresStore{db: db, ledger: ledgerStore}
}

func (s *PostgresStore) CreateCode(ctx context.Context, code *Code) error {
	code.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO promo_codes (code, bonus_amount, owner_bonus, max_uses, uses_count,
			owner_user_id, batch_id, expires_at, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		code.Code, code.BonusAmount, code.OwnerBonus, code.MaxUses, code.UsesCount,
		code.OwnerUserID, nullStr(code.BatchID), code.ExpiresAt, code.Active, code.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert code: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCode(ctx context.Context, code string) (*Code, error) {
	row := s.db.QueryRowContext(ctx, selectCode+` WHERE code = $1`, code)
	c, err := scanCode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	return c, err
}

func (s *PostgresStore) ListCodes(ctx context.Context, batchID string, limit int) ([]*Code, error) {
	query := selectCode + ` WHERE ($1 = '' OR batch_id = $1) ORDER BY created_at DESC LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, batchID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query codes: %w", err)
	}
	defer rows.Close()

	var out []*Code
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Apply(ctx context.Context, userID int64, code string, now time.Time) (*Code, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectCode+` WHERE code = $1 FOR UPDATE`, code)
	c, err := scanCode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := validateCode(c, userID, now); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO promo_applications (code, user_id, applied_at)
		VALUES ($1, $2, $3)`, code, userID, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyApplied
		}
		return nil, fmt.Errorf("failed to record application: %w", err)
	}

	for _, entry := range bonusEntries(c, userID) {
		if _, err := s.ledger.AppendTx(ctx, tx, entry); err != nil && !errors.Is(err, ledger.ErrDuplicateEntry) {
			return nil, err
		}
	}

	c.UsesCount++
	_, err = tx.ExecContext(ctx,
		`UPDATE promo_codes SET uses_count = $2 WHERE code = $1`, code, c.UsesCount)
	if err != nil {
		return nil, fmt.Errorf("failed to update use count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, code string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE promo_codes SET active = FALSE WHERE code = $1`, code)
	if err != nil {
		return fmt.Errorf("failed to deactivate code: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return ErrCodeNotFound
	}
	return nil
}

const selectCode = `
	SELECT code, bonus_amount, owner_bonus, max_uses, uses_count, owner_user_id,
		batch_id, expires_at, active, created_at
	FROM promo_codes`

type scanner interface {
	Scan(dest ...any) error
}

func scanCode(s scanner) (*Code, error) {
	var c Code
	var batchID sql.NullString
	var expiresAt sql.NullTime
	err := s.Scan(&c.Code, &c.BonusAmount, &c.OwnerBonus, &c.MaxUses, &c.UsesCount,
		&c.OwnerUserID, &batchID, &expiresAt, &c.Active, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan code: %w", err)
	}
	c.BatchID = batchID.String
	if expiresAt.Valid {
		c.ExpiresAt = &expiresAt.Time
	}
	return &c, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

var _ Store = (*PostgresStore)(nil)
