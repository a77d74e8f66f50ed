package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pixstudio/genledger/internal/ledger"
)

// PostgresStore persists payment events in PostgreSQL. Record inserts the
// event row and appends the ledger credit in one transaction; the unique
// constraint on provider_event_id makes replays a clean no-op.
type PostgresStore struct {
	db     *sql.DB
	ledger *ledger.PostgresStore
}

func NewPostgresStore(db *sql.DB, ledgerStore *ledger.PostgresStore) *PostgresStore {
	return &PostgresStore{db: db, ledger: ledgerStore}
}

func (s *PostgresStore) Record(ctx context.Context, event *Event, entry ledger.EntryParams) (bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO payment_events (provider_event_id, provider, user_id, credits,
			amount_cents, currency, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider_event_id) DO NOTHING`,
		event.ProviderEventID, event.Provider, event.UserID, event.Credits,
		event.AmountCents, event.Currency, event.Status, event.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert payment event: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if inserted == 0 {
		// Replay; the original transaction already credited the user.
		return false, nil
	}

	if _, err := s.ledger.AppendTx(ctx, tx, entry); err != nil && !errors.Is(err, ledger.ErrDuplicateEntry) {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) Get(ctx context.Context, providerEventID string) (*Event, error) {
	var event Event
	err := s.db.QueryRowContext(ctx, `
		SELECT provider_event_id, provider, user_id, credits, amount_cents,
			currency, status, created_at
		FROM payment_events
		WHERE provider_event_id = $1`, providerEventID).Scan(
		&event.ProviderEventID, &event.Provider, &event.UserID, &event.Credits,
		&event.AmountCents, &event.Currency, &event.Status, &event.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query payment event: %w", err)
	}
	return &event, nil
}

func (s *PostgresStore) ListProducts(ctx context.Context) ([]*Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, credits, price_cents, currency, active
		FROM products
		WHERE active = TRUE
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var out []*Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Title, &p.Credits, &p.PriceCents, &p.Currency, &p.Active); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetProduct(ctx context.Context, id int64) (*Product, error) {
	var p Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, credits, price_cents, currency, active
		FROM products
		WHERE id = $1`, id).Scan(&p.ID, &p.Title, &p.Credits, &p.PriceCents, &p.Currency, &p.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query product: %w", err)
	}
	return &p, nil
}

var _ Store = (*PostgresStore)(nil)
