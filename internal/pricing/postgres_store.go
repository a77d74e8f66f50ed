package pricing

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists the price table in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) PriceMap(ctx context.Context, modelKey string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT option_key, credits
		FROM prices
		WHERE model_key = $1 AND active = TRUE`, modelKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var optKey string
		var credits int64
		if err := rows.Scan(&optKey, &credits); err != nil {
			return nil, fmt.Errorf("failed to scan price: %w", err)
		}
		out[optKey] = credits
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetPrice(ctx context.Context, p Price) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prices (model_key, option_key, credits, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (model_key, option_key)
		DO UPDATE SET credits = $3, active = $4`,
		p.ModelKey, p.OptionKey, p.Credits, p.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert price: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPrices(ctx context.Context, modelKey string) ([]Price, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_key, option_key, credits, active
		FROM prices
		WHERE model_key = $1
		ORDER BY option_key`, modelKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	var out []Price
	for rows.Next() {
		var p Price
		if err := rows.Scan(&p.ModelKey, &p.OptionKey, &p.Credits, &p.Active); err != nil {
			return nil, fmt.Errorf("failed to scan price: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
