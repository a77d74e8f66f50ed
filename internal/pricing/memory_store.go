package pricing

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory price table for tests and local development.
type MemoryStore struct {
	mu     sync.RWMutex
	prices map[string]map[string]Price // modelKey -> optionKey -> price
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{prices: make(map[string]map[string]Price)}
}

func (m *MemoryStore) PriceMap(ctx context.Context, modelKey string) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64)
	for optKey, p := range m.prices[modelKey] {
		if p.Active {
			out[optKey] = p.Credits
		}
	}
	return out, nil
}

func (m *MemoryStore) SetPrice(ctx context.Context, p Price) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prices[p.ModelKey] == nil {
		m.prices[p.ModelKey] = make(map[string]Price)
	}
	m.prices[p.ModelKey][p.OptionKey] = p
	return nil
}

func (m *MemoryStore) ListPrices(ctx context.Context, modelKey string) ([]Price, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Price
	for _, p := range m.prices[modelKey] {
		out = append(out, p)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
