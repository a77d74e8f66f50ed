package payments

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/pixstudio/genledger/internal/ledger"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	events   map[string]*Event
	products map[int64]*Product
	ledger   LedgerAppender
}

// LedgerAppender is the slice of the ledger the memory store needs.
type LedgerAppender interface {
	Append(ctx context.Context, p ledger.EntryParams) (*ledger.Entry, error)
}

func NewMemoryStore(appender LedgerAppender) *MemoryStore {
	return &MemoryStore{
		events:   make(map[string]*Event),
		products: make(map[int64]*Product),
		ledger:   appender,
	}
}

func (m *MemoryStore) Record(ctx context.Context, event *Event, entry ledger.EntryParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[event.ProviderEventID]; ok {
		return false, nil
	}
	if _, err := m.ledger.Append(ctx, entry); err != nil {
		if errors.Is(err, ledger.ErrDuplicateEntry) {
			// Credit already applied in an earlier partial attempt.
			m.events[event.ProviderEventID] = cloneEvent(event)
			return false, nil
		}
		return false, err
	}
	m.events[event.ProviderEventID] = cloneEvent(event)
	return true, nil
}

func (m *MemoryStore) Get(ctx context.Context, providerEventID string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	event, ok := m.events[providerEventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return cloneEvent(event), nil
}

func (m *MemoryStore) ListProducts(ctx context.Context) ([]*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Product
	for _, p := range m.products {
		if p.Active {
			clone := *p
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *MemoryStore) GetProduct(ctx context.Context, id int64) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	clone := *p
	return &clone, nil
}

// PutProduct seeds a product. Used by tests and local bootstrap.
func (m *MemoryStore) PutProduct(p *Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *p
	m.products[p.ID] = &clone
}

func cloneEvent(e *Event) *Event {
	clone := *e
	return &clone
}

var _ Store = (*MemoryStore)(nil)
