package promo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pixstudio/genledger/internal/ledger"
)

// MemoryStore is an in-memory Store for tests and local development.
// Atomicity of Apply comes from validating everything under the store
// mutex before any ledger append, plus the batch append on the ledger
// side, which applies all bonus entries or none.
type MemoryStore struct {
	mu           sync.RWMutex
	codes        map[string]*Code
	applications map[string]map[int64]bool // code -> userID -> applied
	ledger       *ledger.MemoryStore
}

func NewMemoryStore(ledgerStore *ledger.MemoryStore) *MemoryStore {
	return &MemoryStore{
		codes:        make(map[string]*Code),
		applications: make(map[string]map[int64]bool),
		ledger:       ledgerStore,
	}
}

func (m *MemoryStore) CreateCode(ctx context.Context, code *Code) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	code.CreatedAt = time.Now().UTC()
	m.codes[code.Code] = cloneCode(code)
	return nil
}

func (m *MemoryStore) GetCode(ctx context.Context, code string) (*Code, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.codes[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	return cloneCode(c), nil
}

func (m *MemoryStore) ListCodes(ctx context.Context, batchID string, limit int) ([]*Code, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Code
	for _, c := range m.codes {
		if batchID == "" || c.BatchID == batchID {
			out = append(out, cloneCode(c))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) Apply(ctx context.Context, userID int64, code string, now time.Time) (*Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.codes[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	if err := validateCode(c, userID, now); err != nil {
		return nil, err
	}
	if m.applications[code][userID] {
		return nil, ErrAlreadyApplied
	}

	if _, err := m.ledger.AppendAll(ctx, bonusEntries(c, userID)); err != nil {
		if errors.Is(err, ledger.ErrDuplicateEntry) {
			return nil, ErrAlreadyApplied
		}
		return nil, err
	}

	if m.applications[code] == nil {
		m.applications[code] = make(map[int64]bool)
	}
	m.applications[code][userID] = true
	c.UsesCount++
	return cloneCode(c), nil
}

func (m *MemoryStore) Deactivate(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[code]
	if !ok {
		return ErrCodeNotFound
	}
	c.Active = false
	return nil
}

func cloneCode(c *Code) *Code {
	clone := *c
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		clone.ExpiresAt = &t
	}
	return &clone
}

var _ Store = (*MemoryStore)(nil)
