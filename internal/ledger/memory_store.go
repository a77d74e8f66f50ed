package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []*Entry
	byKey    map[string]*Entry
	balances map[int64]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:    make(map[string]*Entry),
		balances: make(map[int64]int64),
	}
}

func (m *MemoryStore) Append(ctx context.Context, p EntryParams) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(p)
}

// appendLocked assumes m.mu is held. Shared with multi-entry appends from
// the promo store, which must apply all-or-nothing under one lock.
func (m *MemoryStore) appendLocked(p EntryParams) (*Entry, error) {
	if existing, ok := m.byKey[p.IdempotencyKey]; ok {
		return existing, ErrDuplicateEntry
	}
	if m.balances[p.UserID]+p.Amount < 0 {
		return nil, ErrInsufficientBalance
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
	m.entries = append(m.entries, entry)
	m.byKey[p.IdempotencyKey] = entry
	m.balances[p.UserID] += p.Amount
	return entry, nil
}

// AppendAll applies several entries atomically: either every entry is new
// and all are recorded, or nothing changes. A duplicate key on any entry
// aborts the whole batch with ErrDuplicateEntry.
func (m *MemoryStore) AppendAll(ctx context.Context, params []EntryParams) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range params {
		if _, ok := m.byKey[p.IdempotencyKey]; ok {
			return nil, ErrDuplicateEntry
		}
	}
	deltas := make(map[int64]int64)
	for _, p := range params {
		deltas[p.UserID] += p.Amount
	}
	for userID, delta := range deltas {
		if m.balances[userID]+delta < 0 {
			return nil, ErrInsufficientBalance
		}
	}

	entries := make([]*Entry, 0, len(params))
	for _, p := range params {
		e, err := m.appendLocked(p)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (m *MemoryStore) Balance(ctx context.Context, userID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[userID], nil
}

func (m *MemoryStore) Sum(ctx context.Context, userID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum int64
	for _, e := range m.entries {
		if e.UserID == userID {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (m *MemoryStore) History(ctx context.Context, userID int64, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].UserID == userID {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) SpentSince(ctx context.Context, userID int64, reason Reason, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum int64
	for _, e := range m.entries {
		if e.UserID == userID && e.Reason == reason && !e.CreatedAt.Before(since) {
			sum += e.Amount
		}
	}
	return sum, nil
}

// EntriesWithKeyPrefix returns entries whose idempotency key starts with the
// given prefix. Tests use it to assert exactly-once debits and refunds.
func (m *MemoryStore) EntriesWithKeyPrefix(prefix string) []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for _, e := range m.entries {
		if strings.HasPrefix(e.IdempotencyKey, prefix) {
			out = append(out, e)
		}
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
