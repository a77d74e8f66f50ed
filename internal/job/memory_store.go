package job

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pixstudio/genledger/internal/ledger"
)

// MemoryStore is an in-memory Store for tests and local development.
// Ledger entries go through the shared appender; atomicity across the job
// row and the entry is approximated by the store mutex plus the ledger's
// idempotency keys, which is the same convergence the recovery path relies
// on in production.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	ledger LedgerAppender
}

func NewMemoryStore(appender LedgerAppender) *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*Job),
		ledger: appender,
	}
}

func (m *MemoryStore) Create(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Job
	for _, j := range m.jobs {
		if j.UserID == userID {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountActive(ctx context.Context, userID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, j := range m.jobs {
		if j.UserID == userID && !j.State.IsTerminal() {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ListUnresolved(ctx context.Context, updatedBefore time.Time, limit int) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Job
	for _, j := range m.jobs {
		if !j.State.IsTerminal() && j.UpdatedAt.Before(updatedBefore) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.Before(out[k].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from []State, to State, mutate func(*Job)) (*Job, error) {
	return m.TransitionWithEntry(ctx, id, from, to, mutate, nil)
}

func (m *MemoryStore) TransitionWithEntry(ctx context.Context, id string, from []State, to State, mutate func(*Job), entryFor func(*Job) ledger.EntryParams) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !stateIn(job.State, from) || !CanTransition(job.State, to) {
		return nil, ErrInvalidTransition
	}

	next := cloneJob(job)
	next.State = to
	if mutate != nil {
		mutate(next)
	}

	if entryFor != nil {
		_, err := m.ledger.Append(ctx, entryFor(next))
		if err != nil && !errors.Is(err, ledger.ErrDuplicateEntry) {
			return nil, err
		}
	}

	next.UpdatedAt = time.Now().UTC()
	m.jobs[id] = next
	return cloneJob(next), nil
}

func (m *MemoryStore) MarkPolled(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return 0, ErrJobNotFound
	}
	job.PollAttempts++
	job.UpdatedAt = time.Now().UTC()
	return job.PollAttempts, nil
}

func stateIn(s State, set []State) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

func cloneJob(j *Job) *Job {
	out := *j
	if j.Options != nil {
		out.Options = make(map[string]string, len(j.Options))
		for k, v := range j.Options {
			out.Options[k] = v
		}
	}
	out.ResultURLs = append([]string(nil), j.ResultURLs...)
	return &out
}

var _ Store = (*MemoryStore)(nil)
