package job

import (
	"context"
	"time"

	"github.com/pixstudio/genledger/internal/logging"
	"github.com/pixstudio/genledger/internal/metrics"
	"github.com/pixstudio/genledger/internal/retry"
)

const sweepBatchSize = 100

// Sweeper periodically finds non-terminal jobs that stopped moving and
// drives each back to a terminal state through the manager. It is the
// durability backstop: whatever a crash or a lost poll left behind, a
// sweep converges it, and because every step it takes is a guarded
// transition with an idempotent ledger entry, sweeping is safe to run
// concurrently with live request handling.
type Sweeper struct {
	manager  *Manager
	store    Store
	interval time.Duration
	grace    time.Duration
	backoffs []time.Duration
	stop     chan struct{}
}

func NewSweeper(manager *Manager, store Store, interval, grace time.Duration, backoffs []time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if grace <= 0 {
		grace = time.Minute
	}
	return &Sweeper{
		manager:  manager,
		store:    store,
		interval: interval,
		grace:    grace,
		backoffs: backoffs,
		stop:     make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is done or Stop is called.
// An immediate first pass picks up whatever the previous process left
// unresolved.
func (s *Sweeper) Start(ctx context.Context) {
	logging.L(ctx).Info("job sweeper started", "interval", s.interval, "grace", s.grace)
	s.safeSweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop terminates the sweep loop.
func (s *Sweeper) Stop() {
	close(s.stop)
}

// safeSweep runs one pass, never letting a panic kill the loop.
func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("sweeper pass panicked", "panic", r)
		}
	}()
	s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) {
	metrics.SweeperRunsTotal.Inc()
	cutoff := time.Now().Add(-s.grace)

	jobs, err := s.store.ListUnresolved(ctx, cutoff, sweepBatchSize)
	if err != nil {
		logging.L(ctx).Error("failed to list unresolved jobs", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}
	logging.L(ctx).Info("sweeping unresolved jobs", "count", len(jobs))

	for _, j := range jobs {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}
		s.sweepJob(ctx, j)
	}
}

func (s *Sweeper) sweepJob(ctx context.Context, j *Job) {
	ctx = logging.WithJobID(ctx, j.ID)

	switch j.State {
	case StateCreated, StateDebited:
		// A crash mid-request: resume the debit/submit sequence.
		if _, err := s.manager.Recover(ctx, j.ID); err != nil {
			logging.L(ctx).Warn("failed to recover job", "state", j.State, "error", err)
			return
		}
		metrics.SweeperRecoveredTotal.WithLabelValues("resumed").Inc()

	case StateExpired:
		// A crash between expiry and refund: finish the refund.
		if _, err := s.manager.Recover(ctx, j.ID); err != nil {
			logging.L(ctx).Warn("failed to complete expired job", "error", err)
			return
		}
		metrics.SweeperRecoveredTotal.WithLabelValues("refunded").Inc()

	case StateSubmitted:
		// Poll until the provider settles it or the expiry policy fires.
		// Transient provider errors retry on the poll backoff schedule.
		err := retry.DoSchedule(ctx, s.backoffs, 3, func() error {
			_, err := s.manager.Resolve(ctx, j.ID)
			return err
		})
		if err != nil {
			logging.L(ctx).Warn("failed to resolve job", "error", err)
			return
		}
		metrics.SweeperRecoveredTotal.WithLabelValues("polled").Inc()
	}
}
