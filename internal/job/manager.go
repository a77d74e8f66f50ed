package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pixstudio/genledger/internal/ledger"
	"github.com/pixstudio/genledger/internal/logging"
	"github.com/pixstudio/genledger/internal/metrics"
	"github.com/pixstudio/genledger/internal/pricing"
	"github.com/pixstudio/genledger/internal/provider"
	"github.com/pixstudio/genledger/internal/traces"
)

// PriceResolver is the slice of the pricing service the manager needs.
type PriceResolver interface {
	Resolve(ctx context.Context, modelKey string, options map[string]string, outputs, discountPct int) (*pricing.Breakdown, error)
}

// SpendReader reads the figures the admission checks need from the ledger.
// *ledger.Service satisfies it.
type SpendReader interface {
	DailySpent(ctx context.Context, userID int64) (int64, error)
}

// Notifier receives job state changes for fan-out to connected clients.
type Notifier interface {
	JobChanged(job *Job)
}

// Policy bounds what a single user may do.
type Policy struct {
	PerUserMaxConcurrent int
	DailySpendCap        int64 // 0 disables the cap
	MaxWait              time.Duration
	MaxPollAttempts      int
}

// RequestSpec describes an incoming generation request.
type RequestSpec struct {
	UserID      int64
	ModelKey    string
	Prompt      string
	Options     map[string]string
	Outputs     int
	DiscountPct int
}

// Manager drives jobs through the state machine. All mutations of a job
// funnel through its per-job lock, so concurrent resolvers, cancels and
// sweeper passes serialize per job.
type Manager struct {
	store    Store
	provider provider.Client
	pricing  PriceResolver
	spend    SpendReader
	policy   Policy
	notifier Notifier

	locks sync.Map // jobID -> *sync.Mutex
}

func NewManager(store Store, providerClient provider.Client, priceResolver PriceResolver, spend SpendReader, policy Policy) *Manager {
	return &Manager{
		store:    store,
		provider: providerClient,
		pricing:  priceResolver,
		spend:    spend,
		policy:   policy,
	}
}

// WithNotifier attaches a state-change notifier.
func (m *Manager) WithNotifier(n Notifier) *Manager {
	m.notifier = n
	return m
}

func (m *Manager) lockJob(id string) func() {
	mu, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

// Request admits, prices, debits and submits a new job. The returned job
// reflects how far it got: a rejected debit comes back in state "failed"
// together with ledger.ErrInsufficientBalance.
func (m *Manager) Request(ctx context.Context, spec RequestSpec) (*Job, error) {
	ctx, span := traces.StartSpan(ctx, "job.request", traces.UserID(spec.UserID))
	defer span.End()

	active, err := m.store.CountActive(ctx, spec.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to count active jobs: %w", err)
	}
	if active >= m.policy.PerUserMaxConcurrent {
		return nil, ErrTooManyJobs
	}

	breakdown, err := m.pricing.Resolve(ctx, spec.ModelKey, spec.Options, spec.Outputs, spec.DiscountPct)
	if err != nil {
		return nil, err
	}

	if m.policy.DailySpendCap > 0 {
		spent, err := m.spend.DailySpent(ctx, spec.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to read daily spend: %w", err)
		}
		if spent+breakdown.Total > m.policy.DailySpendCap {
			return nil, ErrDailyCapExceeded
		}
	}

	job := &Job{
		ID:          uuid.NewString(),
		UserID:      spec.UserID,
		State:       StateCreated,
		ModelKey:    spec.ModelKey,
		Prompt:      spec.Prompt,
		Options:     spec.Options,
		Outputs:     breakdown.Outputs,
		CostCredits: breakdown.Total,
		DiscountPct: breakdown.DiscountPct,
	}
	if err := m.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	metrics.JobsCreatedTotal.Inc()
	logging.L(ctx).Info("job created",
		"job_id", job.ID, "user_id", job.UserID, "model", job.ModelKey, "cost", job.CostCredits)

	return m.drive(ctx, job.ID)
}

// drive moves a job forward from created or debited: debit, then submit.
// It is safe to call repeatedly; each step is a guarded transition keyed
// by idempotent ledger entries, so a crashed earlier attempt is resumed,
// not repeated.
func (m *Manager) drive(ctx context.Context, jobID string) (*Job, error) {
	unlock := m.lockJob(jobID)
	defer unlock()
	return m.driveLocked(ctx, jobID)
}

func (m *Manager) driveLocked(ctx context.Context, jobID string) (*Job, error) {
	ctx = logging.WithJobID(ctx, jobID)
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.State == StateCreated {
		job, err = m.debit(ctx, job)
		if err != nil {
			return job, err
		}
	}

	if job.State == StateDebited {
		job, err = m.submit(ctx, job)
		if err != nil {
			return job, err
		}
	}

	return job, nil
}

func (m *Manager) debit(ctx context.Context, job *Job) (*Job, error) {
	ctx, span := traces.StartSpan(ctx, "job.debit",
		traces.JobID(job.ID), traces.Amount(job.CostCredits))
	defer span.End()

	var next *Job
	var err error
	if job.CostCredits == 0 {
		// Fully discounted jobs move no money.
		next, err = m.store.Transition(ctx, job.ID, []State{StateCreated}, StateDebited, nil)
	} else {
		next, err = m.store.TransitionWithEntry(ctx, job.ID,
			[]State{StateCreated}, StateDebited, nil, debitEntry)
	}
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		failed, ferr := m.store.Transition(ctx, job.ID, []State{StateCreated}, StateFailed,
			func(j *Job) { j.FailureReason = "insufficient_credits" })
		if ferr != nil {
			return job, ferr
		}
		m.finish(ctx, failed)
		return failed, ledger.ErrInsufficientBalance
	}
	if err != nil {
		return job, fmt.Errorf("failed to debit job: %w", err)
	}
	m.notify(next)
	return next, nil
}

func (m *Manager) submit(ctx context.Context, job *Job) (*Job, error) {
	ctx, span := traces.StartSpan(ctx, "job.submit", traces.JobID(job.ID))
	defer span.End()

	options := make(map[string]any, len(job.Options))
	for k, v := range job.Options {
		options[k] = v
	}
	ref, err := m.provider.Submit(ctx, job.ID, provider.SubmitParams{
		Model:   job.ModelKey,
		Prompt:  job.Prompt,
		Options: options,
		Outputs: job.Outputs,
	})
	if err != nil {
		var apiErr *provider.APIError
		if errors.As(err, &apiErr) && apiErr.Temporary() {
			// Leave the job debited; the sweeper will retry the submit.
			logging.L(ctx).Warn("provider submit failed, will retry", "error", err)
			return job, err
		}
		logging.L(ctx).Warn("provider rejected job", "error", err)
		refunded, rerr := m.refundLocked(ctx, job.ID, []State{StateDebited},
			"provider_rejected")
		if rerr != nil {
			return job, rerr
		}
		return refunded, err
	}

	next, err := m.store.Transition(ctx, job.ID, []State{StateDebited}, StateSubmitted,
		func(j *Job) { j.ProviderRef = ref })
	if err != nil {
		return job, err
	}
	logging.L(ctx).Info("job submitted", "provider_ref", ref)
	m.notify(next)
	return next, nil
}

// Resolve polls the provider for a submitted job and settles it if the
// provider has. Pending results only bump the attempt counter; the expiry
// policy decides when to give up.
func (m *Manager) Resolve(ctx context.Context, jobID string) (*Job, error) {
	unlock := m.lockJob(jobID)
	defer unlock()
	ctx = logging.WithJobID(ctx, jobID)

	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.State {
	case StateSubmitted:
		// fall through to the poll
	case StateExpired:
		return m.completeExpiredLocked(ctx, job)
	default:
		return job, nil
	}

	ctx, span := traces.StartSpan(ctx, "job.resolve",
		traces.JobID(job.ID), traces.ProviderRef(job.ProviderRef))
	defer span.End()

	result, err := m.provider.Poll(ctx, job.ProviderRef)
	if errors.Is(err, provider.ErrUnknownRequest) {
		return m.expireLocked(ctx, job, "provider_lost_request")
	}
	if err != nil {
		// Transient; leave the job for the next pass.
		return job, err
	}

	switch result.Status {
	case provider.StatusSucceeded:
		next, err := m.store.Transition(ctx, job.ID, []State{StateSubmitted}, StateSucceeded,
			func(j *Job) { j.ResultURLs = result.ResultURLs })
		if errors.Is(err, ErrInvalidTransition) {
			metrics.LateProviderResultsTotal.Inc()
			logging.L(ctx).Warn("provider success arrived for a settled job, discarding")
			return job, nil
		}
		if err != nil {
			return job, err
		}
		logging.L(ctx).Info("job succeeded", "outputs", len(next.ResultURLs))
		m.finish(ctx, next)
		return next, nil

	case provider.StatusFailed:
		reason := "provider_failed"
		if result.FailMsg != "" {
			reason = "provider_failed: " + result.FailMsg
		}
		return m.refundLocked(ctx, job.ID, []State{StateSubmitted}, reason)

	default: // pending
		attempts, err := m.store.MarkPolled(ctx, job.ID)
		if err != nil {
			return job, err
		}
		overdue := m.policy.MaxWait > 0 && time.Since(job.CreatedAt) > m.policy.MaxWait
		exhausted := m.policy.MaxPollAttempts > 0 && attempts >= m.policy.MaxPollAttempts
		if overdue || exhausted {
			return m.expireLocked(ctx, job, "timeout")
		}
		job.PollAttempts = attempts
		return job, nil
	}
}

// Cancel refunds a job that has not settled yet. Terminal jobs cannot be
// cancelled.
func (m *Manager) Cancel(ctx context.Context, jobID string) (*Job, error) {
	unlock := m.lockJob(jobID)
	defer unlock()
	ctx = logging.WithJobID(ctx, jobID)
	return m.refundLocked(ctx, jobID, []State{StateDebited, StateSubmitted, StateExpired}, "cancelled")
}

// Recover drives a job found non-terminal at startup or by the sweeper
// back toward a terminal state, resuming from wherever it stopped.
func (m *Manager) Recover(ctx context.Context, jobID string) (*Job, error) {
	unlock := m.lockJob(jobID)
	defer unlock()
	ctx = logging.WithJobID(ctx, jobID)

	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.State {
	case StateCreated, StateDebited:
		return m.driveLocked(ctx, jobID)
	case StateExpired:
		return m.completeExpiredLocked(ctx, job)
	default:
		return job, nil
	}
}

// expireLocked moves a submitted job to expired and completes its refund.
// Before giving up it polls one last time: a success landing in this
// window is logged and discarded, the refund wins.
func (m *Manager) expireLocked(ctx context.Context, job *Job, reason string) (*Job, error) {
	if result, err := m.provider.Poll(ctx, job.ProviderRef); err == nil && result.Status == provider.StatusSucceeded {
		metrics.LateProviderResultsTotal.Inc()
		logging.L(ctx).Warn("provider succeeded at the expiry deadline, discarding result")
	}

	expired, err := m.store.Transition(ctx, job.ID, []State{StateSubmitted}, StateExpired,
		func(j *Job) { j.FailureReason = reason })
	if err != nil {
		return job, err
	}
	logging.L(ctx).Warn("job expired", "reason", reason)
	m.notify(expired)
	return m.completeExpiredLocked(ctx, expired)
}

// completeExpiredLocked issues the refund an expired job still owes. If a
// crash separated the expiry from the refund, this is the resume point.
func (m *Manager) completeExpiredLocked(ctx context.Context, job *Job) (*Job, error) {
	return m.refundLocked(ctx, job.ID, []State{StateExpired}, job.FailureReason)
}

func (m *Manager) refundLocked(ctx context.Context, jobID string, from []State, reason string) (*Job, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	mutate := func(j *Job) {
		if j.FailureReason == "" {
			j.FailureReason = reason
		}
	}
	var next *Job
	if job.CostCredits == 0 {
		next, err = m.store.Transition(ctx, jobID, from, StateRefunded, mutate)
	} else {
		next, err = m.store.TransitionWithEntry(ctx, jobID, from, StateRefunded, mutate, refundEntry)
	}
	if err != nil {
		return job, err
	}
	metrics.JobRefundsTotal.Inc()
	logging.L(ctx).Info("job refunded", "amount", next.CostCredits, "reason", next.FailureReason)
	m.finish(ctx, next)
	return next, nil
}

// finish records terminal-state metrics and notifies watchers.
func (m *Manager) finish(ctx context.Context, job *Job) {
	metrics.JobsResolvedTotal.WithLabelValues(string(job.State)).Inc()
	metrics.JobDuration.Observe(time.Since(job.CreatedAt).Seconds())
	m.notify(job)
}

func (m *Manager) notify(job *Job) {
	if m.notifier != nil {
		m.notifier.JobChanged(job)
	}
}

// Get returns a job by ID.
func (m *Manager) Get(ctx context.Context, jobID string) (*Job, error) {
	return m.store.Get(ctx, jobID)
}

// ListByUser returns a user's recent jobs.
func (m *Manager) ListByUser(ctx context.Context, userID int64, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	return m.store.ListByUser(ctx, userID, limit)
}
