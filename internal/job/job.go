// Package job owns the generation job state machine and its coupling to
// the credit ledger.
//
// Flow:
//  1. A request is priced and recorded as a job in state "created"
//  2. The cost is debited and the job moves to "debited", then "submitted"
//     once the provider accepts it
//  3. Polling settles the job: "succeeded" keeps the debit, any failure
//     path refunds it exactly once and lands on "refunded"
//  4. A job the provider lost or never settled passes through "expired"
//     on its way to the refund
//
// Every transition is guarded: the store applies it only if the job is in
// the expected prior state, so replays and races collapse to no-ops.
package job

import (
	"context"
	"errors"
	"time"

	"github.com/pixstudio/genledger/internal/ledger"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrTooManyJobs       = errors.New("too many concurrent jobs")
	ErrDailyCapExceeded  = errors.New("daily spend cap exceeded")
)

// State is a job's position in the lifecycle.
type State string

const (
	StateCreated   State = "created"
	StateDebited   State = "debited"
	StateSubmitted State = "submitted"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateRefunded  State = "refunded"
	StateExpired   State = "expired"
)

// IsTerminal reports whether the state is final. Expired is not terminal:
// an expired job still owes its user a refund.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateRefunded:
		return true
	}
	return false
}

// allowedTransitions is the full state machine. Failed is reachable only
// from created: a job rejected before any money moved. Every path that
// debited money and did not succeed ends in refunded.
var allowedTransitions = map[State][]State{
	StateCreated:   {StateDebited, StateFailed},
	StateDebited:   {StateSubmitted, StateRefunded},
	StateSubmitted: {StateSucceeded, StateRefunded, StateExpired},
	StateExpired:   {StateRefunded},
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is one generation request and its settlement state.
type Job struct {
	ID            string            `json:"id"`
	UserID        int64             `json:"userId"`
	State         State             `json:"state"`
	ModelKey      string            `json:"modelKey"`
	Prompt        string            `json:"prompt"`
	Options       map[string]string `json:"options,omitempty"`
	Outputs       int               `json:"outputs"`
	CostCredits   int64             `json:"costCredits"`
	DiscountPct   int               `json:"discountPct"`
	ProviderRef   string            `json:"providerRef,omitempty"`
	ResultURLs    []string          `json:"resultUrls,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	PollAttempts  int               `json:"pollAttempts"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// LedgerAppender is the slice of the ledger the memory store needs.
// *ledger.Service satisfies it.
type LedgerAppender interface {
	Append(ctx context.Context, p ledger.EntryParams) (*ledger.Entry, error)
}

// Store persists jobs. Transition methods are guarded compare-and-swap
// operations: the step applies only if the job's current state is one of
// the listed prior states, otherwise ErrInvalidTransition.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*Job, error)
	// CountActive counts the user's jobs in non-terminal states.
	CountActive(ctx context.Context, userID int64) (int, error)
	// ListUnresolved returns non-terminal jobs not updated since the cutoff,
	// oldest first. The sweeper drives these back to a terminal state.
	ListUnresolved(ctx context.Context, updatedBefore time.Time, limit int) ([]*Job, error)

	// Transition applies from -> to with an optional mutation of the fresh row.
	Transition(ctx context.Context, id string, from []State, to State, mutate func(*Job)) (*Job, error)
	// TransitionWithEntry additionally appends a ledger entry built from the
	// fresh row, atomically with the state change. A duplicate entry (the
	// money already moved in an earlier attempt) does not block the
	// transition; ErrInsufficientBalance aborts it.
	TransitionWithEntry(ctx context.Context, id string, from []State, to State, mutate func(*Job), entryFor func(*Job) ledger.EntryParams) (*Job, error)

	// MarkPolled bumps the poll attempt counter and returns the new count.
	MarkPolled(ctx context.Context, id string) (int, error)
}

// DebitKey and RefundKey are the idempotency keys binding a job to its at
// most one debit and at most one refund.

func DebitKey(jobID string) string  { return "job:" + jobID + ":debit" }
func RefundKey(jobID string) string { return "job:" + jobID + ":refund" }

func debitEntry(j *Job) ledger.EntryParams {
	return ledger.EntryParams{
		UserID:         j.UserID,
		Amount:         -j.CostCredits,
		Reason:         ledger.ReasonJobDebit,
		IdempotencyKey: DebitKey(j.ID),
		RelatedJobID:   j.ID,
	}
}

func refundEntry(j *Job) ledger.EntryParams {
	return ledger.EntryParams{
		UserID:         j.UserID,
		Amount:         j.CostCredits,
		Reason:         ledger.ReasonJobRefund,
		IdempotencyKey: RefundKey(j.ID),
		RelatedJobID:   j.ID,
		Note:           j.FailureReason,
	}
}
