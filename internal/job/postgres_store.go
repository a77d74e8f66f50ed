package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/pixstudio/genledger/internal/ledger"
)

// PostgresStore persists jobs in PostgreSQL. Guarded transitions run under
// SELECT ... FOR UPDATE, and TransitionWithEntry commits the state change
// and its ledger entry in one transaction, so there is no window where the
// money moved but the job does not show it.
type PostgresStore struct {
	db     *sql.DB
	ledger *ledger.PostgresStore
}

func NewPostgresStore(db *sql.DB, ledgerStore *ledger.PostgresStore) *PostgresStore {
	return &PostgresStore{db: db, ledger: ledgerStore}
}

func (s *PostgresStore) Create(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	options, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, user_id, state, model_key, prompt, options, outputs,
			cost_credits, discount_pct, provider_ref, result_urls, failure_reason,
			poll_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		job.ID, job.UserID, job.State, job.ModelKey, job.Prompt, options, job.Outputs,
		job.CostCredits, job.DiscountPct, nullStr(job.ProviderRef),
		pq.Array(job.ResultURLs), nullStr(job.FailureReason),
		job.PollAttempts, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, selectJob+`
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *PostgresStore) CountActive(ctx context.Context, userID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE user_id = $1 AND state NOT IN ('succeeded', 'failed', 'refunded')`,
		userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListUnresolved(ctx context.Context, updatedBefore time.Time, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, selectJob+`
		WHERE state NOT IN ('succeeded', 'failed', 'refunded') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from []State, to State, mutate func(*Job)) (*Job, error) {
	return s.TransitionWithEntry(ctx, id, from, to, mutate, nil)
}

func (s *PostgresStore) TransitionWithEntry(ctx context.Context, id string, from []State, to State, mutate func(*Job), entryFor func(*Job) ledger.EntryParams) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectJob+` WHERE id = $1 FOR UPDATE`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if !stateIn(job.State, from) || !CanTransition(job.State, to) {
		return nil, ErrInvalidTransition
	}

	job.State = to
	if mutate != nil {
		mutate(job)
	}

	if entryFor != nil {
		_, err := s.ledger.AppendTx(ctx, tx, entryFor(job))
		if err != nil && !errors.Is(err, ledger.ErrDuplicateEntry) {
			return nil, err
		}
	}

	job.UpdatedAt = time.Now().UTC()
	options, err := json.Marshal(job.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal options: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = $2, options = $3, provider_ref = $4, result_urls = $5,
			failure_reason = $6, poll_attempts = $7, updated_at = $8
		WHERE id = $1`,
		job.ID, job.State, options, nullStr(job.ProviderRef), pq.Array(job.ResultURLs),
		nullStr(job.FailureReason), job.PollAttempts, job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) MarkPolled(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET poll_attempts = poll_attempts + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING poll_attempts`, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrJobNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to mark poll attempt: %w", err)
	}
	return attempts, nil
}

const selectJob = `
	SELECT id, user_id, state, model_key, prompt, options, outputs, cost_credits,
		discount_pct, provider_ref, result_urls, failure_reason, poll_attempts,
		created_at, updated_at
	FROM jobs`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var job Job
	var options []byte
	var providerRef, failureReason sql.NullString
	err := s.Scan(&job.ID, &job.UserID, &job.State, &job.ModelKey, &job.Prompt,
		&options, &job.Outputs, &job.CostCredits, &job.DiscountPct,
		&providerRef, pq.Array(&job.ResultURLs), &failureReason,
		&job.PollAttempts, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &job.Options); err != nil {
			return nil, fmt.Errorf("failed to unmarshal options: %w", err)
		}
	}
	job.ProviderRef = providerRef.String
	job.FailureReason = failureReason.String
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
