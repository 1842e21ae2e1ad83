package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job is a claimed job ready for execution by the worker pool.
type Job struct {
	ID       uuid.UUID
	Queue    string
	Payload  json.RawMessage
	Attempts int32
}

// ClaimJob atomically claims one pending job from the named queue for the
// given workerID using FOR UPDATE SKIP LOCKED. Jobs whose lock_key is held by
// a running job are passed over. Returns (nil, nil) when no job is currently
// available.
func (s *Store) ClaimJob(ctx context.Context, queue, workerID string) (*Job, error) {
	var j Job
	err := s.db.QueryRowContext(ctx,
		`UPDATE job_queue
		 SET status = 'running', locked_by = $2, locked_at = now(),
		     attempts = attempts + 1, updated_at = now()
		 WHERE id = (
		     SELECT id FROM job_queue
		     WHERE queue = $1 AND status = 'pending' AND run_after <= now()
		       AND (lock_key IS NULL OR lock_key NOT IN (
		           SELECT lock_key FROM job_queue
		           WHERE status = 'running' AND lock_key IS NOT NULL))
		     ORDER BY priority DESC, run_after ASC
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, queue, payload, attempts`,
		queue, workerID,
	).Scan(&j.ID, &j.Queue, &j.Payload, &j.Attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &j, nil
}

// CompleteJob marks a job as succeeded.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE job_queue
		 SET status = 'done', locked_by = NULL, locked_at = NULL, updated_at = now()
		 WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// FailJob marks a job as failed, applying exponential backoff for retry or
// moving it to 'dead' status if max_attempts is exhausted.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, errMsg string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE job_queue
		 SET status = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'pending' END,
		     run_after = CASE WHEN attempts >= max_attempts THEN run_after
		                      ELSE now() + (interval '30 seconds' * power(2, greatest(attempts - 1, 0))) END,
		     locked_by = NULL, locked_at = NULL,
		     last_error = NULLIF($2, ''), updated_at = now()
		 WHERE id = $1`,
		id, errMsg,
	); err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

// RecoverStaleJobs resets jobs stuck in 'running' state longer than staleAfter
// back to 'pending'. Returns the number of jobs recovered.
func (s *Store) RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_queue
		 SET status = 'pending', locked_by = NULL, locked_at = NULL, updated_at = now()
		 WHERE status = 'running' AND locked_at < now() - ($1 * interval '1 second')`,
		int64(staleAfter.Seconds()),
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: rows affected: %w", err)
	}
	return int(n), nil
}

// EnqueueJob inserts a new job into the named queue and returns its ID.
// lockKey prevents concurrent execution of jobs with the same key.
// runAfter defaults to now() when nil.
func (s *Store) EnqueueJob(
	ctx context.Context,
	queue string,
	priority int32,
	payload json.RawMessage,
	lockKey *string,
	maxAttempts int32,
	runAfter *time.Time,
) (uuid.UUID, error) {
	var ra any
	if runAfter != nil {
		ra = *runAfter
	}

	var id uuid.UUID
	if err := s.db.QueryRowContext(ctx,
		`INSERT INTO job_queue (queue, priority, payload, lock_key, max_attempts, run_after)
		 VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
		 RETURNING id`,
		queue, priority, payload, nullString(lockKey), maxAttempts, ra,
	).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// EnqueueJobIfIdle inserts a job only when the queue has no pending or running
// job. Used for self-perpetuating schedules whose first job is seeded at
// startup. Returns (nil, nil) when the queue already has work scheduled.
func (s *Store) EnqueueJobIfIdle(
	ctx context.Context,
	queue string,
	priority int32,
	payload json.RawMessage,
	lockKey *string,
	maxAttempts int32,
	runAfter *time.Time,
) (*uuid.UUID, error) {
	var ra any
	if runAfter != nil {
		ra = *runAfter
	}

	var id uuid.UUID
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO job_queue (queue, priority, payload, lock_key, max_attempts, run_after)
		 SELECT $1, $2, $3, $4, $5, COALESCE($6, now())
		 WHERE NOT EXISTS (
		     SELECT 1 FROM job_queue
		     WHERE queue = $1 AND status IN ('pending', 'running'))
		 RETURNING id`,
		queue, priority, payload, nullString(lockKey), maxAttempts, ra,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("enqueue job if idle: %w", err)
	}
	return &id, nil
}
