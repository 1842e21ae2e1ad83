// ABOUTME: Integration tests for the job queue: claim ordering, lock keys, backoff, recovery.
// ABOUTME: Uses testutil.NewTestDB; each test runs against a real Postgres testcontainer.
package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/saimambayao/obcms-sub002/internal/testutil"
)

func TestClaimJobEmptyQueue(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	job, err := s.ClaimJob(context.Background(), "nothing-here", "w1")
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if job != nil {
		t.Errorf("claimed %+v from an empty queue", job)
	}
}

func TestClaimJobRespectsRunAfter(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	if _, err := s.EnqueueJob(ctx, "deferred", 0, json.RawMessage(`{}`), nil, 3, &future); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	job, err := s.ClaimJob(ctx, "deferred", "w1")
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if job != nil {
		t.Error("claimed a job scheduled an hour from now")
	}
}

func TestClaimJobPriorityOrder(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	lowID, err := s.EnqueueJob(ctx, "prio", 0, json.RawMessage(`{}`), nil, 3, nil)
	if err != nil {
		t.Fatalf("EnqueueJob low: %v", err)
	}
	highID, err := s.EnqueueJob(ctx, "prio", 5, json.RawMessage(`{}`), nil, 3, nil)
	if err != nil {
		t.Fatalf("EnqueueJob high: %v", err)
	}

	first, err := s.ClaimJob(ctx, "prio", "w1")
	if err != nil {
		t.Fatalf("first ClaimJob: %v", err)
	}
	if first == nil || first.ID != highID {
		t.Fatalf("first claim = %+v, want the high-priority job %s", first, highID)
	}
	if first.Attempts != 1 {
		t.Errorf("claim should increment attempts, got %d", first.Attempts)
	}

	second, err := s.ClaimJob(ctx, "prio", "w1")
	if err != nil {
		t.Fatalf("second ClaimJob: %v", err)
	}
	if second == nil || second.ID != lowID {
		t.Fatalf("second claim = %+v, want the low-priority job %s", second, lowID)
	}
}

func TestLockKeySerializesJobs(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	// Explicit run times make the claim order deterministic.
	key := "webhook:MOH"
	t1 := time.Now().Add(-2 * time.Second)
	t2 := time.Now().Add(-1 * time.Second)
	id1, err := s.EnqueueJob(ctx, "locked", 0, json.RawMessage(`{}`), &key, 3, &t1)
	if err != nil {
		t.Fatalf("EnqueueJob 1: %v", err)
	}
	id2, err := s.EnqueueJob(ctx, "locked", 0, json.RawMessage(`{}`), &key, 3, &t2)
	if err != nil {
		t.Fatalf("EnqueueJob 2: %v", err)
	}

	first, err := s.ClaimJob(ctx, "locked", "w1")
	if err != nil {
		t.Fatalf("first ClaimJob: %v", err)
	}
	if first == nil || first.ID != id1 {
		t.Fatalf("first claim = %+v, want %s", first, id1)
	}

	// While the first job runs, its lock key blocks the second.
	blocked, err := s.ClaimJob(ctx, "locked", "w2")
	if err != nil {
		t.Fatalf("blocked ClaimJob: %v", err)
	}
	if blocked != nil {
		t.Fatalf("claimed %s while %s holds the lock key", blocked.ID, id1)
	}

	if err := s.CompleteJob(ctx, first.ID); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	next, err := s.ClaimJob(ctx, "locked", "w2")
	if err != nil {
		t.Fatalf("next ClaimJob: %v", err)
	}
	if next == nil || next.ID != id2 {
		t.Fatalf("claim after release = %+v, want %s", next, id2)
	}
}

func TestFailJobBackoffThenDead(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, "retrying", 0, json.RawMessage(`{}`), nil, 2, nil)
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	job, err := s.ClaimJob(ctx, "retrying", "w1")
	if err != nil || job == nil {
		t.Fatalf("ClaimJob: job=%v err=%v", job, err)
	}
	if err := s.FailJob(ctx, job.ID, "receiver timeout"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status, lastError string
	var deferred bool
	if err := s.DB().QueryRowContext(ctx,
		"SELECT status, coalesce(last_error, ''), run_after > now() FROM job_queue WHERE id = $1", id,
	).Scan(&status, &lastError, &deferred); err != nil {
		t.Fatalf("scan job row: %v", err)
	}
	if status != "pending" {
		t.Errorf("status after first failure = %q, want pending", status)
	}
	if lastError != "receiver timeout" {
		t.Errorf("last_error = %q, want %q", lastError, "receiver timeout")
	}
	if !deferred {
		t.Error("retry was not pushed into the future for backoff")
	}

	// Pull the retry forward so it is claimable now.
	if _, err := s.DB().ExecContext(ctx,
		"UPDATE job_queue SET run_after = now() WHERE id = $1", id); err != nil {
		t.Fatalf("reset run_after: %v", err)
	}

	job, err = s.ClaimJob(ctx, "retrying", "w1")
	if err != nil || job == nil {
		t.Fatalf("second ClaimJob: job=%v err=%v", job, err)
	}
	if err := s.FailJob(ctx, job.ID, "receiver timeout"); err != nil {
		t.Fatalf("second FailJob: %v", err)
	}

	if err := s.DB().QueryRowContext(ctx,
		"SELECT status FROM job_queue WHERE id = $1", id).Scan(&status); err != nil {
		t.Fatalf("scan job row: %v", err)
	}
	if status != "dead" {
		t.Errorf("status after max attempts = %q, want dead", status)
	}
}

func TestRecoverStaleJobs(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, "stuck", 0, json.RawMessage(`{}`), nil, 3, nil)
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimJob(ctx, "stuck", "crashed-worker"); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	// A freshly claimed job is not stale.
	n, err := s.RecoverStaleJobs(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("RecoverStaleJobs: %v", err)
	}
	if n != 0 {
		t.Errorf("recovered %d fresh jobs, want 0", n)
	}

	// Backdate the lock to simulate a worker that died mid-job.
	if _, err := s.DB().ExecContext(ctx,
		"UPDATE job_queue SET locked_at = now() - interval '10 minutes' WHERE id = $1", id); err != nil {
		t.Fatalf("backdate locked_at: %v", err)
	}

	n, err = s.RecoverStaleJobs(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("RecoverStaleJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d jobs, want 1", n)
	}

	job, err := s.ClaimJob(ctx, "stuck", "w2")
	if err != nil {
		t.Fatalf("ClaimJob after recovery: %v", err)
	}
	if job == nil {
		t.Fatal("recovered job is not claimable")
	}
}

func TestEnqueueJobIfIdle(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id, err := s.EnqueueJobIfIdle(ctx, "cron", 0, json.RawMessage(`{}`), nil, 3, nil)
	if err != nil {
		t.Fatalf("EnqueueJobIfIdle: %v", err)
	}
	if id == nil {
		t.Fatal("first enqueue on an idle queue returned no id")
	}

	dup, err := s.EnqueueJobIfIdle(ctx, "cron", 0, json.RawMessage(`{}`), nil, 3, nil)
	if err != nil {
		t.Fatalf("EnqueueJobIfIdle duplicate: %v", err)
	}
	if dup != nil {
		t.Error("enqueued a duplicate while a job is pending")
	}

	job, err := s.ClaimJob(ctx, "cron", "w1")
	if err != nil || job == nil {
		t.Fatalf("ClaimJob: job=%v err=%v", job, err)
	}
	dup, err = s.EnqueueJobIfIdle(ctx, "cron", 0, json.RawMessage(`{}`), nil, 3, nil)
	if err != nil {
		t.Fatalf("EnqueueJobIfIdle while running: %v", err)
	}
	if dup != nil {
		t.Error("enqueued a duplicate while a job is running")
	}

	if err := s.CompleteJob(ctx, job.ID); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	again, err := s.EnqueueJobIfIdle(ctx, "cron", 0, json.RawMessage(`{}`), nil, 3, nil)
	if err != nil {
		t.Fatalf("EnqueueJobIfIdle after completion: %v", err)
	}
	if again == nil {
		t.Error("queue is idle again but the enqueue was skipped")
	}
}
