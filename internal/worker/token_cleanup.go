// ABOUTME: Token-cleanup queue handler: purges expired refresh tokens.
// ABOUTME: Self-perpetuating — each run enqueues the next one cleanupInterval later.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/saimambayao/obcms-sub002/internal/store"
)

// cleanupInterval is the delay between token cleanup runs.
const cleanupInterval = 1 * time.Hour

// NewTokenCleanupHandler returns the handler for the token_cleanup queue.
// The run deletes refresh tokens past their expiry and schedules the next run.
// The initial job is seeded at process startup with EnqueueJobIfIdle, so a
// restart never stacks duplicate schedules.
func NewTokenCleanupHandler(s *store.Store) Handler {
	return func(ctx context.Context, _ json.RawMessage) error {
		n, err := s.DeleteExpiredRefreshTokens(ctx)
		if err != nil {
			return fmt.Errorf("token cleanup: %w", err)
		}
		if n > 0 {
			slog.InfoContext(ctx, "expired refresh tokens purged", "count", n)
		}

		next := time.Now().Add(cleanupInterval)
		if _, err := s.EnqueueJob(ctx, QueueTokenCleanup, 0, json.RawMessage(`{}`), nil, 3, &next); err != nil {
			return fmt.Errorf("token cleanup: schedule next run: %w", err)
		}
		return nil
	}
}

// SeedTokenCleanup enqueues the first token_cleanup job unless one is already
// pending or running. Called from the serve and worker commands at startup.
func SeedTokenCleanup(ctx context.Context, s *store.Store) error {
	id, err := s.EnqueueJobIfIdle(ctx, QueueTokenCleanup, 0, json.RawMessage(`{}`), nil, 3, nil)
	if err != nil {
		return fmt.Errorf("seed token cleanup: %w", err)
	}
	if id != nil {
		slog.InfoContext(ctx, "token cleanup scheduled", "job_id", *id)
	}
	return nil
}
