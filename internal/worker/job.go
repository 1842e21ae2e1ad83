// Package worker provides a goroutine pool that claims and executes jobs
// from the job_queue table using FOR UPDATE SKIP LOCKED.
//
// Jobs run outside any HTTP request, so there is no ambient organization
// context here: payloads that touch tenant data name their organization
// explicitly and handlers resolve it themselves.
//
// Handlers are registered per queue name before calling Pool.Start.
// Each queue gets a dedicated polling goroutine; a shared recovery goroutine
// resets any jobs stuck in 'running' state.
package worker

import (
	"context"
	"encoding/json"
)

// Queue names. Producers and the registration in cmd/obcms must agree on
// these strings.
const (
	// QueueWebhook delivers submission events to an organization's webhook.
	QueueWebhook = "webhook"

	// QueueTokenCleanup purges expired refresh tokens and re-enqueues itself.
	QueueTokenCleanup = "token_cleanup"
)

// Handler is the function executed for each claimed job.
// A non-nil return value triggers retry logic (exponential backoff up to
// max_attempts, then dead status). A nil return marks the job succeeded.
type Handler func(ctx context.Context, payload json.RawMessage) error
