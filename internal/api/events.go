// ABOUTME: Submission-event fanout: queues a webhook delivery job for the org.
// ABOUTME: Jobs carry the org explicitly; the worker runs with no request context.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/saimambayao/obcms-sub002/internal/store"
)

// webhookEventPayload is the job_queue payload for one webhook delivery.
// org_id is explicit because the worker resolves webhook settings itself.
type webhookEventPayload struct {
	OrgID      string         `json:"org_id"`
	Event      string         `json:"event"`
	Data       map[string]any `json:"data"`
	OccurredAt string         `json:"occurred_at"`
}

// enqueueWebhookEvent queues a webhook delivery for the request's org. Orgs
// without a configured webhook URL are skipped. Enqueue failure is logged and
// swallowed: the record change already committed and must not be rolled back
// over a notification.
func (srv *Server) enqueueWebhookEvent(r *http.Request, event string, data map[string]any) {
	org, ok := r.Context().Value(ctxOrg).(*store.Organization)
	if !ok || !org.WebhookURL.Valid || org.WebhookURL.String == "" {
		return
	}

	payload, err := json.Marshal(webhookEventPayload{
		OrgID:      org.ID.String(),
		Event:      event,
		Data:       data,
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "marshal webhook payload", "event", event, "error", err)
		return
	}

	// One delivery at a time per org so a slow receiver cannot reorder events.
	lockKey := "webhook:" + org.Code
	maxAttempts := int32(srv.cfg.WebhookMaxAttempts) //nolint:gosec // G115: small config value
	if _, err := srv.store.EnqueueJob(r.Context(), "webhook", 0, payload, &lockKey, maxAttempts, nil); err != nil {
		slog.WarnContext(r.Context(), "enqueue webhook event",
			"event", event, "org_code", org.Code, "error", err)
	}
}
