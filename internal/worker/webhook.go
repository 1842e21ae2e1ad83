// ABOUTME: Webhook queue handler: delivers submission events to org-configured endpoints.
// ABOUTME: Payloads carry org_id explicitly; settings are resolved per delivery, not per enqueue.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/saimambayao/obcms-sub002/internal/notify"
	"github.com/saimambayao/obcms-sub002/internal/store"
)

// webhookPayload mirrors the shape enqueued by the API layer. Only org_id is
// read here; the full payload bytes are forwarded to the receiver unchanged so
// the HMAC signature covers exactly what was enqueued.
type webhookPayload struct {
	OrgID string `json:"org_id"`
}

// NewWebhookHandler returns the handler for the webhook queue. client must be
// the SSRF-safe client from notify.BuildSafeClient; org admins control the
// destination URLs.
//
// Webhook settings are looked up at delivery time via the global (unscoped)
// org getter: an admin who clears the webhook URL between enqueue and delivery
// silently cancels the delivery, and a deactivated org stops receiving events
// without draining its queue first.
func NewWebhookHandler(s *store.Store, client *http.Client) Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p webhookPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("webhook payload: %w", err)
		}
		orgID, err := uuid.Parse(p.OrgID)
		if err != nil {
			return fmt.Errorf("webhook payload org_id: %w", err)
		}

		org, err := s.GetOrgByID(ctx, orgID)
		if err != nil {
			return fmt.Errorf("webhook org lookup: %w", err)
		}
		if org == nil || org.Status != store.OrgStatusActive {
			slog.InfoContext(ctx, "webhook skipped: org missing or inactive", "org_id", p.OrgID)
			return nil
		}
		if !org.WebhookURL.Valid || org.WebhookURL.String == "" {
			slog.InfoContext(ctx, "webhook skipped: no url configured", "org_code", org.Code)
			return nil
		}

		cfg := notify.WebhookConfig{
			URL:    org.WebhookURL.String,
			Secret: org.WebhookSecret.String,
		}
		if err := notify.Send(ctx, client, cfg, payload); err != nil {
			return fmt.Errorf("deliver webhook for %s: %w", org.Code, err)
		}
		slog.InfoContext(ctx, "webhook delivered", "org_code", org.Code)
		return nil
	}
}
