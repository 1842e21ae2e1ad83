// ABOUTME: Mailer bundles SMTP config with rendered templates behind one send call.
// ABOUTME: Satisfies the api.InvitationMailer interface; constructed once in cmd/obcms.
package notify

import (
	"context"
	"fmt"
	"time"
)

// Mailer sends OBCMS transactional email. Safe for concurrent use; each send
// dials its own SMTP connection.
type Mailer struct {
	cfg       SmtpConfig
	inviteTTL time.Duration
}

// NewMailer creates a Mailer. inviteTTL feeds the "expires in" line of
// invitation emails.
func NewMailer(cfg SmtpConfig, inviteTTL time.Duration) *Mailer {
	if inviteTTL <= 0 {
		inviteTTL = 7 * 24 * time.Hour
	}
	return &Mailer{cfg: cfg, inviteTTL: inviteTTL}
}

// SendInvitation renders and sends a membership invitation email.
func (m *Mailer) SendInvitation(ctx context.Context, to, orgName, inviteURL string) error {
	subject, html, text, err := RenderInvitation(InvitationData{
		OrgName:   orgName,
		InviteURL: inviteURL,
		ExpiresIn: humanDuration(m.inviteTTL),
	})
	if err != nil {
		return fmt.Errorf("invitation email: %w", err)
	}
	return EmailSend(ctx, m.cfg, []string{to}, subject, html, text)
}

// humanDuration renders d for email copy: whole days as "N days", otherwise
// whole hours as "N hours".
func humanDuration(d time.Duration) string {
	if days := int(d.Hours()) / 24; days >= 1 && d == time.Duration(days)*24*time.Hour {
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
	hours := int(d.Hours())
	if hours <= 1 {
		return "1 hour"
	}
	return fmt.Sprintf("%d hours", hours)
}
