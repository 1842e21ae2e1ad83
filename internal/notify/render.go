// ABOUTME: Template rendering for invitation emails.
// ABOUTME: Templates parsed once at init from embedded FS; rendered per send.
package notify

import (
	"bytes"
	"embed"
	"fmt"
	htmltpl "html/template"
	"strings"
	texttpl "text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Parsed templates — one per file to avoid {{define}} namespace collisions.
var (
	inviteHTML *htmltpl.Template
	inviteText *texttpl.Template
)

func init() {
	inviteHTML = htmltpl.Must(htmltpl.New("").ParseFS(templateFS, "templates/email_invite.html.tmpl"))
	inviteText = texttpl.Must(texttpl.New("").ParseFS(templateFS, "templates/email_invite.txt.tmpl"))
}

// InvitationData is the context passed to the invitation templates.
type InvitationData struct {
	OrgName   string
	InviteURL string
	ExpiresIn string // human-readable validity window, e.g. "7 days"
}

// RenderInvitation renders the membership invitation email. Returns subject,
// HTML body, and plaintext body.
func RenderInvitation(data InvitationData) (string, string, string, error) {
	return renderPair(inviteHTML, inviteText, data)
}

func renderPair(html *htmltpl.Template, text *texttpl.Template, data any) (string, string, string, error) {
	// Render subject from the text template's "subject" block.
	var subjectBuf bytes.Buffer
	if err := text.ExecuteTemplate(&subjectBuf, "subject", data); err != nil {
		return "", "", "", fmt.Errorf("render subject: %w", err)
	}
	subject := sanitizeSubject(subjectBuf.String())

	var htmlBuf bytes.Buffer
	if err := html.ExecuteTemplate(&htmlBuf, "body", data); err != nil {
		return "", "", "", fmt.Errorf("render html: %w", err)
	}

	var textBuf bytes.Buffer
	if err := text.ExecuteTemplate(&textBuf, "body", data); err != nil {
		return "", "", "", fmt.Errorf("render text: %w", err)
	}

	return subject, htmlBuf.String(), textBuf.String(), nil
}

// sanitizeSubject strips CR/LF to prevent email header injection.
func sanitizeSubject(s string) string {
	s = strings.TrimSpace(s)
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}
