// ABOUTME: Request-scoped acting-organization carrier on context.Context.
// ABOUTME: Set once by the org middleware; read by handlers and the store scope.
package tenant

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Source identifies where the acting organization code came from.
type Source string

const (
	// SourcePath: the organization code was in the request path.
	SourcePath Source = "path"
	// SourceSession: the code came from the active_org cookie.
	SourceSession Source = "session"
	// SourceDefault: single-tenant mode fell back to the configured default.
	SourceDefault Source = "default"
)

// Context describes the acting organization for one request: which org the
// request operates on, who is acting, and how the association was resolved.
// The zero value means "no acting organization".
type Context struct {
	OrgID   uuid.UUID
	OrgCode string
	UserID  uuid.UUID

	// Oversight is true when access was granted through the platform
	// oversight role rather than a membership. Oversight access is read-only.
	Oversight bool

	Source     Source
	ResolvedAt time.Time
}

// Active reports whether an acting organization is set.
func (t Context) Active() bool {
	return t.OrgID != uuid.Nil
}

type contextKey int

const tenantKey contextKey = iota

// NewContext returns a child context carrying t as the acting organization.
func NewContext(ctx context.Context, t Context) context.Context {
	return context.WithValue(ctx, tenantKey, t)
}

// FromContext returns the acting organization for ctx. ok is false when the
// request never went through the org middleware (or ctx is not a request
// context at all); callers must treat that as "no acting organization",
// never as an error.
func FromContext(ctx context.Context) (Context, bool) {
	t, ok := ctx.Value(tenantKey).(Context)
	if !ok || !t.Active() {
		return Context{}, false
	}
	return t, true
}

// OrgID returns the acting organization ID, or uuid.Nil when none is set.
func OrgID(ctx context.Context) uuid.UUID {
	t, _ := ctx.Value(tenantKey).(Context)
	return t.OrgID
}
