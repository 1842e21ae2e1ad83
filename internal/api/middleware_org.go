// ABOUTME: Org-context middleware: resolves the acting organization for a request
// ABOUTME: and decides access, or rejects with an enumeration-safe generic 404.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/saimambayao/obcms-sub002/internal/store"
	"github.com/saimambayao/obcms-sub002/internal/tenant"
)

const activeOrgCookie = "active_org"

// orgNotFound writes the one generic 404 used for every organization
// resolution failure. An unknown code, an inactive organization and a missing
// membership must be indistinguishable to the caller, so they all come
// through here.
func orgNotFound(w http.ResponseWriter) {
	http.Error(w, "not found", http.StatusNotFound)
}

// orgAccessError maps a failed access decision to its HTTP response. The
// tenant sentinels carry fixed mappings: an unresolvable organization
// redirects to the selection step, denials that would reveal whether an
// organization or a membership exists collapse into the generic 404, and
// oversight writes are refused outright. Anything else is an infrastructure
// failure.
func orgAccessError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tenant.ErrNoActiveOrg):
		http.Redirect(w, r, "/api/v1/auth/orgs", http.StatusSeeOther)
	case errors.Is(err, tenant.ErrOrgNotFound), errors.Is(err, tenant.ErrNotAMember):
		orgNotFound(w)
	case errors.Is(err, tenant.ErrReadOnly):
		http.Error(w, tenant.ErrReadOnly.Error(), http.StatusForbidden)
	default:
		slog.ErrorContext(r.Context(), "org access check failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// normalizeOrgCode uppercases and trims a candidate organization code so that
// "moh", " MOH " and "MOH" resolve to the same organization.
func normalizeOrgCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// resolveOrgCode returns the candidate organization code for the request and
// where it came from. Priority: URL path param, then the active_org cookie,
// then the configured default. The default participates only in single-tenant
// deployments; in multi-tenant mode a missing code means the client has to
// pick an organization.
func (srv *Server) resolveOrgCode(r *http.Request) (string, tenant.Source) {
	if code := chi.URLParam(r, "org_code"); code != "" {
		return normalizeOrgCode(code), tenant.SourcePath
	}
	if c, err := r.Cookie(activeOrgCookie); err == nil && c.Value != "" {
		return normalizeOrgCode(c.Value), tenant.SourceSession
	}
	if !srv.cfg.MultiTenant && srv.cfg.DefaultOrgCode != "" {
		return normalizeOrgCode(srv.cfg.DefaultOrgCode), tenant.SourceDefault
	}
	return "", ""
}

// setActiveOrgCookie records the resolved organization code in the session so
// later requests without a path code keep acting in the same organization.
func (srv *Server) setActiveOrgCookie(w http.ResponseWriter, code string) {
	http.SetCookie(w, &http.Cookie{
		Name:     activeOrgCookie,
		Value:    code,
		Path:     "/",
		MaxAge:   int((30 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		Secure:   srv.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// orgAccess is a granted access decision: the organization and the caller's
// effective standing inside it.
type orgAccess struct {
	org        *store.Organization
	role       Role
	membership *store.Membership // nil for superuser, oversight and API key access
	oversight  bool              // platform oversight: read-only
}

// authorizeOrgAccess resolves code to an organization and decides whether the
// caller may act inside it. Exactly one access path must hold: an API key
// minted for this organization, superuser, the platform oversight role, or an
// active membership. Denials come back as tenant sentinel errors so every
// caller maps them identically; the oversight flag is enforced against the
// HTTP method by whoever handles the request.
func (srv *Server) authorizeOrgAccess(ctx context.Context, code string, user *store.User, key *store.APIKey) (*orgAccess, error) {
	org, err := srv.store.GetOrgByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("get org by code: %w", err)
	}
	if org == nil || org.Status != store.OrgStatusActive {
		return nil, tenant.ErrOrgNotFound
	}

	if key != nil {
		// An API key is minted for one organization and never opens another,
		// whatever its creator's own memberships are.
		if key.OrgID != org.ID {
			slog.WarnContext(ctx, "api key used against foreign org",
				"key_id", key.ID, "org_code", code)
			return nil, tenant.ErrNotAMember
		}
		return &orgAccess{org: org, role: parseRole(key.Role)}, nil
	}

	switch {
	case user.IsSuperuser:
		return &orgAccess{org: org, role: RoleAdmin}, nil
	case user.HasPlatformRole(srv.cfg.OversightRole):
		return &orgAccess{org: org, role: RoleViewer, oversight: true}, nil
	}

	m, err := srv.store.GetMembership(ctx, org.ID, user.ID)
	if err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	if m == nil || m.Status != store.MembershipActive {
		slog.WarnContext(ctx, "org access denied", "user_id", user.ID, "org_code", code)
		return nil, tenant.ErrNotAMember
	}
	return &orgAccess{org: org, role: parseRole(m.Role), membership: m}, nil
}

// OrgContext resolves the acting organization and the caller's effective role
// inside it, then runs the next handler with both on the request context.
// Requires RequireAuthenticated to have run first.
//
// Exactly one access path must hold: superuser (full access), platform
// oversight role (read-only), or an active membership. Every failure mode
// that would reveal whether an organization or a membership exists answers
// with the same generic 404.
//
// The association lives only on this request's derived context; it cannot
// leak into the next request even when the handler panics. The deferred
// audit line is the observable teardown.
func (srv *Server) OrgContext() func(http.Handler) http.Handler {
	return srv.orgContext(true)
}

// OrgContextOptional is OrgContext for routes that can run without an acting
// organization (the workspace summary). When no code resolves, the request
// passes through with an empty tenant context instead of redirecting; a code
// that does resolve is validated exactly as in OrgContext.
func (srv *Server) OrgContextOptional() func(http.Handler) http.Handler {
	return srv.orgContext(false)
}

func (srv *Server) orgContext(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := r.Context().Value(ctxUserID).(uuid.UUID)
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			code, source := srv.resolveOrgCode(r)
			if code == "" {
				if !required {
					next.ServeHTTP(w, r)
					return
				}
				// Nothing selected anywhere: send the client to the
				// organization-selection step rather than failing hard.
				orgAccessError(w, r, tenant.ErrNoActiveOrg)
				return
			}

			start := time.Now()
			decision := "denied"
			defer func() {
				slog.InfoContext(r.Context(), "org context",
					"user_id", userID,
					"org_code", code,
					"source", string(source),
					"decision", decision,
					"duration_ms", time.Since(start).Milliseconds())
			}()

			user, err := srv.store.GetUserByID(r.Context(), userID)
			if err != nil {
				slog.ErrorContext(r.Context(), "user lookup failed", "error", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			if user == nil {
				// Token outlived the account.
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			key, _ := r.Context().Value(ctxAPIKey).(*store.APIKey)
			grant, err := srv.authorizeOrgAccess(r.Context(), code, user, key)
			if err != nil {
				orgAccessError(w, r, err)
				return
			}
			if grant.oversight && !isSafeMethod(r.Method) {
				slog.WarnContext(r.Context(), "oversight write rejected",
					"user_id", user.ID, "org_code", code, "method", r.Method, "path", r.URL.Path)
				orgAccessError(w, r, tenant.ErrReadOnly)
				return
			}

			decision = "granted"
			tc := tenant.Context{
				OrgID:      grant.org.ID,
				OrgCode:    grant.org.Code,
				UserID:     user.ID,
				Oversight:  grant.oversight,
				Source:     source,
				ResolvedAt: time.Now(),
			}
			ctx := tenant.NewContext(r.Context(), tc)
			ctx = context.WithValue(ctx, ctxUser, user)
			ctx = context.WithValue(ctx, ctxOrg, grant.org)
			ctx = context.WithValue(ctx, ctxRole, grant.role)
			if grant.membership != nil {
				ctx = context.WithValue(ctx, ctxMembership, grant.membership)
			}

			// Remember the selection, but only when it changed: rewriting the
			// cookie on every request would reset its expiry window and spam
			// Set-Cookie headers.
			if prev, err := r.Cookie(activeOrgCookie); err != nil || prev.Value != grant.org.Code {
				srv.setActiveOrgCookie(w, grant.org.Code)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole returns a middleware rejecting requests whose effective role in
// the acting organization is below min. Mount inside OrgContext.
func (srv *Server) RequireRole(min Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, ok := r.Context().Value(ctxRole).(Role)
			if !ok {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			if role < min {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireModule returns a middleware that responds 404 when the acting
// organization does not have the named module enabled. A disabled module
// looks exactly like a route that does not exist.
func (srv *Server) RequireModule(module string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			org, ok := r.Context().Value(ctxOrg).(*store.Organization)
			if !ok || !org.ModuleEnabled(module) {
				orgNotFound(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireOversight returns a middleware for the platform-level oversight
// surface: superusers and holders of the oversight platform role, GET only.
// It does not resolve an acting organization; handlers underneath use the
// explicit all-organizations scope.
func (srv *Server) RequireOversight() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := r.Context().Value(ctxUserID).(uuid.UUID)
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			user, err := srv.store.GetUserByID(r.Context(), userID)
			if err != nil {
				slog.ErrorContext(r.Context(), "user lookup failed", "error", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			if user == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if !user.IsSuperuser && !user.HasPlatformRole(srv.cfg.OversightRole) {
				slog.WarnContext(r.Context(), "oversight access denied", "user_id", user.ID, "path", r.URL.Path)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			if !user.IsSuperuser && !isSafeMethod(r.Method) {
				slog.WarnContext(r.Context(), "oversight write rejected",
					"user_id", user.ID, "method", r.Method, "path", r.URL.Path)
				orgAccessError(w, r, tenant.ErrReadOnly)
				return
			}
			ctx := context.WithValue(r.Context(), ctxUser, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
