// ABOUTME: Org selection endpoints and the signed-in user's workspace summary.
// ABOUTME: /auth/orgs is the redirect target when no acting organization resolves.
package api

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/saimambayao/obcms-sub002/internal/store"
	"github.com/saimambayao/obcms-sub002/internal/tenant"
)

// myOrgEntry is one row of the org selection list.
type myOrgEntry struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	OrgType   string `json:"org_type"`
	Role      string `json:"role"`
	IsPrimary bool   `json:"is_primary"`
}

// listMyOrgsHandler handles GET /api/v1/auth/orgs — the organization
// selection step. Lists the caller's active memberships, primary first.
func (srv *Server) listMyOrgsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(ctxUserID).(uuid.UUID)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rows, err := srv.store.ListUserOrgs(r.Context(), userID)
	if err != nil {
		slog.ErrorContext(r.Context(), "list my orgs", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	entries := make([]myOrgEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, myOrgEntry{
			Code:      row.Code,
			Name:      row.Name,
			OrgType:   row.OrgType,
			Role:      row.Role,
			IsPrimary: row.IsPrimary,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"orgs": entries})
}

// selectOrgHandler handles POST /api/v1/auth/orgs/{code}/select.
// Validates that the caller may act in the organization and records it in
// the active_org cookie. Selecting is not a write inside the organization,
// so oversight users may select too; every denial is the same generic 404
// the org middleware produces.
func (srv *Server) selectOrgHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(ctxUserID).(uuid.UUID)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	code := normalizeOrgCode(chi.URLParam(r, "code"))

	user, err := srv.store.GetUserByID(r.Context(), userID)
	if err != nil || user == nil {
		slog.ErrorContext(r.Context(), "select org: get user", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	key, _ := r.Context().Value(ctxAPIKey).(*store.APIKey)
	grant, err := srv.authorizeOrgAccess(r.Context(), code, user, key)
	if err != nil {
		orgAccessError(w, r, err)
		return
	}

	srv.setActiveOrgCookie(w, grant.org.Code)
	writeJSON(w, http.StatusOK, map[string]string{"active_org": grant.org.Code})
}

// setPrimaryOrgHandler handles POST /api/v1/auth/orgs/{code}/primary.
// Moves the caller's primary flag to the named organization. Requires an
// active membership there.
func (srv *Server) setPrimaryOrgHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(ctxUserID).(uuid.UUID)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	code := normalizeOrgCode(chi.URLParam(r, "code"))

	org, err := srv.store.GetOrgByCode(r.Context(), code)
	if err != nil {
		slog.ErrorContext(r.Context(), "set primary: get org", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if org == nil || org.Status != store.OrgStatusActive {
		orgNotFound(w)
		return
	}

	if err := srv.store.SetPrimaryOrg(r.Context(), userID, org.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			orgNotFound(w)
			return
		}
		slog.ErrorContext(r.Context(), "set primary org", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"primary_org": org.Code})
}

// workspaceView is the response body for GET /api/v1/me/workspace.
type workspaceView struct {
	Org       *orgView         `json:"org,omitempty"`
	Role      string           `json:"role,omitempty"`
	Oversight bool             `json:"oversight,omitempty"`
	Counts    map[string]int64 `json:"counts,omitempty"`
	// Orgs is the fallback when no acting organization resolved: the places
	// the caller could go.
	Orgs []myOrgEntry `json:"orgs,omitempty"`
}

// workspaceHandler handles GET /api/v1/me/workspace.
// With an acting organization it summarizes that org: profile, the caller's
// role, and record counts for the enabled modules. Without one it lists the
// caller's organizations instead of failing.
func (srv *Server) workspaceHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := ctx.Value(ctxUserID).(uuid.UUID)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	tc, active := tenant.FromContext(ctx)
	if !active {
		rows, err := srv.store.ListUserOrgs(ctx, userID)
		if err != nil {
			slog.ErrorContext(ctx, "workspace: list orgs", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		view := workspaceView{Orgs: make([]myOrgEntry, 0, len(rows))}
		for _, row := range rows {
			view.Orgs = append(view.Orgs, myOrgEntry{
				Code:      row.Code,
				Name:      row.Name,
				OrgType:   row.OrgType,
				Role:      row.Role,
				IsPrimary: row.IsPrimary,
			})
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	org, _ := ctx.Value(ctxOrg).(*store.Organization)
	role, _ := ctx.Value(ctxRole).(Role)
	if org == nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	records := srv.store.Records(store.ScopeFromContext(ctx))
	counts := make(map[string]int64, 3)
	if org.ModuleCommunities {
		n, err := records.CountCommunities(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "workspace: count communities", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		counts[store.ModuleCommunities] = n
	}
	if org.ModuleAssessments {
		n, err := records.CountAssessments(ctx, nil)
		if err != nil {
			slog.ErrorContext(ctx, "workspace: count assessments", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		counts[store.ModuleAssessments] = n
	}
	if org.ModuleBudgets {
		n, err := records.CountBudgets(ctx, nil)
		if err != nil {
			slog.ErrorContext(ctx, "workspace: count budgets", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		counts[store.ModuleBudgets] = n
	}

	view := workspaceView{
		Role:      role.String(),
		Oversight: tc.Oversight,
		Counts:    counts,
	}
	ov := orgToView(org)
	view.Org = &ov
	writeJSON(w, http.StatusOK, view)
}
