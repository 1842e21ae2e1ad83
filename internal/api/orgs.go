// ABOUTME: HTTP handlers for organization administration and the org profile.
// ABOUTME: Routes use chi middleware (not huma.Register) for per-group RBAC enforcement.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/saimambayao/obcms-sub002/internal/store"
)

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON: encode failed", "error", err)
	}
}

// orgView is the JSON shape of an organization. The webhook secret is never
// serialized.
type orgView struct {
	Code       string          `json:"code"`
	Name       string          `json:"name"`
	OrgType    string          `json:"org_type"`
	Status     string          `json:"status"`
	Pilot      bool            `json:"pilot"`
	Modules    map[string]bool `json:"modules"`
	WebhookURL string          `json:"webhook_url,omitempty"`
	Settings   json.RawMessage `json:"settings,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

func orgToView(o *store.Organization) orgView {
	v := orgView{
		Code:    o.Code,
		Name:    o.Name,
		OrgType: o.OrgType,
		Status:  o.Status,
		Pilot:   o.Pilot,
		Modules: map[string]bool{
			store.ModuleCommunities:  o.ModuleCommunities,
			store.ModuleAssessments:  o.ModuleAssessments,
			store.ModuleBudgets:      o.ModuleBudgets,
			store.ModuleCoordination: o.ModuleCoordination,
		},
		CreatedAt: o.CreatedAt.Format(time.RFC3339),
	}
	if o.WebhookURL.Valid {
		v.WebhookURL = o.WebhookURL.String
	}
	if o.Settings.Valid {
		v.Settings = json.RawMessage(o.Settings.RawMessage)
	}
	return v
}

// requireSuperuser loads the authenticated user and verifies the superuser
// flag. Writes the error response itself and returns nil when the caller may
// not proceed.
func (srv *Server) requireSuperuser(w http.ResponseWriter, r *http.Request) *store.User {
	userID, ok := r.Context().Value(ctxUserID).(uuid.UUID)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil
	}
	user, err := srv.store.GetUserByID(r.Context(), userID)
	if err != nil {
		slog.ErrorContext(r.Context(), "superuser check: get user", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil
	}
	if user == nil || !user.IsSuperuser {
		slog.WarnContext(r.Context(), "superuser action denied", "user_id", userID, "path", r.URL.Path)
		http.Error(w, "forbidden", http.StatusForbidden)
		return nil
	}
	return user
}

// createOrgBody is the JSON request body for POST /api/v1/orgs.
type createOrgBody struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	OrgType string `json:"org_type"`
	Pilot   bool   `json:"pilot"`
}

// createOrgHandler handles POST /api/v1/orgs. Superuser only: organizations
// here are ministries and offices, provisioned by the platform operator, not
// self-service workspaces.
func (srv *Server) createOrgHandler(w http.ResponseWriter, r *http.Request) {
	if srv.requireSuperuser(w, r) == nil {
		return
	}

	var req createOrgBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	code := normalizeOrgCode(req.Code)
	if code == "" || req.Name == "" {
		http.Error(w, "code and name are required", http.StatusBadRequest)
		return
	}
	switch req.OrgType {
	case store.OrgTypeMinistry, store.OrgTypeOffice, store.OrgTypeAgency:
	default:
		http.Error(w, "org_type must be ministry, office or agency", http.StatusBadRequest)
		return
	}

	org, err := srv.store.CreateOrg(r.Context(), store.CreateOrgParams{
		Code:    code,
		Name:    req.Name,
		OrgType: req.OrgType,
		Pilot:   req.Pilot,
	})
	if err != nil {
		if store.IsUniqueViolation(err) {
			http.Error(w, "an organization with this code already exists", http.StatusConflict)
			return
		}
		slog.ErrorContext(r.Context(), "create org", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, orgToView(org))
}

// setOrgStatusBody is the JSON request body for PATCH /api/v1/orgs/{org_code}/status.
type setOrgStatusBody struct {
	Status string `json:"status"`
}

// setOrgStatusHandler handles PATCH /api/v1/orgs/{org_code}/status.
// Superuser only. Deactivation is a status flip; records and memberships
// stay in place for reactivation.
func (srv *Server) setOrgStatusHandler(w http.ResponseWriter, r *http.Request) {
	if srv.requireSuperuser(w, r) == nil {
		return
	}

	var req setOrgStatusBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	switch req.Status {
	case store.OrgStatusActive, store.OrgStatusInactive, store.OrgStatusPending:
	default:
		http.Error(w, "status must be active, inactive or pending", http.StatusBadRequest)
		return
	}

	org, err := srv.store.GetOrgByCode(r.Context(), normalizeOrgCode(chi.URLParam(r, "org_code")))
	if err != nil {
		slog.ErrorContext(r.Context(), "set org status: get org", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if org == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	updated, err := srv.store.SetOrgStatus(r.Context(), org.ID, req.Status)
	if err != nil {
		slog.ErrorContext(r.Context(), "set org status", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, orgToView(updated))
}

// getOrgProfileHandler handles GET /api/v1/org/{org_code}.
// The org middleware already resolved and validated the organization.
func (srv *Server) getOrgProfileHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := r.Context().Value(ctxOrg).(*store.Organization)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, orgToView(org))
}

// updateOrgBody is the JSON request body for PATCH /api/v1/org/{org_code}.
// Pointer fields distinguish "leave unchanged" from "set to zero value".
// Code and status are not editable here.
type updateOrgBody struct {
	Name          *string          `json:"name"`
	OrgType       *string          `json:"org_type"`
	Pilot         *bool            `json:"pilot"`
	Modules       map[string]bool  `json:"modules"`
	WebhookURL    *string          `json:"webhook_url"`
	WebhookSecret *string          `json:"webhook_secret"`
	Settings      *json.RawMessage `json:"settings"`
}

// updateOrgHandler handles PATCH /api/v1/org/{org_code}. Org admin only.
func (srv *Server) updateOrgHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := r.Context().Value(ctxOrg).(*store.Organization)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	var req updateOrgBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name != nil && *req.Name == "" {
		http.Error(w, "name cannot be empty", http.StatusBadRequest)
		return
	}
	if req.OrgType != nil {
		switch *req.OrgType {
		case store.OrgTypeMinistry, store.OrgTypeOffice, store.OrgTypeAgency:
		default:
			http.Error(w, "org_type must be ministry, office or agency", http.StatusBadRequest)
			return
		}
	}

	params := store.UpdateOrgParams{
		Name:          req.Name,
		OrgType:       req.OrgType,
		Pilot:         req.Pilot,
		WebhookURL:    req.WebhookURL,
		WebhookSecret: req.WebhookSecret,
	}
	for module, enabled := range req.Modules {
		enabled := enabled
		switch module {
		case store.ModuleCommunities:
			params.ModuleCommunities = &enabled
		case store.ModuleAssessments:
			params.ModuleAssessments = &enabled
		case store.ModuleBudgets:
			params.ModuleBudgets = &enabled
		case store.ModuleCoordination:
			params.ModuleCoordination = &enabled
		default:
			http.Error(w, "unknown module: "+module, http.StatusBadRequest)
			return
		}
	}
	if req.Settings != nil {
		params.Settings = &pqtype.NullRawMessage{RawMessage: *req.Settings, Valid: len(*req.Settings) > 0}
	}

	updated, err := srv.store.UpdateOrg(r.Context(), org.ID, params)
	if err != nil {
		slog.ErrorContext(r.Context(), "update org", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if updated == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, orgToView(updated))
}
