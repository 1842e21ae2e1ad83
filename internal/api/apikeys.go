// ABOUTME: HTTP handlers for API key management: create, list, revoke.
// ABOUTME: Keys are org-bound; the raw key is shown exactly once at creation.
package api

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/saimambayao/obcms-sub002/internal/auth"
	"github.com/saimambayao/obcms-sub002/internal/store"
)

// createAPIKeyBody is the JSON request body for POST /api/v1/org/{org_code}/api-keys.
type createAPIKeyBody struct {
	Name      string `json:"name"`
	Role      string `json:"role"`
	ExpiresAt string `json:"expires_at,omitempty"` // RFC3339; omit for never-expiring key
}

// createAPIKeyResponse is the JSON response body for POST /api/v1/org/{org_code}/api-keys.
// raw_key is shown exactly once and cannot be retrieved again.
type createAPIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	RawKey    string `json:"raw_key"`
	ExpiresAt string `json:"expires_at,omitempty"`
	CreatedAt string `json:"created_at"`
}

// apiKeyEntry is one row in the GET /api-keys response.
// Never contains raw_key or key_hash.
type apiKeyEntry struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	ExpiresAt  string `json:"expires_at,omitempty"`
	LastUsedAt string `json:"last_used_at,omitempty"`
	RevokedAt  string `json:"revoked_at,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// createAPIKeyHandler handles POST /api/v1/org/{org_code}/api-keys.
// Requires manager+. The role in the request body is the key's ceiling and
// must not exceed the caller's own role.
func (srv *Server) createAPIKeyHandler(w http.ResponseWriter, r *http.Request) {
	org, ok := r.Context().Value(ctxOrg).(*store.Organization)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	callerID, ok := r.Context().Value(ctxUserID).(uuid.UUID)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	callerRole, ok := r.Context().Value(ctxRole).(Role)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req createAPIKeyBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if !validMemberRole(req.Role) {
		http.Error(w, "role must be admin, manager, staff or viewer", http.StatusBadRequest)
		return
	}
	// No privilege escalation: a manager cannot mint an admin key.
	if parseRole(req.Role) > callerRole {
		http.Error(w, "forbidden: requested role exceeds your role", http.StatusForbidden)
		return
	}

	var expiresAt sql.NullTime
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			http.Error(w, "invalid expires_at: use RFC3339 format", http.StatusBadRequest)
			return
		}
		expiresAt = sql.NullTime{Time: t, Valid: true}
	}

	rawKey, keyHash, err := auth.GenerateAPIKey()
	if err != nil {
		slog.ErrorContext(r.Context(), "generate api key", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	key, err := srv.store.CreateAPIKey(r.Context(), org.ID, callerID, keyHash, req.Name, req.Role, expiresAt)
	if err != nil {
		slog.ErrorContext(r.Context(), "create api key", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := createAPIKeyResponse{
		ID:        key.ID.String(),
		Name:      key.Name,
		Role:      key.Role,
		RawKey:    rawKey,
		CreatedAt: key.CreatedAt.Format(time.RFC3339),
	}
	if key.ExpiresAt.Valid {
		out.ExpiresAt = key.ExpiresAt.Time.Format(time.RFC3339)
	}

	writeJSON(w, http.StatusCreated, out)
}

// listAPIKeysHandler handles GET /api/v1/org/{org_code}/api-keys.
// Requires manager+. Revoked keys are included for audit.
func (srv *Server) listAPIKeysHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := srv.store.Records(store.ScopeFromContext(r.Context())).ListAPIKeys(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "list api keys", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	entries := make([]apiKeyEntry, 0, len(rows))
	for _, k := range rows {
		entry := apiKeyEntry{
			ID:        k.ID.String(),
			Name:      k.Name,
			Role:      k.Role,
			CreatedAt: k.CreatedAt.Format(time.RFC3339),
		}
		if k.ExpiresAt.Valid {
			entry.ExpiresAt = k.ExpiresAt.Time.Format(time.RFC3339)
		}
		if k.LastUsedAt.Valid {
			entry.LastUsedAt = k.LastUsedAt.Time.Format(time.RFC3339)
		}
		if k.RevokedAt.Valid {
			entry.RevokedAt = k.RevokedAt.Time.Format(time.RFC3339)
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_keys": entries})
}

// revokeAPIKeyHandler handles DELETE /api/v1/org/{org_code}/api-keys/{id}.
// Requires manager+. Revocation is idempotent; a key from another org is
// treated the same as one that never existed.
func (srv *Server) revokeAPIKeyHandler(w http.ResponseWriter, r *http.Request) {
	keyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	if err := srv.store.Records(store.ScopeFromContext(r.Context())).RevokeAPIKey(r.Context(), keyID); err != nil {
		slog.ErrorContext(r.Context(), "revoke api key", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
