// ABOUTME: HTTP handlers for community profiles, the simplest tenant-owned record.
// ABOUTME: Every store call goes through the request's org scope; no handler names an org ID.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/saimambayao/obcms-sub002/internal/store"
)

type createCommunityBody struct {
	Name           string `json:"name"`
	Municipality   string `json:"municipality"`
	Province       string `json:"province"`
	HouseholdCount int32  `json:"household_count"`
	Notes          string `json:"notes"`
}

type patchCommunityBody struct {
	Name           *string `json:"name"`
	Municipality   *string `json:"municipality"`
	Province       *string `json:"province"`
	HouseholdCount *int32  `json:"household_count"`
	Notes          *string `json:"notes"`
}

type communityEntry struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Municipality   string `json:"municipality"`
	Province       string `json:"province"`
	HouseholdCount int32  `json:"household_count"`
	Notes          string `json:"notes,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

type communityListResponse struct {
	Items      []communityEntry `json:"items"`
	NextCursor *string          `json:"next_cursor,omitempty"`
}

func communityToEntry(c store.CommunityProfile) communityEntry {
	return communityEntry{
		ID:             c.ID.String(),
		Name:           c.Name,
		Municipality:   c.Municipality,
		Province:       c.Province,
		HouseholdCount: c.HouseholdCount,
		Notes:          c.Notes,
		CreatedAt:      c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      c.UpdatedAt.Format(time.RFC3339),
	}
}

// records returns the store facade scoped to the request's resolved org.
// Must only be called below OrgContext.
func (srv *Server) records(r *http.Request) *store.Records {
	return srv.store.Records(store.ScopeFromContext(r.Context()))
}

// createdBy extracts the caller for created_by stamping. API-key requests
// attribute records to the key's creator.
func createdBy(r *http.Request) uuid.NullUUID {
	if id, ok := r.Context().Value(ctxUserID).(uuid.UUID); ok {
		return uuid.NullUUID{UUID: id, Valid: true}
	}
	return uuid.NullUUID{}
}

// createCommunityHandler handles POST /api/v1/org/{org_code}/communities.
// Requires staff+.
func (srv *Server) createCommunityHandler(w http.ResponseWriter, r *http.Request) {
	var req createCommunityBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.HouseholdCount < 0 {
		http.Error(w, "household_count cannot be negative", http.StatusBadRequest)
		return
	}

	c, err := srv.records(r).CreateCommunity(r.Context(), store.CreateCommunityParams{
		Name:           strings.TrimSpace(req.Name),
		Municipality:   strings.TrimSpace(req.Municipality),
		Province:       strings.TrimSpace(req.Province),
		HouseholdCount: req.HouseholdCount,
		Notes:          req.Notes,
		CreatedBy:      createdBy(r),
	})
	if err != nil {
		if store.IsUniqueViolation(err) {
			http.Error(w, "a community with this name already exists in the municipality", http.StatusConflict)
			return
		}
		slog.ErrorContext(r.Context(), "create community", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, communityToEntry(*c))
}

// getCommunityHandler handles GET /api/v1/org/{org_code}/communities/{id}.
func (srv *Server) getCommunityHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	c, err := srv.records(r).GetCommunity(r.Context(), id)
	if err != nil {
		slog.ErrorContext(r.Context(), "get community", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if c == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, communityToEntry(*c))
}

// listCommunitiesHandler handles GET /api/v1/org/{org_code}/communities.
// Cursor-based pagination on (created_at DESC, id DESC); optional
// municipality filter.
func (srv *Server) listCommunitiesHandler(w http.ResponseWriter, r *http.Request) {
	const limit = 20
	q := r.URL.Query()

	var municipality *string
	if m := strings.TrimSpace(q.Get("municipality")); m != "" {
		municipality = &m
	}
	afterTime, afterID := timeCursorFromQuery(q)

	rows, err := srv.records(r).ListCommunities(r.Context(), municipality, afterTime, afterID, limit+1)
	if err != nil {
		slog.ErrorContext(r.Context(), "list communities", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var nextCursor *string
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		c := encodeTimeCursor(last.CreatedAt, last.ID)
		nextCursor = &c
	}

	entries := make([]communityEntry, 0, len(rows))
	for _, c := range rows {
		entries = append(entries, communityToEntry(c))
	}
	writeJSON(w, http.StatusOK, communityListResponse{Items: entries, NextCursor: nextCursor})
}

// updateCommunityHandler handles PATCH /api/v1/org/{org_code}/communities/{id}.
// Requires staff+. Only updates fields present in the body.
func (srv *Server) updateCommunityHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	var req patchCommunityBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		http.Error(w, "name cannot be empty", http.StatusBadRequest)
		return
	}
	if req.HouseholdCount != nil && *req.HouseholdCount < 0 {
		http.Error(w, "household_count cannot be negative", http.StatusBadRequest)
		return
	}

	c, err := srv.records(r).UpdateCommunity(r.Context(), id, store.UpdateCommunityParams{
		Name:           req.Name,
		Municipality:   req.Municipality,
		Province:       req.Province,
		HouseholdCount: req.HouseholdCount,
		Notes:          req.Notes,
	})
	if err != nil {
		if store.IsUniqueViolation(err) {
			http.Error(w, "a community with this name already exists in the municipality", http.StatusConflict)
			return
		}
		slog.ErrorContext(r.Context(), "update community", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if c == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, communityToEntry(*c))
}

// deleteCommunityHandler handles DELETE /api/v1/org/{org_code}/communities/{id}.
// Requires manager+. A profile referenced by assessments cannot be removed.
func (srv *Server) deleteCommunityHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	n, err := srv.records(r).DeleteCommunity(r.Context(), id)
	if err != nil {
		if store.IsForeignKeyViolation(err) {
			http.Error(w, "community is referenced by assessments", http.StatusConflict)
			return
		}
		slog.ErrorContext(r.Context(), "delete community", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if n == 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
