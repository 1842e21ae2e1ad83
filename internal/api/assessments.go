// ABOUTME: HTTP handlers for needs assessments: CRUD, submit, bulk publish.
// ABOUTME: A linked community must resolve inside the caller's own org scope.
package api

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/saimambayao/obcms-sub002/internal/store"
)

// validSectors is the whitelist of assessment sector tags.
var validSectors = map[string]bool{
	"health": true, "education": true, "livelihood": true, "shelter": true,
	"wash": true, "protection": true, "peacebuilding": true,
	"infrastructure": true, "agriculture": true, "social_welfare": true,
}

// ── Request / response types ──────────────────────────────────────────────────

type createAssessmentBody struct {
	CommunityID *string         `json:"community_id"`
	Title       string          `json:"title"`
	Sectors     []string        `json:"sectors"`
	Payload     json.RawMessage `json:"payload"`
	AssessedOn  string          `json:"assessed_on,omitempty"` // YYYY-MM-DD
}

// patchAssessmentBody uses nil-check semantics for all fields.
// community_id stays raw so an explicit JSON null (unlink the community) is
// distinguishable from an absent key.
type patchAssessmentBody struct {
	CommunityID json.RawMessage  `json:"community_id"` // nil = not provided
	Title       *string          `json:"title"`
	Sectors     *[]string        `json:"sectors"`
	Payload     *json.RawMessage `json:"payload"`
	AssessedOn  *string          `json:"assessed_on"` // YYYY-MM-DD; "" clears
}

type assessmentEntry struct {
	ID          string          `json:"id"`
	CommunityID *string         `json:"community_id,omitempty"`
	Title       string          `json:"title"`
	Sectors     []string        `json:"sectors"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	AssessedOn  string          `json:"assessed_on,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

type assessmentListResponse struct {
	Items      []assessmentEntry `json:"items"`
	NextCursor *string           `json:"next_cursor,omitempty"`
}

func assessmentToEntry(a store.NeedsAssessment) assessmentEntry {
	e := assessmentEntry{
		ID:        a.ID.String(),
		Title:     a.Title,
		Sectors:   a.Sectors,
		Status:    a.Status,
		CreatedAt: a.CreatedAt.Format(time.RFC3339),
		UpdatedAt: a.UpdatedAt.Format(time.RFC3339),
	}
	if e.Sectors == nil {
		e.Sectors = []string{}
	}
	if a.CommunityID.Valid {
		s := a.CommunityID.UUID.String()
		e.CommunityID = &s
	}
	if a.Payload.Valid {
		e.Payload = json.RawMessage(a.Payload.RawMessage)
	}
	if a.AssessedOn.Valid {
		e.AssessedOn = a.AssessedOn.Time.Format("2006-01-02")
	}
	return e
}

func normalizeSectors(sectors []string) ([]string, string) {
	out := make([]string, 0, len(sectors))
	seen := map[string]bool{}
	for _, s := range sectors {
		s = strings.ToLower(strings.TrimSpace(s))
		if !validSectors[s] {
			return nil, s
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, ""
}

// resolveCommunityLink confirms the community exists inside the caller's
// scope. A community belonging to another org and one that does not exist at
// all produce the same answer.
func (srv *Server) resolveCommunityLink(r *http.Request, raw string) (uuid.NullUUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.NullUUID{}, false
	}
	c, err := srv.records(r).GetCommunity(r.Context(), id)
	if err != nil {
		slog.ErrorContext(r.Context(), "resolve community link", "error", err)
		return uuid.NullUUID{}, false
	}
	if c == nil {
		return uuid.NullUUID{}, false
	}
	return uuid.NullUUID{UUID: c.ID, Valid: true}, true
}

// ── Handlers ──────────────────────────────────────────────────────────────────

// createAssessmentHandler handles POST /api/v1/org/{org_code}/assessments.
// Requires staff+. New assessments start as drafts.
func (srv *Server) createAssessmentHandler(w http.ResponseWriter, r *http.Request) {
	var req createAssessmentBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}
	sectors, bad := normalizeSectors(req.Sectors)
	if bad != "" {
		http.Error(w, "unknown sector: "+bad, http.StatusUnprocessableEntity)
		return
	}

	p := store.CreateAssessmentParams{
		Title:     strings.TrimSpace(req.Title),
		Sectors:   sectors,
		CreatedBy: createdBy(r),
	}
	if req.CommunityID != nil {
		link, ok := srv.resolveCommunityLink(r, *req.CommunityID)
		if !ok {
			http.Error(w, "community not found", http.StatusUnprocessableEntity)
			return
		}
		p.CommunityID = link
	}
	if len(req.Payload) > 0 {
		p.Payload = pqtype.NullRawMessage{RawMessage: req.Payload, Valid: true}
	}
	if req.AssessedOn != "" {
		d, err := time.Parse("2006-01-02", req.AssessedOn)
		if err != nil {
			http.Error(w, "invalid assessed_on: use YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		p.AssessedOn = sql.NullTime{Time: d, Valid: true}
	}

	a, err := srv.records(r).CreateAssessment(r.Context(), p)
	if err != nil {
		slog.ErrorContext(r.Context(), "create assessment", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, assessmentToEntry(*a))
}

// getAssessmentHandler handles GET /api/v1/org/{org_code}/assessments/{id}.
func (srv *Server) getAssessmentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	a, err := srv.records(r).GetAssessment(r.Context(), id)
	if err != nil {
		slog.ErrorContext(r.Context(), "get assessment", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if a == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, assessmentToEntry(*a))
}

// listAssessmentsHandler handles GET /api/v1/org/{org_code}/assessments.
// Optional status and community_id filters; keyset pagination.
func (srv *Server) listAssessmentsHandler(w http.ResponseWriter, r *http.Request) {
	const limit = 20
	q := r.URL.Query()

	var status *string
	if s := q.Get("status"); s != "" {
		if s != store.AssessmentDraft && s != store.AssessmentSubmitted && s != store.AssessmentPublished {
			http.Error(w, "status must be draft, submitted or published", http.StatusBadRequest)
			return
		}
		status = &s
	}
	var communityID *uuid.UUID
	if c := q.Get("community_id"); c != "" {
		id, err := uuid.Parse(c)
		if err != nil {
			http.Error(w, "invalid community_id", http.StatusBadRequest)
			return
		}
		communityID = &id
	}
	afterTime, afterID := timeCursorFromQuery(q)

	rows, err := srv.records(r).ListAssessments(r.Context(), status, communityID, afterTime, afterID, limit+1)
	if err != nil {
		slog.ErrorContext(r.Context(), "list assessments", "error", err)
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

	entries := make([]assessmentEntry, 0, len(rows))
	for _, a := range rows {
		entries = append(entries, assessmentToEntry(a))
	}
	writeJSON(w, http.StatusOK, assessmentListResponse{Items: entries, NextCursor: nextCursor})
}

// updateAssessmentHandler handles PATCH /api/v1/org/{org_code}/assessments/{id}.
// Requires staff+. Only drafts can be edited.
func (srv *Server) updateAssessmentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	var req patchAssessmentBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var p store.UpdateAssessmentParams
	if req.Title != nil {
		if strings.TrimSpace(*req.Title) == "" {
			http.Error(w, "title cannot be empty", http.StatusBadRequest)
			return
		}
		t := strings.TrimSpace(*req.Title)
		p.Title = &t
	}
	if req.Sectors != nil {
		sectors, bad := normalizeSectors(*req.Sectors)
		if bad != "" {
			http.Error(w, "unknown sector: "+bad, http.StatusUnprocessableEntity)
			return
		}
		p.Sectors = &sectors
	}
	if req.CommunityID != nil {
		if string(req.CommunityID) == "null" {
			p.CommunityID = &uuid.NullUUID{}
		} else {
			var cid string
			if err := json.Unmarshal(req.CommunityID, &cid); err != nil {
				http.Error(w, "community not found", http.StatusUnprocessableEntity)
				return
			}
			link, ok := srv.resolveCommunityLink(r, cid)
			if !ok {
				http.Error(w, "community not found", http.StatusUnprocessableEntity)
				return
			}
			p.CommunityID = &link
		}
	}
	if req.Payload != nil {
		p.Payload = &pqtype.NullRawMessage{RawMessage: *req.Payload, Valid: len(*req.Payload) > 0}
	}
	if req.AssessedOn != nil {
		if *req.AssessedOn == "" {
			p.AssessedOn = &sql.NullTime{}
		} else {
			d, err := time.Parse("2006-01-02", *req.AssessedOn)
			if err != nil {
				http.Error(w, "invalid assessed_on: use YYYY-MM-DD", http.StatusBadRequest)
				return
			}
			p.AssessedOn = &sql.NullTime{Time: d, Valid: true}
		}
	}

	a, err := srv.records(r).UpdateAssessment(r.Context(), id, p)
	if err != nil {
		slog.ErrorContext(r.Context(), "update assessment", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if a == nil {
		srv.assessmentNotDraft(w, r, id, "only draft assessments can be edited")
		return
	}

	writeJSON(w, http.StatusOK, assessmentToEntry(*a))
}

// assessmentNotDraft distinguishes "no such assessment" from "exists but past
// draft" after a draft-only store operation matched nothing.
func (srv *Server) assessmentNotDraft(w http.ResponseWriter, r *http.Request, id uuid.UUID, msg string) {
	a, err := srv.records(r).GetAssessment(r.Context(), id)
	if err != nil {
		slog.ErrorContext(r.Context(), "get assessment", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if a == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, msg, http.StatusConflict)
}

// submitAssessmentHandler handles POST /api/v1/org/{org_code}/assessments/{id}/submit.
// Requires staff+. Moves a draft to submitted and queues the org webhook.
func (srv *Server) submitAssessmentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	a, err := srv.records(r).SubmitAssessment(r.Context(), id)
	if err != nil {
		slog.ErrorContext(r.Context(), "submit assessment", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if a == nil {
		srv.assessmentNotDraft(w, r, id, "only draft assessments can be submitted")
		return
	}

	srv.enqueueWebhookEvent(r, "assessment.submitted", map[string]any{
		"assessment_id": a.ID.String(),
		"title":         a.Title,
		"sectors":       []string(a.Sectors),
	})

	writeJSON(w, http.StatusOK, assessmentToEntry(*a))
}

// publishAssessmentsBody is the request body for the bulk publish operation.
type publishAssessmentsBody struct {
	IDs []string `json:"ids"`
}

// publishAssessmentsHandler handles POST /api/v1/org/{org_code}/assessments/publish.
// Requires manager+. Publishes the submitted assessments among ids in one
// statement; ids outside the org or not in submitted state are skipped.
func (srv *Server) publishAssessmentsHandler(w http.ResponseWriter, r *http.Request) {
	var req publishAssessmentsBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.IDs) == 0 {
		http.Error(w, "ids is required", http.StatusBadRequest)
		return
	}
	if len(req.IDs) > 100 {
		http.Error(w, "at most 100 ids per request", http.StatusBadRequest)
		return
	}

	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid id: "+raw, http.StatusBadRequest)
			return
		}
		ids = append(ids, id)
	}

	n, err := srv.records(r).PublishAssessments(r.Context(), ids)
	if err != nil {
		slog.ErrorContext(r.Context(), "publish assessments", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"published": n})
}

// deleteAssessmentHandler handles DELETE /api/v1/org/{org_code}/assessments/{id}.
// Requires staff+. Only drafts can be deleted; submitted and published
// assessments are part of the record.
func (srv *Server) deleteAssessmentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	n, err := srv.records(r).DeleteAssessment(r.Context(), id)
	if err != nil {
		slog.ErrorContext(r.Context(), "delete assessment", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if n == 0 {
		srv.assessmentNotDraft(w, r, id, "only draft assessments can be deleted")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
