// ABOUTME: Read-only oversight endpoints aggregating across all organizations.
// ABOUTME: The only handlers that use AllOrgs; every other path is org-scoped.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/saimambayao/obcms-sub002/internal/store"
)

// oversightOrgEntry is one org row in the oversight listing, with record
// counts gathered through that org's scope.
type oversightOrgEntry struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	OrgType     string `json:"org_type"`
	Status      string `json:"status"`
	Pilot       bool   `json:"pilot"`
	Communities int64  `json:"communities"`
	Assessments int64  `json:"assessments"`
	Budgets     int64  `json:"budgets"`
}

func (srv *Server) oversightOrgCounts(r *http.Request, o store.Organization) (oversightOrgEntry, error) {
	rec := srv.store.Records(store.OrgScope(o.ID))
	e := oversightOrgEntry{
		Code:    o.Code,
		Name:    o.Name,
		OrgType: o.OrgType,
		Status:  o.Status,
		Pilot:   o.Pilot,
	}
	var err error
	if e.Communities, err = rec.CountCommunities(r.Context()); err != nil {
		return e, err
	}
	if e.Assessments, err = rec.CountAssessments(r.Context(), nil); err != nil {
		return e, err
	}
	if e.Budgets, err = rec.CountBudgets(r.Context(), nil); err != nil {
		return e, err
	}
	return e, nil
}

// oversightListOrgsHandler handles GET /api/v1/oversight/orgs.
// All organizations, inactive included, with record counts.
func (srv *Server) oversightListOrgsHandler(w http.ResponseWriter, r *http.Request) {
	orgs, err := srv.store.ListOrgs(r.Context(), true)
	if err != nil {
		slog.ErrorContext(r.Context(), "oversight list orgs", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	entries := make([]oversightOrgEntry, 0, len(orgs))
	for _, o := range orgs {
		e, err := srv.oversightOrgCounts(r, o)
		if err != nil {
			slog.ErrorContext(r.Context(), "oversight org counts", "org_code", o.Code, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		entries = append(entries, e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"orgs": entries})
}

// oversightGetOrgHandler handles GET /api/v1/oversight/orgs/{org_code}.
func (srv *Server) oversightGetOrgHandler(w http.ResponseWriter, r *http.Request) {
	org, err := srv.store.GetOrgByCode(r.Context(), normalizeOrgCode(chi.URLParam(r, "org_code")))
	if err != nil {
		slog.ErrorContext(r.Context(), "oversight get org", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if org == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	e, err := srv.oversightOrgCounts(r, *org)
	if err != nil {
		slog.ErrorContext(r.Context(), "oversight org counts", "org_code", org.Code, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// oversightBudgetTotalsHandler handles GET /api/v1/oversight/orgs/{org_code}/budget-totals.
// One org's proposal amounts grouped by fiscal year and status.
func (srv *Server) oversightBudgetTotalsHandler(w http.ResponseWriter, r *http.Request) {
	org, err := srv.store.GetOrgByCode(r.Context(), normalizeOrgCode(chi.URLParam(r, "org_code")))
	if err != nil {
		slog.ErrorContext(r.Context(), "oversight get org", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if org == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	totals, err := srv.store.Records(store.OrgScope(org.ID)).BudgetTotalsByFiscalYear(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "oversight budget totals", "org_code", org.Code, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	rows := make([]budgetTotalRow, 0, len(totals))
	for _, t := range totals {
		rows = append(rows, budgetTotalRow(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"org_code": org.Code,
		"totals":   rows,
	})
}

// oversightBudgetEntry is a budgetEntry carrying its owning org's code, which
// tenant-scoped responses never need.
type oversightBudgetEntry struct {
	OrgCode string `json:"org_code"`
	budgetEntry
}

// oversightListBudgetsHandler handles GET /api/v1/oversight/budgets.
// Submitted proposals across every org, unless ?status= narrows differently.
func (srv *Server) oversightListBudgetsHandler(w http.ResponseWriter, r *http.Request) {
	const limit = 50
	q := r.URL.Query()

	status := store.BudgetSubmitted
	if s := q.Get("status"); s != "" {
		switch s {
		case store.BudgetDraft, store.BudgetSubmitted, store.BudgetApproved, store.BudgetRejected:
			status = s
		default:
			http.Error(w, "status must be draft, submitted, approved or rejected", http.StatusBadRequest)
			return
		}
	}
	var fiscalYear *int32
	if fy := q.Get("fiscal_year"); fy != "" {
		y, err := parseFiscalYear(fy)
		if err != nil {
			http.Error(w, "invalid fiscal_year", http.StatusBadRequest)
			return
		}
		fiscalYear = &y
	}
	afterTime, afterID := timeCursorFromQuery(q)

	rows, err := srv.store.Records(store.AllOrgs()).ListBudgets(r.Context(), &status, fiscalYear, afterTime, afterID, limit+1)
	if err != nil {
		slog.ErrorContext(r.Context(), "oversight list budgets", "error", err)
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

	codes, err := srv.orgCodesByID(r)
	if err != nil {
		slog.ErrorContext(r.Context(), "oversight list orgs", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	entries := make([]oversightBudgetEntry, 0, len(rows))
	for _, b := range rows {
		e, err := budgetToEntry(b)
		if err != nil {
			slog.ErrorContext(r.Context(), "decode budget line items", "budget_id", b.ID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		entries = append(entries, oversightBudgetEntry{OrgCode: codes[b.OrgID], budgetEntry: e})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":       entries,
		"next_cursor": nextCursor,
	})
}

// orgCodesByID returns a code lookup for attributing cross-org rows.
func (srv *Server) orgCodesByID(r *http.Request) (map[uuid.UUID]string, error) {
	orgs, err := srv.store.ListOrgs(r.Context(), true)
	if err != nil {
		return nil, err
	}
	codes := make(map[uuid.UUID]string, len(orgs))
	for _, o := range orgs {
		codes[o.ID] = o.Code
	}
	return codes, nil
}
