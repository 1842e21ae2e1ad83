// ABOUTME: HTTP handlers for budget proposals: CRUD, submit, decide, totals.
// ABOUTME: Amounts stay decimal strings end to end; money never rides a float.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/saimambayao/obcms-sub002/internal/store"
)

// amountPattern matches a non-negative decimal with at most two fraction
// digits, the shape of the numeric(14,2) amount columns.
var amountPattern = regexp.MustCompile(`^\d{1,12}(\.\d{1,2})?$`)

// ── Request / response types ──────────────────────────────────────────────────

type lineItemBody struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Amount      string `json:"amount"`
}

type createBudgetBody struct {
	Title      string         `json:"title"`
	FiscalYear int32          `json:"fiscal_year"`
	Amount     string         `json:"amount"`
	LineItems  []lineItemBody `json:"line_items"`
}

type patchBudgetBody struct {
	Title      *string         `json:"title"`
	FiscalYear *int32          `json:"fiscal_year"`
	Amount     *string         `json:"amount"`
	LineItems  *[]lineItemBody `json:"line_items"`
}

type decideBudgetBody struct {
	Decision string `json:"decision"` // "approve" or "reject"
}

type budgetEntry struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	FiscalYear  int32          `json:"fiscal_year"`
	Amount      string         `json:"amount"`
	Status      string         `json:"status"`
	LineItems   []lineItemBody `json:"line_items"`
	SubmittedAt string         `json:"submitted_at,omitempty"`
	DecidedBy   *string        `json:"decided_by,omitempty"`
	DecidedAt   string         `json:"decided_at,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

type budgetListResponse struct {
	Items      []budgetEntry `json:"items"`
	NextCursor *string       `json:"next_cursor,omitempty"`
}

func budgetToEntry(b store.BudgetProposal) (budgetEntry, error) {
	items, err := b.DecodedLineItems()
	if err != nil {
		return budgetEntry{}, err
	}
	e := budgetEntry{
		ID:         b.ID.String(),
		Title:      b.Title,
		FiscalYear: b.FiscalYear,
		Amount:     b.Amount,
		Status:     b.Status,
		LineItems:  make([]lineItemBody, 0, len(items)),
		CreatedAt:  b.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  b.UpdatedAt.Format(time.RFC3339),
	}
	for _, it := range items {
		e.LineItems = append(e.LineItems, lineItemBody(it))
	}
	if b.SubmittedAt.Valid {
		e.SubmittedAt = b.SubmittedAt.Time.Format(time.RFC3339)
	}
	if b.DecidedBy.Valid {
		s := b.DecidedBy.UUID.String()
		e.DecidedBy = &s
	}
	if b.DecidedAt.Valid {
		e.DecidedAt = b.DecidedAt.Time.Format(time.RFC3339)
	}
	return e, nil
}

func (srv *Server) writeBudget(w http.ResponseWriter, r *http.Request, status int, b store.BudgetProposal) {
	e, err := budgetToEntry(b)
	if err != nil {
		slog.ErrorContext(r.Context(), "decode budget line items", "budget_id", b.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, status, e)
}

func validateLineItems(items []lineItemBody) ([]store.LineItem, string) {
	out := make([]store.LineItem, 0, len(items))
	for _, it := range items {
		if strings.TrimSpace(it.Category) == "" {
			return nil, "line item category is required"
		}
		if !amountPattern.MatchString(it.Amount) {
			return nil, "line item amount must be a decimal with at most two fraction digits"
		}
		out = append(out, store.LineItem{
			Category:    strings.TrimSpace(it.Category),
			Description: strings.TrimSpace(it.Description),
			Amount:      it.Amount,
		})
	}
	return out, ""
}

func validFiscalYear(y int32) bool { return y >= 2000 && y <= 2100 }

func parseFiscalYear(s string) (int32, error) {
	y, err := strconv.ParseInt(s, 10, 32)
	if err != nil || !validFiscalYear(int32(y)) {
		return 0, fmt.Errorf("invalid fiscal year %q", s)
	}
	return int32(y), nil
}

// ── Handlers ──────────────────────────────────────────────────────────────────

// createBudgetHandler handles POST /api/v1/org/{org_code}/budgets.
// Requires staff+. New proposals start as drafts.
func (srv *Server) createBudgetHandler(w http.ResponseWriter, r *http.Request) {
	var req createBudgetBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}
	if !validFiscalYear(req.FiscalYear) {
		http.Error(w, "fiscal_year must be between 2000 and 2100", http.StatusBadRequest)
		return
	}
	if !amountPattern.MatchString(req.Amount) {
		http.Error(w, "amount must be a decimal with at most two fraction digits", http.StatusBadRequest)
		return
	}
	items, msg := validateLineItems(req.LineItems)
	if msg != "" {
		http.Error(w, msg, http.StatusUnprocessableEntity)
		return
	}

	b, err := srv.records(r).CreateBudget(r.Context(), store.CreateBudgetParams{
		Title:      strings.TrimSpace(req.Title),
		FiscalYear: req.FiscalYear,
		Amount:     req.Amount,
		LineItems:  items,
		CreatedBy:  createdBy(r),
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "create budget", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	srv.writeBudget(w, r, http.StatusCreated, *b)
}

// getBudgetHandler handles GET /api/v1/org/{org_code}/budgets/{id}.
func (srv *Server) getBudgetHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	b, err := srv.records(r).GetBudget(r.Context(), id)
	if err != nil {
		slog.ErrorContext(r.Context(), "get budget", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if b == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	srv.writeBudget(w, r, http.StatusOK, *b)
}

// listBudgetsHandler handles GET /api/v1/org/{org_code}/budgets.
// Optional status and fiscal_year filters; keyset pagination.
func (srv *Server) listBudgetsHandler(w http.ResponseWriter, r *http.Request) {
	const limit = 20
	q := r.URL.Query()

	var status *string
	if s := q.Get("status"); s != "" {
		switch s {
		case store.BudgetDraft, store.BudgetSubmitted, store.BudgetApproved, store.BudgetRejected:
			status = &s
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

	rows, err := srv.records(r).ListBudgets(r.Context(), status, fiscalYear, afterTime, afterID, limit+1)
	if err != nil {
		slog.ErrorContext(r.Context(), "list budgets", "error", err)
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

	entries := make([]budgetEntry, 0, len(rows))
	for _, b := range rows {
		e, err := budgetToEntry(b)
		if err != nil {
			slog.ErrorContext(r.Context(), "decode budget line items", "budget_id", b.ID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		entries = append(entries, e)
	}
	writeJSON(w, http.StatusOK, budgetListResponse{Items: entries, NextCursor: nextCursor})
}

// budgetNotDraft distinguishes "no such proposal" from "exists but past
// draft" after a draft-only store operation matched nothing.
func (srv *Server) budgetNotDraft(w http.ResponseWriter, r *http.Request, id uuid.UUID, msg string) {
	b, err := srv.records(r).GetBudget(r.Context(), id)
	if err != nil {
		slog.ErrorContext(r.Context(), "get budget", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if b == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, msg, http.StatusConflict)
}

// updateBudgetHandler handles PATCH /api/v1/org/{org_code}/budgets/{id}.
// Requires staff+. Only drafts can be edited.
func (srv *Server) updateBudgetHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	var req patchBudgetBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var p store.UpdateBudgetParams
	if req.Title != nil {
		if strings.TrimSpace(*req.Title) == "" {
			http.Error(w, "title cannot be empty", http.StatusBadRequest)
			return
		}
		t := strings.TrimSpace(*req.Title)
		p.Title = &t
	}
	if req.FiscalYear != nil {
		if !validFiscalYear(*req.FiscalYear) {
			http.Error(w, "fiscal_year must be between 2000 and 2100", http.StatusBadRequest)
			return
		}
		p.FiscalYear = req.FiscalYear
	}
	if req.Amount != nil {
		if !amountPattern.MatchString(*req.Amount) {
			http.Error(w, "amount must be a decimal with at most two fraction digits", http.StatusBadRequest)
			return
		}
		p.Amount = req.Amount
	}
	if req.LineItems != nil {
		items, msg := validateLineItems(*req.LineItems)
		if msg != "" {
			http.Error(w, msg, http.StatusUnprocessableEntity)
			return
		}
		p.LineItems = &items
	}

	b, err := srv.records(r).UpdateBudget(r.Context(), id, p)
	if err != nil {
		slog.ErrorContext(r.Context(), "update budget", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if b == nil {
		srv.budgetNotDraft(w, r, id, "only draft proposals can be edited")
		return
	}

	srv.writeBudget(w, r, http.StatusOK, *b)
}

// submitBudgetHandler handles POST /api/v1/org/{org_code}/budgets/{id}/submit.
// Requires manager+. Stamps the submission fingerprint; identical content
// already submitted in the org is rejected. Queues the org webhook.
func (srv *Server) submitBudgetHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	b, err := srv.records(r).SubmitBudget(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateSubmission) {
			http.Error(w, "an identical proposal was already submitted", http.StatusConflict)
			return
		}
		slog.ErrorContext(r.Context(), "submit budget", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if b == nil {
		srv.budgetNotDraft(w, r, id, "only draft proposals can be submitted")
		return
	}

	srv.enqueueWebhookEvent(r, "budget.submitted", map[string]any{
		"budget_id":   b.ID.String(),
		"title":       b.Title,
		"fiscal_year": b.FiscalYear,
		"amount":      b.Amount,
	})

	srv.writeBudget(w, r, http.StatusOK, *b)
}

// decideBudgetHandler handles POST /api/v1/org/{org_code}/budgets/{id}/decide.
// Approving or rejecting requires the can_approve_budget capability or the
// admin role; plain manager rank is not enough.
func (srv *Server) decideBudgetHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	callerID, ok := r.Context().Value(ctxUserID).(uuid.UUID)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req decideBudgetBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var approve bool
	switch req.Decision {
	case "approve":
		approve = true
	case "reject":
		approve = false
	default:
		http.Error(w, "decision must be approve or reject", http.StatusBadRequest)
		return
	}

	role, _ := r.Context().Value(ctxRole).(Role)
	membership, _ := r.Context().Value(ctxMembership).(*store.Membership)
	if role != RoleAdmin && (membership == nil || !membership.CanApproveBudget) {
		slog.WarnContext(r.Context(), "budget decision rejected",
			"user_id", callerID, "budget_id", id)
		http.Error(w, "budget decisions require the can_approve_budget capability", http.StatusForbidden)
		return
	}

	b, err := srv.records(r).DecideBudget(r.Context(), id, approve, callerID)
	if err != nil {
		slog.ErrorContext(r.Context(), "decide budget", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if b == nil {
		g, err := srv.records(r).GetBudget(r.Context(), id)
		if err != nil {
			slog.ErrorContext(r.Context(), "get budget", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if g == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "only submitted proposals can be decided", http.StatusConflict)
		return
	}

	slog.InfoContext(r.Context(), "budget decided",
		"budget_id", b.ID, "status", b.Status, "decided_by", callerID)

	srv.writeBudget(w, r, http.StatusOK, *b)
}

// deleteBudgetHandler handles DELETE /api/v1/org/{org_code}/budgets/{id}.
// Requires staff+. Only drafts can be deleted; anything past draft is part
// of the record.
func (srv *Server) deleteBudgetHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	n, err := srv.records(r).DeleteBudget(r.Context(), id)
	if err != nil {
		slog.ErrorContext(r.Context(), "delete budget", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if n == 0 {
		srv.budgetNotDraft(w, r, id, "only draft proposals can be deleted")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// budgetTotalRow is one (fiscal_year, status) aggregate in the totals response.
type budgetTotalRow struct {
	FiscalYear int32  `json:"fiscal_year"`
	Status     string `json:"status"`
	Total      string `json:"total"`
	Count      int64  `json:"count"`
}

// budgetTotalsHandler handles GET /api/v1/org/{org_code}/budgets/totals.
// Amounts grouped by fiscal year and status for the caller's org.
func (srv *Server) budgetTotalsHandler(w http.ResponseWriter, r *http.Request) {
	totals, err := srv.records(r).BudgetTotalsByFiscalYear(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "budget totals", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	rows := make([]budgetTotalRow, 0, len(totals))
	for _, t := range totals {
		rows = append(rows, budgetTotalRow(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"totals": rows})
}
