// ABOUTME: Store methods for budget proposals: draft, submit, approve or reject.
// ABOUTME: Submission computes a canonical fingerprint; duplicates within an org are rejected.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

// Budget proposal status values. Transitions are
// draft -> submitted -> approved | rejected.
const (
	BudgetDraft     = "draft"
	BudgetSubmitted = "submitted"
	BudgetApproved  = "approved"
	BudgetRejected  = "rejected"
)

// ErrDuplicateSubmission is returned when a proposal's submission fingerprint
// matches one already submitted in the same org.
var ErrDuplicateSubmission = errors.New("an identical proposal was already submitted")

// BudgetProposal is a funding request for one fiscal year. Amount is a
// decimal string; money never rides a float.
type BudgetProposal struct {
	ID             uuid.UUID
	OrgID          uuid.UUID
	Title          string
	FiscalYear     int32
	Amount         string
	Status         string
	LineItems      pqtype.NullRawMessage
	SubmissionHash sql.NullString
	SubmittedAt    sql.NullTime
	DecidedBy      uuid.NullUUID
	DecidedAt      sql.NullTime
	CreatedBy      uuid.NullUUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const budgetColumns = `id, org_id, title, fiscal_year, amount, status, line_items,
	submission_hash, submitted_at, decided_by, decided_at, created_by, created_at, updated_at`

func (b *BudgetProposal) scanFrom(row interface{ Scan(...any) error }) error {
	return row.Scan(
		&b.ID, &b.OrgID, &b.Title, &b.FiscalYear, &b.Amount, &b.Status, &b.LineItems,
		&b.SubmissionHash, &b.SubmittedAt, &b.DecidedBy, &b.DecidedAt,
		&b.CreatedBy, &b.CreatedAt, &b.UpdatedAt,
	)
}

// DecodedLineItems unmarshals the stored line items. A proposal without line
// items decodes to an empty slice.
func (b *BudgetProposal) DecodedLineItems() ([]LineItem, error) {
	if !b.LineItems.Valid {
		return []LineItem{}, nil
	}
	var items []LineItem
	if err := json.Unmarshal(b.LineItems.RawMessage, &items); err != nil {
		return nil, fmt.Errorf("decode line items: %w", err)
	}
	return items, nil
}

func encodeLineItems(items []LineItem) (pqtype.NullRawMessage, error) {
	if items == nil {
		items = []LineItem{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return pqtype.NullRawMessage{}, fmt.Errorf("encode line items: %w", err)
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}, nil
}

// CreateBudgetParams holds the caller-supplied fields for a new proposal.
// The owning org always comes from the scope.
type CreateBudgetParams struct {
	Title      string
	FiscalYear int32
	Amount     string
	LineItems  []LineItem
	CreatedBy  uuid.NullUUID
}

// CreateBudget inserts a draft proposal stamped with the scope's org.
func (r *Records) CreateBudget(ctx context.Context, p CreateBudgetParams) (*BudgetProposal, error) {
	orgID, err := r.sc.owner()
	if err != nil {
		return nil, err
	}
	items, err := encodeLineItems(p.LineItems)
	if err != nil {
		return nil, fmt.Errorf("create budget: %w", err)
	}
	query, args, err := psql.Insert("budget_proposals").
		Columns("org_id", "title", "fiscal_year", "amount", "line_items", "created_by").
		Values(orgID, p.Title, p.FiscalYear, p.Amount, items, p.CreatedBy).
		Suffix("RETURNING " + budgetColumns).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("create budget: build query: %w", err)
	}
	var b BudgetProposal
	if err := b.scanFrom(r.s.db.QueryRowContext(ctx, query, args...)); err != nil {
		return nil, fmt.Errorf("create budget: %w", err)
	}
	return &b, nil
}

// GetBudget returns the proposal with the given ID, or (nil, nil) if it does
// not exist in the scope.
func (r *Records) GetBudget(ctx context.Context, id uuid.UUID) (*BudgetProposal, error) {
	query, args, err := r.sc.where(
		psql.Select(budgetColumns).From("budget_proposals").Where(sq.Eq{"id": id}),
		"org_id",
	).ToSql()
	if err != nil {
		return nil, fmt.Errorf("get budget: build query: %w", err)
	}
	var b BudgetProposal
	if err := b.scanFrom(r.s.db.QueryRowContext(ctx, query, args...)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get budget: %w", err)
	}
	return &b, nil
}

// ListBudgets returns a page of proposals ordered by created_at DESC, id
// DESC. Caller passes limit+1 to detect whether a next page exists. status
// and fiscalYear, when non-nil, narrow the page.
func (r *Records) ListBudgets(ctx context.Context, status *string, fiscalYear *int32, afterTime *time.Time, afterID *uuid.UUID, limit int) ([]BudgetProposal, error) {
	sb := r.sc.where(psql.Select(budgetColumns).From("budget_proposals"), "org_id").
		OrderBy("created_at DESC, id DESC").
		Limit(uint64(limit)) //nolint:gosec // G115: limit validated by caller

	if status != nil {
		sb = sb.Where(sq.Eq{"status": *status})
	}
	if fiscalYear != nil {
		sb = sb.Where(sq.Eq{"fiscal_year": *fiscalYear})
	}
	if afterTime != nil && afterID != nil {
		sb = sb.Where("(created_at, id) < (?, ?)", *afterTime, *afterID)
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list budgets: build query: %w", err)
	}
	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []BudgetProposal
	for rows.Next() {
		var b BudgetProposal
		if err := b.scanFrom(rows); err != nil {
			return nil, fmt.Errorf("list budgets: scan: %w", err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// UpdateBudgetParams holds the mutable proposal fields. Nil leaves a field
// unchanged. Status moves through SubmitBudget and DecideBudget, never here.
type UpdateBudgetParams struct {
	Title      *string
	FiscalYear *int32
	Amount     *string
	LineItems  *[]LineItem
}

// UpdateBudget applies p to a draft proposal. Returns (nil, nil) when the
// proposal is not in the scope or is past draft.
func (r *Records) UpdateBudget(ctx context.Context, id uuid.UUID, p UpdateBudgetParams) (*BudgetProposal, error) {
	ub := r.sc.whereUpdate(
		psql.Update("budget_proposals").
			Set("updated_at", sq.Expr("now()")).
			Where(sq.Eq{"id": id, "status": BudgetDraft}),
		"org_id",
	)
	if p.Title != nil {
		ub = ub.Set("title", *p.Title)
	}
	if p.FiscalYear != nil {
		ub = ub.Set("fiscal_year", *p.FiscalYear)
	}
	if p.Amount != nil {
		ub = ub.Set("amount", *p.Amount)
	}
	if p.LineItems != nil {
		items, err := encodeLineItems(*p.LineItems)
		if err != nil {
			return nil, fmt.Errorf("update budget: %w", err)
		}
		ub = ub.Set("line_items", items)
	}
	query, args, err := ub.Suffix("RETURNING " + budgetColumns).ToSql()
	if err != nil {
		return nil, fmt.Errorf("update budget: build query: %w", err)
	}
	var b BudgetProposal
	if err := b.scanFrom(r.s.db.QueryRowContext(ctx, query, args...)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("update budget: %w", err)
	}
	return &b, nil
}

// SubmitBudget moves a draft to submitted, stamping the canonical submission
// fingerprint. Returns (nil, nil) when the proposal is not in the scope or
// not a draft, and ErrDuplicateSubmission when identical content was already
// submitted in the same org.
func (r *Records) SubmitBudget(ctx context.Context, id uuid.UUID) (*BudgetProposal, error) {
	var b BudgetProposal
	err := r.s.withTx(ctx, func(tx *sql.Tx) error {
		query, args, err := r.sc.where(
			psql.Select(budgetColumns).From("budget_proposals").
				Where(sq.Eq{"id": id, "status": BudgetDraft}).
				Suffix("FOR UPDATE"),
			"org_id",
		).ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		var cur BudgetProposal
		if err := cur.scanFrom(tx.QueryRowContext(ctx, query, args...)); err != nil {
			return err
		}

		items, err := cur.DecodedLineItems()
		if err != nil {
			return err
		}
		hash := SubmissionFingerprint(cur.Title, int(cur.FiscalYear), cur.Amount, items)

		return b.scanFrom(tx.QueryRowContext(ctx,
			`UPDATE budget_proposals
			 SET status = 'submitted', submission_hash = $2, submitted_at = now(), updated_at = now()
			 WHERE id = $1
			 RETURNING `+budgetColumns,
			cur.ID, hash,
		))
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if IsUniqueViolation(err) {
			return nil, ErrDuplicateSubmission
		}
		return nil, fmt.Errorf("submit budget: %w", err)
	}
	return &b, nil
}

// DecideBudget moves a submitted proposal to approved or rejected and records
// who decided. Returns (nil, nil) when the proposal is not in the scope or
// not submitted. The capability check (can_approve_budget) is the caller's.
func (r *Records) DecideBudget(ctx context.Context, id uuid.UUID, approve bool, decidedBy uuid.UUID) (*BudgetProposal, error) {
	status := BudgetRejected
	if approve {
		status = BudgetApproved
	}
	query, args, err := r.sc.whereUpdate(
		psql.Update("budget_proposals").
			Set("status", status).
			Set("decided_by", decidedBy).
			Set("decided_at", sq.Expr("now()")).
			Set("updated_at", sq.Expr("now()")).
			Where(sq.Eq{"id": id, "status": BudgetSubmitted}),
		"org_id",
	).Suffix("RETURNING " + budgetColumns).ToSql()
	if err != nil {
		return nil, fmt.Errorf("decide budget: build query: %w", err)
	}
	var b BudgetProposal
	if err := b.scanFrom(r.s.db.QueryRowContext(ctx, query, args...)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("decide budget: %w", err)
	}
	return &b, nil
}

// DeleteBudget removes a draft proposal. Returns the number of rows deleted;
// anything past draft is kept for the record.
func (r *Records) DeleteBudget(ctx context.Context, id uuid.UUID) (int64, error) {
	query, args, err := r.sc.whereDelete(
		psql.Delete("budget_proposals").Where(sq.Eq{"id": id, "status": BudgetDraft}),
		"org_id",
	).ToSql()
	if err != nil {
		return 0, fmt.Errorf("delete budget: build query: %w", err)
	}
	res, err := r.s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete budget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete budget: rows affected: %w", err)
	}
	return n, nil
}

// BudgetTotal is one (fiscal_year, status) aggregate row.
type BudgetTotal struct {
	FiscalYear int32
	Status     string
	Total      string
	Count      int64
}

// BudgetTotalsByFiscalYear aggregates proposal amounts grouped by fiscal year
// and status. Under an org scope the totals are that org's; under AllOrgs
// they are platform-wide.
func (r *Records) BudgetTotalsByFiscalYear(ctx context.Context) ([]BudgetTotal, error) {
	query, args, err := r.sc.where(
		psql.Select("fiscal_year", "status", "COALESCE(SUM(amount), 0)::text", "COUNT(*)").
			From("budget_proposals"),
		"org_id",
	).GroupBy("fiscal_year", "status").
		OrderBy("fiscal_year DESC, status ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("budget totals: build query: %w", err)
	}
	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("budget totals: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []BudgetTotal
	for rows.Next() {
		var t BudgetTotal
		if err := rows.Scan(&t.FiscalYear, &t.Status, &t.Total, &t.Count); err != nil {
			return nil, fmt.Errorf("budget totals: scan: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// CountBudgets returns the number of proposals in the scope, optionally
// narrowed to one status.
func (r *Records) CountBudgets(ctx context.Context, status *string) (int64, error) {
	sb := r.sc.where(psql.Select("COUNT(*)").From("budget_proposals"), "org_id")
	if status != nil {
		sb = sb.Where(sq.Eq{"status": *status})
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return 0, fmt.Errorf("count budgets: build query: %w", err)
	}
	var n int64
	if err := r.s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count budgets: %w", err)
	}
	return n, nil
}
