// ABOUTME: Store methods for needs assessments: draft, submit, bulk publish.
// ABOUTME: Sector tags are a text[] column; free-form findings ride a jsonb payload.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"
)

// Assessment status values. Transitions are draft -> submitted -> published.
const (
	AssessmentDraft     = "draft"
	AssessmentSubmitted = "submitted"
	AssessmentPublished = "published"
)

// NeedsAssessment is a field assessment of a community's needs.
type NeedsAssessment struct {
	ID          uuid.UUID
	OrgID       uuid.UUID
	CommunityID uuid.NullUUID
	Title       string
	Sectors     pq.StringArray
	Status      string
	Payload     pqtype.NullRawMessage
	AssessedOn  sql.NullTime
	CreatedBy   uuid.NullUUID
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const assessmentColumns = `id, org_id, community_id, title, sectors, status, payload, assessed_on, created_by, created_at, updated_at`

func (a *NeedsAssessment) scanFrom(row interface{ Scan(...any) error }) error {
	return row.Scan(
		&a.ID, &a.OrgID, &a.CommunityID, &a.Title, &a.Sectors, &a.Status,
		&a.Payload, &a.AssessedOn, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt,
	)
}

// CreateAssessmentParams holds the caller-supplied fields for a new
// assessment. The owning org always comes from the scope; callers link a
// community only after confirming it resolves in the same scope.
type CreateAssessmentParams struct {
	CommunityID uuid.NullUUID
	Title       string
	Sectors     []string
	Payload     pqtype.NullRawMessage
	AssessedOn  sql.NullTime
	CreatedBy   uuid.NullUUID
}

// CreateAssessment inserts a draft assessment stamped with the scope's org.
func (r *Records) CreateAssessment(ctx context.Context, p CreateAssessmentParams) (*NeedsAssessment, error) {
	orgID, err := r.sc.owner()
	if err != nil {
		return nil, err
	}
	sectors := p.Sectors
	if sectors == nil {
		sectors = []string{}
	}
	query, args, err := psql.Insert("needs_assessments").
		Columns("org_id", "community_id", "title", "sectors", "payload", "assessed_on", "created_by").
		Values(orgID, p.CommunityID, p.Title, pq.StringArray(sectors), p.Payload, p.AssessedOn, p.CreatedBy).
		Suffix("RETURNING " + assessmentColumns).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("create assessment: build query: %w", err)
	}
	var a NeedsAssessment
	if err := a.scanFrom(r.s.db.QueryRowContext(ctx, query, args...)); err != nil {
		return nil, fmt.Errorf("create assessment: %w", err)
	}
	return &a, nil
}

// GetAssessment returns the assessment with the given ID, or (nil, nil) if
// it does not exist in the scope.
func (r *Records) GetAssessment(ctx context.Context, id uuid.UUID) (*NeedsAssessment, error) {
	query, args, err := r.sc.where(
		psql.Select(assessmentColumns).From("needs_assessments").Where(sq.Eq{"id": id}),
		"org_id",
	).ToSql()
	if err != nil {
		return nil, fmt.Errorf("get assessment: build query: %w", err)
	}
	var a NeedsAssessment
	if err := a.scanFrom(r.s.db.QueryRowContext(ctx, query, args...)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get assessment: %w", err)
	}
	return &a, nil
}

// ListAssessments returns a page of assessments ordered by created_at DESC,
// id DESC. Caller passes limit+1 to detect whether a next page exists.
// status and communityID, when non-nil, narrow the page.
func (r *Records) ListAssessments(ctx context.Context, status *string, communityID *uuid.UUID, afterTime *time.Time, afterID *uuid.UUID, limit int) ([]NeedsAssessment, error) {
	sb := r.sc.where(psql.Select(assessmentColumns).From("needs_assessments"), "org_id").
		OrderBy("created_at DESC, id DESC").
		Limit(uint64(limit)) //nolint:gosec // G115: limit validated by caller

	if status != nil {
		sb = sb.Where(sq.Eq{"status": *status})
	}
	if communityID != nil {
		sb = sb.Where(sq.Eq{"community_id": *communityID})
	}
	if afterTime != nil && afterID != nil {
		sb = sb.Where("(created_at, id) < (?, ?)", *afterTime, *afterID)
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list assessments: build query: %w", err)
	}
	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []NeedsAssessment
	for rows.Next() {
		var a NeedsAssessment
		if err := a.scanFrom(rows); err != nil {
			return nil, fmt.Errorf("list assessments: scan: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// UpdateAssessmentParams holds the mutable assessment fields. Nil leaves a
// field unchanged. Status moves through SubmitAssessment and
// PublishAssessments, never here.
type UpdateAssessmentParams struct {
	CommunityID *uuid.NullUUID
	Title       *string
	Sectors     *[]string
	Payload     *pqtype.NullRawMessage
	AssessedOn  *sql.NullTime
}

// UpdateAssessment applies p to a draft assessment. Returns (nil, nil) when
// the assessment is not in the scope or is past draft.
func (r *Records) UpdateAssessment(ctx context.Context, id uuid.UUID, p UpdateAssessmentParams) (*NeedsAssessment, error) {
	ub := r.sc.whereUpdate(
		psql.Update("needs_assessments").
			Set("updated_at", sq.Expr("now()")).
			Where(sq.Eq{"id": id, "status": AssessmentDraft}),
		"org_id",
	)
	if p.CommunityID != nil {
		ub = ub.Set("community_id", *p.CommunityID)
	}
	if p.Title != nil {
		ub = ub.Set("title", *p.Title)
	}
	if p.Sectors != nil {
		ub = ub.Set("sectors", pq.StringArray(*p.Sectors))
	}
	if p.Payload != nil {
		ub = ub.Set("payload", *p.Payload)
	}
	if p.AssessedOn != nil {
		ub = ub.Set("assessed_on", *p.AssessedOn)
	}
	query, args, err := ub.Suffix("RETURNING " + assessmentColumns).ToSql()
	if err != nil {
		return nil, fmt.Errorf("update assessment: build query: %w", err)
	}
	var a NeedsAssessment
	if err := a.scanFrom(r.s.db.QueryRowContext(ctx, query, args...)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("update assessment: %w", err)
	}
	return &a, nil
}

// SubmitAssessment moves a draft to submitted. Returns (nil, nil) when the
// assessment is not in the scope or not a draft.
func (r *Records) SubmitAssessment(ctx context.Context, id uuid.UUID) (*NeedsAssessment, error) {
	query, args, err := r.sc.whereUpdate(
		psql.Update("needs_assessments").
			Set("status", AssessmentSubmitted).
			Set("updated_at", sq.Expr("now()")).
			Where(sq.Eq{"id": id, "status": AssessmentDraft}),
		"org_id",
	).Suffix("RETURNING " + assessmentColumns).ToSql()
	if err != nil {
		return nil, fmt.Errorf("submit assessment: build query: %w", err)
	}
	var a NeedsAssessment
	if err := a.scanFrom(r.s.db.QueryRowContext(ctx, query, args...)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("submit assessment: %w", err)
	}
	return &a, nil
}

// PublishAssessments moves the given submitted assessments to published in
// one statement and returns the number published. IDs outside the scope (or
// not submitted) are skipped, not errors.
func (r *Records) PublishAssessments(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := r.sc.whereUpdate(
		psql.Update("needs_assessments").
			Set("status", AssessmentPublished).
			Set("updated_at", sq.Expr("now()")).
			Where(sq.Eq{"id": ids, "status": AssessmentSubmitted}),
		"org_id",
	).ToSql()
	if err != nil {
		return 0, fmt.Errorf("publish assessments: build query: %w", err)
	}
	res, err := r.s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("publish assessments: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("publish assessments: rows affected: %w", err)
	}
	return n, nil
}

// DeleteAssessment removes a draft assessment. Returns the number of rows
// deleted; submitted and published assessments are kept for the record.
func (r *Records) DeleteAssessment(ctx context.Context, id uuid.UUID) (int64, error) {
	query, args, err := r.sc.whereDelete(
		psql.Delete("needs_assessments").Where(sq.Eq{"id": id, "status": AssessmentDraft}),
		"org_id",
	).ToSql()
	if err != nil {
		return 0, fmt.Errorf("delete assessment: build query: %w", err)
	}
	res, err := r.s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete assessment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete assessment: rows affected: %w", err)
	}
	return n, nil
}

// CountAssessments returns the number of assessments in the scope, optionally
// narrowed to one status.
func (r *Records) CountAssessments(ctx context.Context, status *string) (int64, error) {
	sb := r.sc.where(psql.Select("COUNT(*)").From("needs_assessments"), "org_id")
	if status != nil {
		sb = sb.Where(sq.Eq{"status": *status})
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return 0, fmt.Errorf("count assessments: build query: %w", err)
	}
	var n int64
	if err := r.s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count assessments: %w", err)
	}
	return n, nil
}
