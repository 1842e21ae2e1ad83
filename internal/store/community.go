// ABOUTME: Store methods for community profiles, the simplest tenant-owned record.
// ABOUTME: All access goes through Records so the org filter and stamp are implicit.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// CommunityProfile is a registered community a ministry works with.
type CommunityProfile struct {
	ID             uuid.UUID
	OrgID          uuid.UUID
	Name           string
	Municipality   string
	Province       string
	HouseholdCount int32
	Notes          string
	CreatedBy      uuid.NullUUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const communityColumns = `id, org_id, name, municipality, province, household_count, notes, created_by, created_at, updated_at`

func (c *CommunityProfile) scanFrom(row interface{ Scan(...any) error }) error {
	return row.Scan(
		&c.ID, &c.OrgID, &c.Name, &c.Municipality, &c.Province,
		&c.HouseholdCount, &c.Notes, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt,
	)
}

// CreateCommunityParams holds the caller-supplied fields for a new profile.
// There is no org field: the owning org always comes from the scope.
type CreateCommunityParams struct {
	Name           string
	Municipality   string
	Province       string
	HouseholdCount int32
	Notes          string
	CreatedBy      uuid.NullUUID
}

// CreateCommunity inserts a profile stamped with the scope's org.
func (r *Records) CreateCommunity(ctx context.Context, p CreateCommunityParams) (*CommunityProfile, error) {
	orgID, err := r.sc.owner()
	if err != nil {
		return nil, err
	}
	query, args, err := psql.Insert("community_profiles").
		Columns("org_id", "name", "municipality", "province", "household_count", "notes", "created_by").
		Values(orgID, p.Name, p.Municipality, p.Province, p.HouseholdCount, p.Notes, p.CreatedBy).
		Suffix("RETURNING " + communityColumns).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("create community: build query: %w", err)
	}
	var c CommunityProfile
	if err := c.scanFrom(r.s.db.QueryRowContext(ctx, query, args...)); err != nil {
		return nil, fmt.Errorf("create community: %w", err)
	}
	return &c, nil
}

// GetCommunity returns the profile with the given ID, or (nil, nil) if it
// does not exist in the scope. Another org's profile is (nil, nil) too.
func (r *Records) GetCommunity(ctx context.Context, id uuid.UUID) (*CommunityProfile, error) {
	query, args, err := r.sc.where(
		psql.Select(communityColumns).From("community_profiles").Where(sq.Eq{"id": id}),
		"org_id",
	).ToSql()
	if err != nil {
		return nil, fmt.Errorf("get community: build query: %w", err)
	}
	var c CommunityProfile
	if err := c.scanFrom(r.s.db.QueryRowContext(ctx, query, args...)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get community: %w", err)
	}
	return &c, nil
}

// ListCommunities returns a page of profiles ordered by created_at DESC,
// id DESC. Caller passes limit+1 to detect whether a next page exists;
// afterTime and afterID are the cursor from the last item of the previous
// page. municipality, when non-nil, narrows the page.
func (r *Records) ListCommunities(ctx context.Context, municipality *string, afterTime *time.Time, afterID *uuid.UUID, limit int) ([]CommunityProfile, error) {
	sb := r.sc.where(psql.Select(communityColumns).From("community_profiles"), "org_id").
		OrderBy("created_at DESC, id DESC").
		Limit(uint64(limit)) //nolint:gosec // G115: limit validated by caller

	if municipality != nil {
		sb = sb.Where(sq.Eq{"municipality": *municipality})
	}
	if afterTime != nil && afterID != nil {
		sb = sb.Where("(created_at, id) < (?, ?)", *afterTime, *afterID)
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list communities: build query: %w", err)
	}
	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list communities: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []CommunityProfile
	for rows.Next() {
		var c CommunityProfile
		if err := c.scanFrom(rows); err != nil {
			return nil, fmt.Errorf("list communities: scan: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// UpdateCommunityParams holds the mutable profile fields. Nil leaves a field
// unchanged. The owning org is not among them.
type UpdateCommunityParams struct {
	Name           *string
	Municipality   *string
	Province       *string
	HouseholdCount *int32
	Notes          *string
}

// UpdateCommunity applies p to the profile. Returns (nil, nil) when the
// profile is not in the scope.
func (r *Records) UpdateCommunity(ctx context.Context, id uuid.UUID, p UpdateCommunityParams) (*CommunityProfile, error) {
	ub := r.sc.whereUpdate(
		psql.Update("community_profiles").Set("updated_at", sq.Expr("now()")).Where(sq.Eq{"id": id}),
		"org_id",
	)
	if p.Name != nil {
		ub = ub.Set("name", *p.Name)
	}
	if p.Municipality != nil {
		ub = ub.Set("municipality", *p.Municipality)
	}
	if p.Province != nil {
		ub = ub.Set("province", *p.Province)
	}
	if p.HouseholdCount != nil {
		ub = ub.Set("household_count", *p.HouseholdCount)
	}
	if p.Notes != nil {
		ub = ub.Set("notes", *p.Notes)
	}
	query, args, err := ub.Suffix("RETURNING " + communityColumns).ToSql()
	if err != nil {
		return nil, fmt.Errorf("update community: build query: %w", err)
	}
	var c CommunityProfile
	if err := c.scanFrom(r.s.db.QueryRowContext(ctx, query, args...)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("update community: %w", err)
	}
	return &c, nil
}

// DeleteCommunity removes the profile. Returns the number of rows deleted;
// 0 means the profile was not in the scope.
func (r *Records) DeleteCommunity(ctx context.Context, id uuid.UUID) (int64, error) {
	query, args, err := r.sc.whereDelete(
		psql.Delete("community_profiles").Where(sq.Eq{"id": id}),
		"org_id",
	).ToSql()
	if err != nil {
		return 0, fmt.Errorf("delete community: build query: %w", err)
	}
	res, err := r.s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete community: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete community: rows affected: %w", err)
	}
	return n, nil
}

// CountCommunities returns the number of profiles in the scope.
func (r *Records) CountCommunities(ctx context.Context) (int64, error) {
	query, args, err := r.sc.where(psql.Select("COUNT(*)").From("community_profiles"), "org_id").ToSql()
	if err != nil {
		return 0, fmt.Errorf("count communities: build query: %w", err)
	}
	var n int64
	if err := r.s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count communities: %w", err)
	}
	return n, nil
}
