// ABOUTME: Store methods for organizations, memberships, and invitations.
// ABOUTME: Organizations deactivate by status flip; nothing here hard-deletes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

// Organization status values. Deactivation is always a flip to inactive;
// there is no delete path.
const (
	OrgStatusActive   = "active"
	OrgStatusInactive = "inactive"
	OrgStatusPending  = "pending"
)

// Organization types.
const (
	OrgTypeMinistry = "ministry"
	OrgTypeOffice   = "office"
	OrgTypeAgency   = "agency"
)

// Module names as used in activation checks and API paths.
const (
	ModuleCommunities  = "communities"
	ModuleAssessments  = "assessments"
	ModuleBudgets      = "budgets"
	ModuleCoordination = "coordination"
)

// Membership status values.
const (
	MembershipActive  = "active"
	MembershipRevoked = "revoked"
)

const orgColumns = `id, code, name, org_type, status, pilot,
	module_communities, module_assessments, module_budgets, module_coordination,
	webhook_url, webhook_secret, settings, created_at, updated_at`

// Organization is one tenant: a ministry, office, or agency.
type Organization struct {
	ID      uuid.UUID
	Code    string
	Name    string
	OrgType string
	Status  string
	Pilot   bool

	ModuleCommunities  bool
	ModuleAssessments  bool
	ModuleBudgets      bool
	ModuleCoordination bool

	WebhookURL    sql.NullString
	WebhookSecret sql.NullString
	Settings      pqtype.NullRawMessage

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ModuleEnabled reports whether the named module is activated for the org.
// Unknown module names are disabled.
func (o *Organization) ModuleEnabled(module string) bool {
	switch module {
	case ModuleCommunities:
		return o.ModuleCommunities
	case ModuleAssessments:
		return o.ModuleAssessments
	case ModuleBudgets:
		return o.ModuleBudgets
	case ModuleCoordination:
		return o.ModuleCoordination
	default:
		return false
	}
}

func (o *Organization) scanFrom(row interface{ Scan(...any) error }) error {
	return row.Scan(
		&o.ID, &o.Code, &o.Name, &o.OrgType, &o.Status, &o.Pilot,
		&o.ModuleCommunities, &o.ModuleAssessments, &o.ModuleBudgets, &o.ModuleCoordination,
		&o.WebhookURL, &o.WebhookSecret, &o.Settings, &o.CreatedAt, &o.UpdatedAt,
	)
}

// Membership binds a user to an organization with a role and capabilities.
type Membership struct {
	ID               uuid.UUID
	OrgID            uuid.UUID
	UserID           uuid.UUID
	Role             string
	IsPrimary        bool
	CanApproveBudget bool
	Status           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

const membershipColumns = `id, org_id, user_id, role, is_primary, can_approve_budget, status, created_at, updated_at`

func (m *Membership) scanFrom(row interface{ Scan(...any) error }) error {
	return row.Scan(
		&m.ID, &m.OrgID, &m.UserID, &m.Role, &m.IsPrimary,
		&m.CanApproveBudget, &m.Status, &m.CreatedAt, &m.UpdatedAt,
	)
}

// CreateOrgParams holds the fields for creating an organization.
type CreateOrgParams struct {
	Code    string
	Name    string
	OrgType string
	Pilot   bool
}

// CreateOrg inserts a new active organization. Codes are stored uppercase;
// the caller normalizes before calling.
func (s *Store) CreateOrg(ctx context.Context, p CreateOrgParams) (*Organization, error) {
	query, args, err := psql.Insert("organizations").
		Columns("code", "name", "org_type", "pilot").
		Values(p.Code, p.Name, p.OrgType, p.Pilot).
		Suffix("RETURNING " + orgColumns).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("create org: build query: %w", err)
	}
	var o Organization
	if err := o.scanFrom(s.db.QueryRowContext(ctx, query, args...)); err != nil {
		return nil, fmt.Errorf("create org: %w", err)
	}
	return &o, nil
}

// GetOrgByID returns the organization regardless of status, or (nil, nil)
// if no such row exists.
func (s *Store) GetOrgByID(ctx context.Context, id uuid.UUID) (*Organization, error) {
	return s.getOrg(ctx, sq.Eq{"id": id})
}

// GetOrgByCode returns the organization with the given code regardless of
// status, or (nil, nil) if no such row exists. Callers that must not see
// inactive orgs (the org middleware) check Status themselves so that
// "unknown" and "inactive" produce one indistinguishable outcome.
func (s *Store) GetOrgByCode(ctx context.Context, code string) (*Organization, error) {
	return s.getOrg(ctx, sq.Eq{"code": code})
}

func (s *Store) getOrg(ctx context.Context, pred any) (*Organization, error) {
	query, args, err := psql.Select(orgColumns).From("organizations").Where(pred).ToSql()
	if err != nil {
		return nil, fmt.Errorf("get org: build query: %w", err)
	}
	var o Organization
	if err := o.scanFrom(s.db.QueryRowContext(ctx, query, args...)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get org: %w", err)
	}
	return &o, nil
}

// ListOrgs returns all organizations ordered by code. includeInactive=false
// restricts to status=active.
func (s *Store) ListOrgs(ctx context.Context, includeInactive bool) ([]Organization, error) {
	sb := psql.Select(orgColumns).From("organizations").OrderBy("code ASC")
	if !includeInactive {
		sb = sb.Where(sq.Eq{"status": OrgStatusActive})
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list orgs: build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orgs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []Organization
	for rows.Next() {
		var o Organization
		if err := o.scanFrom(rows); err != nil {
			return nil, fmt.Errorf("list orgs: scan: %w", err)
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// UpdateOrgParams holds the mutable organization fields. Nil pointers leave
// the current value unchanged. Code and status are immutable here: codes
// never change, status changes go through SetOrgStatus.
type UpdateOrgParams struct {
	Name               *string
	OrgType            *string
	Pilot              *bool
	ModuleCommunities  *bool
	ModuleAssessments  *bool
	ModuleBudgets      *bool
	ModuleCoordination *bool
	WebhookURL         *string
	WebhookSecret      *string
	Settings           *pqtype.NullRawMessage
}

// UpdateOrg applies p to the organization. Returns (nil, nil) if the org
// does not exist.
func (s *Store) UpdateOrg(ctx context.Context, id uuid.UUID, p UpdateOrgParams) (*Organization, error) {
	ub := psql.Update("organizations").Set("updated_at", sq.Expr("now()")).Where(sq.Eq{"id": id})
	if p.Name != nil {
		ub = ub.Set("name", *p.Name)
	}
	if p.OrgType != nil {
		ub = ub.Set("org_type", *p.OrgType)
	}
	if p.Pilot != nil {
		ub = ub.Set("pilot", *p.Pilot)
	}
	if p.ModuleCommunities != nil {
		ub = ub.Set("module_communities", *p.ModuleCommunities)
	}
	if p.ModuleAssessments != nil {
		ub = ub.Set("module_assessments", *p.ModuleAssessments)
	}
	if p.ModuleBudgets != nil {
		ub = ub.Set("module_budgets", *p.ModuleBudgets)
	}
	if p.ModuleCoordination != nil {
		ub = ub.Set("module_coordination", *p.ModuleCoordination)
	}
	if p.WebhookURL != nil {
		ub = ub.Set("webhook_url", nullString(p.WebhookURL))
	}
	if p.WebhookSecret != nil {
		ub = ub.Set("webhook_secret", nullString(p.WebhookSecret))
	}
	if p.Settings != nil {
		ub = ub.Set("settings", *p.Settings)
	}
	query, args, err := ub.Suffix("RETURNING " + orgColumns).ToSql()
	if err != nil {
		return nil, fmt.Errorf("update org: build query: %w", err)
	}
	var o Organization
	if err := o.scanFrom(s.db.QueryRowContext(ctx, query, args...)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("update org: %w", err)
	}
	return &o, nil
}

// SetOrgStatus flips the organization's status (deactivate/reactivate).
// Returns (nil, nil) if the org does not exist.
func (s *Store) SetOrgStatus(ctx context.Context, id uuid.UUID, status string) (*Organization, error) {
	query, args, err := psql.Update("organizations").
		Set("status", status).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING " + orgColumns).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("set org status: build query: %w", err)
	}
	var o Organization
	if err := o.scanFrom(s.db.QueryRowContext(ctx, query, args...)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("set org status: %w", err)
	}
	return &o, nil
}

// ── Memberships ───────────────────────────────────────────────────────────────

// CreateMembership inserts a membership. The first membership a user gets
// becomes their primary organization.
func (s *Store) CreateMembership(ctx context.Context, orgID, userID uuid.UUID, role string) (*Membership, error) {
	var m Membership
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var hasPrimary bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM memberships WHERE user_id = $1 AND is_primary)`,
			userID,
		).Scan(&hasPrimary); err != nil {
			return fmt.Errorf("check primary: %w", err)
		}
		query, args, err := psql.Insert("memberships").
			Columns("org_id", "user_id", "role", "is_primary").
			Values(orgID, userID, role, !hasPrimary).
			Suffix("RETURNING " + membershipColumns).
			ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		return m.scanFrom(tx.QueryRowContext(ctx, query, args...))
	})
	if err != nil {
		return nil, fmt.Errorf("create membership: %w", err)
	}
	return &m, nil
}

// GetMembership returns the membership row for (orgID, userID) regardless of
// status, or (nil, nil) when the user was never a member. Access decisions
// must check Status == MembershipActive.
func (s *Store) GetMembership(ctx context.Context, orgID, userID uuid.UUID) (*Membership, error) {
	query, args, err := psql.Select(membershipColumns).
		From("memberships").
		Where(sq.Eq{"org_id": orgID, "user_id": userID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("get membership: build query: %w", err)
	}
	var m Membership
	if err := m.scanFrom(s.db.QueryRowContext(ctx, query, args...)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return &m, nil
}

// MemberRow is a membership joined with the member's user record.
type MemberRow struct {
	Membership
	Email       string
	DisplayName string
}

// ListOrgMembers returns all memberships in an org (including revoked ones,
// so admins can restore them) with user identity, ordered by creation time.
func (s *Store) ListOrgMembers(ctx context.Context, orgID uuid.UUID) ([]MemberRow, error) {
	query, args, err := psql.Select(
		"m.id, m.org_id, m.user_id, m.role, m.is_primary, m.can_approve_budget, m.status, m.created_at, m.updated_at",
		"u.email, u.display_name").
		From("memberships m").
		Join("users u ON u.id = m.user_id").
		Where(sq.Eq{"m.org_id": orgID}).
		OrderBy("m.created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("list org members: build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list org members: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []MemberRow
	for rows.Next() {
		var r MemberRow
		if err := rows.Scan(
			&r.ID, &r.OrgID, &r.UserID, &r.Role, &r.IsPrimary,
			&r.CanApproveBudget, &r.Status, &r.CreatedAt, &r.UpdatedAt,
			&r.Email, &r.DisplayName,
		); err != nil {
			return nil, fmt.Errorf("list org members: scan: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// UserOrg is one organization a user can act in, for the selection step.
type UserOrg struct {
	Organization
	Role      string
	IsPrimary bool
}

// ListUserOrgs returns the active organizations the user holds an active
// membership in, primary first. This intentionally reads across
// organizations: it answers "where may this user act", which is the one
// pre-resolution question that cannot be org-scoped.
func (s *Store) ListUserOrgs(ctx context.Context, userID uuid.UUID) ([]UserOrg, error) {
	query, args, err := psql.Select(
		"o.id, o.code, o.name, o.org_type, o.status, o.pilot",
		"o.module_communities, o.module_assessments, o.module_budgets, o.module_coordination",
		"o.webhook_url, o.webhook_secret, o.settings, o.created_at, o.updated_at",
		"m.role, m.is_primary").
		From("memberships m").
		Join("organizations o ON o.id = m.org_id").
		Where(sq.Eq{"m.user_id": userID, "m.status": MembershipActive, "o.status": OrgStatusActive}).
		OrderBy("m.is_primary DESC, o.code ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("list user orgs: build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list user orgs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []UserOrg
	for rows.Next() {
		var r UserOrg
		if err := rows.Scan(
			&r.ID, &r.Code, &r.Name, &r.OrgType, &r.Status, &r.Pilot,
			&r.ModuleCommunities, &r.ModuleAssessments, &r.ModuleBudgets, &r.ModuleCoordination,
			&r.WebhookURL, &r.WebhookSecret, &r.Settings, &r.CreatedAt, &r.UpdatedAt,
			&r.Role, &r.IsPrimary,
		); err != nil {
			return nil, fmt.Errorf("list user orgs: scan: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// UpdateMembershipParams holds the mutable membership fields. Nil leaves a
// field unchanged.
type UpdateMembershipParams struct {
	Role             *string
	CanApproveBudget *bool
}

// UpdateMembership applies p to the membership for (orgID, userID).
// Returns (nil, nil) if no such membership exists.
func (s *Store) UpdateMembership(ctx context.Context, orgID, userID uuid.UUID, p UpdateMembershipParams) (*Membership, error) {
	ub := psql.Update("memberships").
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"org_id": orgID, "user_id": userID})
	if p.Role != nil {
		ub = ub.Set("role", *p.Role)
	}
	if p.CanApproveBudget != nil {
		ub = ub.Set("can_approve_budget", *p.CanApproveBudget)
	}
	query, args, err := ub.Suffix("RETURNING " + membershipColumns).ToSql()
	if err != nil {
		return nil, fmt.Errorf("update membership: build query: %w", err)
	}
	var m Membership
	if err := m.scanFrom(s.db.QueryRowContext(ctx, query, args...)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("update membership: %w", err)
	}
	return &m, nil
}

// SetMembershipStatus revokes or restores a membership. Revocation clears
// is_primary so the partial unique index never blocks a future primary.
// Returns (nil, nil) if no such membership exists.
func (s *Store) SetMembershipStatus(ctx context.Context, orgID, userID uuid.UUID, status string) (*Membership, error) {
	ub := psql.Update("memberships").
		Set("status", status).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"org_id": orgID, "user_id": userID})
	if status == MembershipRevoked {
		ub = ub.Set("is_primary", false)
	}
	query, args, err := ub.Suffix("RETURNING " + membershipColumns).ToSql()
	if err != nil {
		return nil, fmt.Errorf("set membership status: build query: %w", err)
	}
	var m Membership
	if err := m.scanFrom(s.db.QueryRowContext(ctx, query, args...)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("set membership status: %w", err)
	}
	return &m, nil
}

// SetPrimaryOrg makes orgID the user's primary organization. The user must
// hold an active membership there. Runs in a transaction: the old primary is
// cleared first to satisfy the one-primary-per-user unique index.
func (s *Store) SetPrimaryOrg(ctx context.Context, userID, orgID uuid.UUID) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE memberships SET is_primary = false, updated_at = now() WHERE user_id = $1 AND is_primary`,
			userID,
		); err != nil {
			return fmt.Errorf("clear primary: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE memberships SET is_primary = true, updated_at = now()
			 WHERE user_id = $1 AND org_id = $2 AND status = 'active'`,
			userID, orgID,
		)
		if err != nil {
			return fmt.Errorf("set primary: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set primary org: %w", err)
	}
	return nil
}

// ── Invitations ───────────────────────────────────────────────────────────────

// Invitation is a pending offer of membership, redeemed by token.
type Invitation struct {
	ID         uuid.UUID
	OrgID      uuid.UUID
	Email      string
	Role       string
	TokenHash  string
	InvitedBy  uuid.UUID
	ExpiresAt  time.Time
	AcceptedAt sql.NullTime
	CreatedAt  time.Time
}

const invitationColumns = `id, org_id, email, role, token_hash, invited_by, expires_at, accepted_at, created_at`

func (inv *Invitation) scanFrom(row interface{ Scan(...any) error }) error {
	return row.Scan(
		&inv.ID, &inv.OrgID, &inv.Email, &inv.Role, &inv.TokenHash,
		&inv.InvitedBy, &inv.ExpiresAt, &inv.AcceptedAt, &inv.CreatedAt,
	)
}

// CreateInvitation inserts a pending invitation. tokenHash is sha256(raw
// token); the raw token leaves the system only in the invitation email.
func (s *Store) CreateInvitation(ctx context.Context, orgID uuid.UUID, email, role, tokenHash string, invitedBy uuid.UUID, expiresAt time.Time) (*Invitation, error) {
	query, args, err := psql.Insert("invitations").
		Columns("org_id", "email", "role", "token_hash", "invited_by", "expires_at").
		Values(orgID, email, role, tokenHash, invitedBy, expiresAt).
		Suffix("RETURNING " + invitationColumns).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("create invitation: build query: %w", err)
	}
	var inv Invitation
	if err := inv.scanFrom(s.db.QueryRowContext(ctx, query, args...)); err != nil {
		return nil, fmt.Errorf("create invitation: %w", err)
	}
	return &inv, nil
}

// GetInvitationByTokenHash returns the invitation matching tokenHash, or
// (nil, nil) if none exists. Expiry and accepted_at checks are the caller's.
func (s *Store) GetInvitationByTokenHash(ctx context.Context, tokenHash string) (*Invitation, error) {
	query, args, err := psql.Select(invitationColumns).
		From("invitations").
		Where(sq.Eq{"token_hash": tokenHash}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("get invitation: build query: %w", err)
	}
	var inv Invitation
	if err := inv.scanFrom(s.db.QueryRowContext(ctx, query, args...)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get invitation: %w", err)
	}
	return &inv, nil
}

// ListOrgInvitations returns unaccepted, unexpired invitations for an org.
func (s *Store) ListOrgInvitations(ctx context.Context, orgID uuid.UUID) ([]Invitation, error) {
	query, args, err := psql.Select(invitationColumns).
		From("invitations").
		Where(sq.Eq{"org_id": orgID}).
		Where("accepted_at IS NULL").
		Where("expires_at > now()").
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("list invitations: build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []Invitation
	for rows.Next() {
		var inv Invitation
		if err := inv.scanFrom(rows); err != nil {
			return nil, fmt.Errorf("list invitations: scan: %w", err)
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

// DeleteInvitation removes a pending invitation. The org filter keeps one
// org's admins from cancelling another org's invitations; accepted
// invitations stay as the membership's provenance record.
func (s *Store) DeleteInvitation(ctx context.Context, orgID, invID uuid.UUID) (int64, error) {
	query, args, err := psql.Delete("invitations").
		Where(sq.Eq{"id": invID, "org_id": orgID}).
		Where("accepted_at IS NULL").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("delete invitation: build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete invitation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete invitation: rows affected: %w", err)
	}
	return n, nil
}

// AcceptInvitation marks the invitation accepted and creates (or restores)
// the membership in one transaction.
func (s *Store) AcceptInvitation(ctx context.Context, invID, userID uuid.UUID) (*Membership, error) {
	var m Membership
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var orgID uuid.UUID
		var role string
		if err := tx.QueryRowContext(ctx,
			`UPDATE invitations SET accepted_at = now()
			 WHERE id = $1 AND accepted_at IS NULL AND expires_at > now()
			 RETURNING org_id, role`,
			invID,
		).Scan(&orgID, &role); err != nil {
			return fmt.Errorf("accept invitation: %w", err)
		}

		var hasPrimary bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM memberships WHERE user_id = $1 AND is_primary)`,
			userID,
		).Scan(&hasPrimary); err != nil {
			return fmt.Errorf("check primary: %w", err)
		}

		// A previously revoked member rejoining gets their row restored.
		return m.scanFrom(tx.QueryRowContext(ctx,
			`INSERT INTO memberships (org_id, user_id, role, is_primary)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (org_id, user_id) DO UPDATE
			   SET role = EXCLUDED.role, status = 'active', updated_at = now()
			 RETURNING `+membershipColumns,
			orgID, userID, role, !hasPrimary,
		))
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}
