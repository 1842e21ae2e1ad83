// ABOUTME: Scope is the access path selector for tenant-owned tables.
// ABOUTME: Default path filters by organization; AllOrgs is the loud cross-tenant path.
package store

import (
	"context"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/saimambayao/obcms-sub002/internal/tenant"
)

// ErrOwnerlessRecord is returned when a tenant-owned record would be created
// with no organization to stamp on it: the scope is unfiltered and nothing
// supplied an owner. This is a programming error in the calling code path,
// never a condition to swallow.
var ErrOwnerlessRecord = errors.New("tenant-owned record created without an organization")

// Scope selects the access path for tenant-owned queries.
//
// The zero value is the unfiltered system scope used by background workers
// and CLI maintenance, which legitimately run outside any request. Request
// handlers never construct it directly: they derive their scope from the
// request context, and the org middleware guarantees that context carries
// an organization.
type Scope struct {
	orgID    uuid.UUID
	filtered bool
}

// OrgScope returns a scope filtered to a single organization.
func OrgScope(orgID uuid.UUID) Scope {
	return Scope{orgID: orgID, filtered: true}
}

// ScopeFromContext derives the scope from the acting organization on ctx.
// Without one (background jobs, CLI), the scope is unfiltered.
func ScopeFromContext(ctx context.Context) Scope {
	if id := tenant.OrgID(ctx); id != uuid.Nil {
		return OrgScope(id)
	}
	return Scope{}
}

// AllOrgs returns the privileged cross-organization scope. The name is the
// point: reading every tenant's rows must be a deliberate, greppable act,
// reserved for oversight and aggregation features. It can never create
// records (see Records create methods).
func AllOrgs() Scope {
	return Scope{}
}

// Filtered reports whether the scope restricts queries to one organization.
func (sc Scope) Filtered() bool { return sc.filtered }

// OrgID returns the scoping organization, or uuid.Nil for unfiltered scopes.
func (sc Scope) OrgID() uuid.UUID { return sc.orgID }

// where appends the organization filter for the named org_id column to a
// select builder. Unfiltered scopes pass the builder through untouched.
func (sc Scope) where(sb sq.SelectBuilder, col string) sq.SelectBuilder {
	if sc.filtered {
		return sb.Where(sq.Eq{col: sc.orgID})
	}
	return sb
}

// whereUpdate is the update-builder variant of where.
func (sc Scope) whereUpdate(ub sq.UpdateBuilder, col string) sq.UpdateBuilder {
	if sc.filtered {
		return ub.Where(sq.Eq{col: sc.orgID})
	}
	return ub
}

// whereDelete is the delete-builder variant of where.
func (sc Scope) whereDelete(db sq.DeleteBuilder, col string) sq.DeleteBuilder {
	if sc.filtered {
		return db.Where(sq.Eq{col: sc.orgID})
	}
	return db
}

// owner returns the organization to stamp on a new record. Creation through
// an unfiltered scope has no owner and fails loudly.
func (sc Scope) owner() (uuid.UUID, error) {
	if !sc.filtered {
		return uuid.Nil, ErrOwnerlessRecord
	}
	return sc.orgID, nil
}

// Records returns the tenant-owned record facade bound to sc. All community
// profile, needs assessment, and budget proposal queries go through it.
func (s *Store) Records(sc Scope) *Records {
	return &Records{s: s, sc: sc}
}

// Records is the only access path to tenant-owned tables. Its methods are
// defined in community.go, assessment.go, and budget.go; every one of them
// applies the bound Scope.
type Records struct {
	s  *Store
	sc Scope
}

// Scope returns the scope the facade was bound with.
func (r *Records) Scope() Scope { return r.sc }
