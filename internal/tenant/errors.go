// ABOUTME: Sentinel errors for organization resolution and access decisions.
// ABOUTME: The HTTP layer maps these to redirect/404/403; see middleware_org.go.
package tenant

import "errors"

var (
	// ErrNoActiveOrg: no source (path, session, configured default) produced
	// an organization code. The HTTP layer redirects to the selection step.
	ErrNoActiveOrg = errors.New("no active organization")

	// ErrOrgNotFound: the code does not name an active organization. Covers
	// both unknown and deactivated codes so a response can never reveal
	// whether a code ever existed.
	ErrOrgNotFound = errors.New("organization not found")

	// ErrNotAMember: the user has no active membership in the organization
	// and holds neither superuser nor oversight access. Responses are
	// indistinguishable from ErrOrgNotFound.
	ErrNotAMember = errors.New("no active membership in organization")

	// ErrReadOnly: an oversight-role user attempted a mutating method.
	ErrReadOnly = errors.New("oversight access is read-only")
)
