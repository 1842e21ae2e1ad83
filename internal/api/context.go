// ABOUTME: Request context key types and constants for the api package.
// ABOUTME: Used by middleware to inject auth state and by handlers to read it.
package api

type contextKey int

const (
	ctxUserID     contextKey = iota // uuid.UUID — authenticated user
	ctxUser                         // *store.User — loaded user row (set by the org middleware)
	ctxOrg                          // *store.Organization — resolved acting organization
	ctxMembership                   // *store.Membership — active membership, nil for superuser/oversight/API-key access
	ctxRole                         // Role — effective role inside the acting organization
	ctxAPIKey                       // *store.APIKey — set when the request authenticated with an API key
	ctxClientIP                     // string — client IP address for rate limiting
)
