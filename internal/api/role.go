// ABOUTME: RBAC Role type with ordered integer constants for permission comparison.
// ABOUTME: parseRole converts a string role name to a Role value.
package api

// Role represents an RBAC permission level. Higher integer values grant more permissions.
type Role int

// Role permission level constants, ordered from least to most privileged.
const (
	RoleViewer  Role = 1 // read-only access
	RoleStaff   Role = 2 // creates and edits records in enabled modules
	RoleManager Role = 3 // submits, publishes and manages API keys
	RoleAdmin   Role = 4 // org administrator: members, invitations, settings
)

// parseRole converts a role string from the database to a Role.
// Unknown or empty values map to RoleViewer (least privilege).
func parseRole(s string) Role {
	switch s {
	case "admin":
		return RoleAdmin
	case "manager":
		return RoleManager
	case "staff":
		return RoleStaff
	default:
		return RoleViewer
	}
}

// String returns the database spelling of the role.
func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleManager:
		return "manager"
	case RoleStaff:
		return "staff"
	default:
		return "viewer"
	}
}
