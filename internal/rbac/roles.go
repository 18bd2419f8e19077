package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator" // may schedule and force-start calls
	RoleViewer   = "viewer"   // read-only
)

func IsAdmin(role string) bool { return role == RoleAdmin }

// IsKnown reports whether role is one this service issues tokens for.
func IsKnown(role string) bool {
	switch role {
	case RoleAdmin, RoleOperator, RoleViewer:
		return true
	}
	return false
}
