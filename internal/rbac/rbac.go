// Package rbac defines the role and permission model for profiles.
//
// Permission sets are derived from the role exactly once, when the profile
// is created, and stored on the profile. There is no grant/revoke or
// role-change path, so a stored permission set never drifts back in sync
// with the role; callers must check the stored set, not the role.
package rbac

type Role string
type Permission string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RolePresales Role = "presales"
	RoleViewer   Role = "viewer"
)

const (
	PermRead        Permission = "read"
	PermWrite       Permission = "write"
	PermDelete      Permission = "delete"
	PermApprove     Permission = "approve"
	PermManageUsers Permission = "manage_users"
)

// DefaultPermissions maps a role to its initial permission set.
func DefaultPermissions(role Role) []string {
	switch role {
	case RoleAdmin:
		return []string{"read", "write", "delete", "approve", "manage_users"}
	case RoleManager:
		return []string{"read", "write", "approve"}
	default:
		return []string{"read", "write"}
	}
}

// Has reports whether a stored permission set contains the permission.
func Has(permissions []string, permission Permission) bool {
	for _, p := range permissions {
		if p == string(permission) {
			return true
		}
	}
	return false
}

// ValidRole reports whether the role is one of the four known roles.
func ValidRole(role string) bool {
	switch Role(role) {
	case RoleAdmin, RoleManager, RolePresales, RoleViewer:
		return true
	default:
		return false
	}
}
