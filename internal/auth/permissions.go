package auth

// Permission represents a named capability of the admin API.
type Permission string

// Permission constants.
const (
	PermNodeRead    Permission = "node:read"
	PermNodeOperate Permission = "node:operate"
	PermNodeRemove  Permission = "node:remove"
	PermDriverRead  Permission = "driver:read"
	PermSystemAdmin Permission = "system:admin"
)

// rolePermissions maps each role to its granted permissions.
// This is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermNodeRead,
		PermDriverRead,
	},
	RoleOperator: {
		PermNodeRead,
		PermNodeOperate,
		PermDriverRead,
	},
	RoleAdmin: {
		PermNodeRead,
		PermNodeOperate,
		PermNodeRemove,
		PermDriverRead,
		PermSystemAdmin,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// PermissionsForRole returns all permissions granted to a role.
// Returns nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	perms := rolePermissions[role]
	if perms == nil {
		return nil
	}
	result := make([]Permission, len(perms))
	copy(result, perms)
	return result
}
