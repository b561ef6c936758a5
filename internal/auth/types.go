package auth

import (
	"errors"
	"regexp"
)

// subjectPattern defines the valid format for token subjects:
// alphanumeric, dots, hyphens, underscores, 1-64 characters.
var subjectPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// IsValidSubject checks if a token subject meets format requirements.
func IsValidSubject(subject string) bool {
	return subjectPattern.MatchString(subject)
}

// Role represents an authorisation tier for the admin API.
type Role string

const (
	// RoleViewer can inspect the device tree, drivers and the journal.
	RoleViewer Role = "viewer"

	// RoleOperator can additionally rescan subtrees and unbind idle drivers.
	RoleOperator Role = "operator"

	// RoleAdmin can force unbinds, remove nodes and evict unused drivers.
	RoleAdmin Role = "admin"
)

// ValidRoles lists all roles in ascending order of privilege.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole returns true if r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Sentinel errors for auth operations.
var (
	ErrTokenInvalid  = errors.New("invalid token")
	ErrForbidden     = errors.New("insufficient permissions")
	ErrInvalidRole   = errors.New("unknown role")
	ErrInvalidClaims = errors.New("invalid token subject")
)
