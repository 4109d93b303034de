package domain

import "fmt"

// Role is the closed set of user roles carried in access tokens.
type Role int

const (
	RoleUser Role = iota
	RoleManager
	RoleAdmin
)

// String returns the wire name of the role. Unknown values render as
// "Role(n)" and never as a valid role name.
func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleManager:
		return "manager"
	case RoleAdmin:
		return "admin"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Valid reports whether r is one of the declared roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleManager, RoleAdmin:
		return true
	default:
		return false
	}
}

// ParseRole maps a wire name to a Role. The empty string is RoleUser.
func ParseRole(s string) (Role, error) {
	switch s {
	case "", "user":
		return RoleUser, nil
	case "manager":
		return RoleManager, nil
	case "admin":
		return RoleAdmin, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}
