package model

import "fmt"

// Role is the capacity a caller acts in for one request, as asserted by
// the authentication collaborator.
type Role string

const (
	RoleBuyer  Role = "BUYER"
	RoleSeller Role = "SELLER"
	RoleAdmin  Role = "ADMIN"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleBuyer, RoleSeller, RoleAdmin:
		return r, nil
	}
	return "", Forbidden("unknown role %q", s)
}

// Caller is the identity attached to every inbound operation.
type Caller struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

func (c Caller) String() string { return fmt.Sprintf("%s(%s)", c.UserID, c.Role) }
