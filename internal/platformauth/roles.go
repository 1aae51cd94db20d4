package platformauth

import "strings"

// Role is an ordered privilege level.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

var roleRank = map[Role]int{
	RoleViewer: 1,
	RoleMember: 2,
	RoleAdmin:  3,
	RoleOwner:  4,
}

func ParseRole(raw string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := roleRank[r]
	return r, ok
}

func (r Role) Rank() int {
	return roleRank[r]
}

func (r Role) AtLeast(min Role) bool {
	return r.Rank() >= min.Rank() && r.Rank() > 0
}

// Elevated roles may use the engine owner session as a fallback and are
// exempt from webhook workspace checks.
func (r Role) Elevated() bool {
	return r.AtLeast(RoleAdmin)
}
