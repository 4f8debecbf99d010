package model

// Role is the permission level attached to an API token.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleDeployer Role = "deployer"
	RoleViewer   Role = "viewer"
)

var roleRank = map[Role]int{
	RoleViewer:   0,
	RoleDeployer: 1,
	RoleAdmin:    2,
}

// Allows reports whether r satisfies the required role. Unknown roles
// satisfy nothing.
func (r Role) Allows(required Role) bool {
	have, ok := roleRank[r]
	if !ok {
		return false
	}
	want, ok := roleRank[required]
	if !ok {
		return false
	}
	return have >= want
}
