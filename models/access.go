package models

// Role is a caller's role within a team.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

func (r Role) rank() int {
	switch r {
	case RoleOwner:
		return 4
	case RoleAdmin:
		return 3
	case RoleEditor:
		return 2
	case RoleViewer:
		return 1
	}
	return 0
}

// AtLeast reports whether r grants at least the permissions of min.
func (r Role) AtLeast(min Role) bool {
	return r.rank() >= min.rank() && r.rank() > 0
}

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	// Teams maps team ID to the caller's role in it.
	Teams map[string]Role
}

// TeamIDs returns the teams the principal belongs to.
func (p *Principal) TeamIDs() []string {
	ids := make([]string, 0, len(p.Teams))
	for id := range p.Teams {
		ids = append(ids, id)
	}
	return ids
}

// Access levels for prototype operations.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessDelete
)

// Can reports whether the principal may perform an operation of the given
// access level on the prototype. Personal prototypes are only accessible to
// their creator; team prototypes follow the caller's team role.
func (p *Principal) Can(proto *Prototype, access Access) bool {
	if p == nil || proto == nil {
		return false
	}
	if proto.TeamID == "" {
		return proto.CreatedBy == p.UserID
	}
	role := p.Teams[proto.TeamID]
	switch access {
	case AccessRead:
		return role.AtLeast(RoleViewer)
	case AccessWrite:
		return role.AtLeast(RoleEditor)
	case AccessDelete:
		return role.AtLeast(RoleAdmin) || (proto.CreatedBy == p.UserID && role.AtLeast(RoleEditor))
	}
	return false
}
