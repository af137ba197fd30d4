package rooms

// Role is a user's standing within a room.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	// RoleNone is reported for users with no membership row.
	RoleNone Role = ""
)

// CanManageBranches reports whether the role may delete branches or push
// into the main branch.
func CanManageBranches(role Role) bool {
	return role == RoleOwner || role == RoleAdmin
}

// CanRevert reports whether the role may hide commits. Reverting history
// is reserved for admins; ownership alone does not grant it.
func CanRevert(role Role) bool {
	return role == RoleAdmin
}

// Normalize maps arbitrary input onto a known role, defaulting to viewer.
func Normalize(value string) Role {
	switch Role(value) {
	case RoleOwner, RoleAdmin, RoleEditor, RoleViewer:
		return Role(value)
	default:
		return RoleViewer
	}
}
