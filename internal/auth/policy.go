package auth

// Action enumerates the operations gated by role or ownership. Keeping the
// decision in one place avoids the role checks drifting between routes.
type Action int

const (
	ActionListStudents Action = iota
	ActionDeleteStudent
	ActionToggleAdmin
	ActionSetAdminFlag
	ActionChangePassword
)

// Allowed reports whether the identity may perform action against the record
// owned by ownerUsername. Admin-only actions ignore ownership; ownership
// actions allow the owner or any admin.
func Allowed(claims *Claims, action Action, ownerUsername string) bool {
	if claims == nil {
		return false
	}
	switch action {
	case ActionListStudents, ActionDeleteStudent, ActionToggleAdmin, ActionSetAdminFlag:
		return claims.IsAdmin
	case ActionChangePassword:
		return claims.IsAdmin || claims.Username == ownerUsername
	default:
		return false
	}
}
