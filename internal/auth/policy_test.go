package auth

import "testing"

func TestAllowed(t *testing.T) {
	admin := &Claims{Username: "admin", IsAdmin: true}
	student := &Claims{Username: "ann"}

	cases := []struct {
		name   string
		claims *Claims
		action Action
		owner  string
		expect bool
	}{
		{"nil identity denied", nil, ActionListStudents, "", false},
		{"admin lists students", admin, ActionListStudents, "", true},
		{"student cannot list", student, ActionListStudents, "", false},
		{"student cannot delete", student, ActionDeleteStudent, "ann", false},
		{"admin deletes", admin, ActionDeleteStudent, "ann", true},
		{"student cannot toggle admin", student, ActionToggleAdmin, "ann", false},
		{"student cannot grant admin flag", student, ActionSetAdminFlag, "ann", false},
		{"owner changes own password", student, ActionChangePassword, "ann", true},
		{"student cannot change another password", student, ActionChangePassword, "bob", false},
		{"admin changes any password", admin, ActionChangePassword, "bob", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Allowed(c.claims, c.action, c.owner); got != c.expect {
				t.Fatalf("Allowed = %v, want %v", got, c.expect)
			}
		})
	}
}
