package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleAdmin, ActionRead, true},
		{RoleAdmin, ActionWrite, true},
		{RoleAdmin, ActionResolve, true},
		{RoleAdmin, ActionAdmin, true},
		{RoleEditor, ActionRead, true},
		{RoleEditor, ActionWrite, true},
		{RoleEditor, ActionResolve, false},
		{RoleEditor, ActionAdmin, false},
		{RoleViewer, ActionRead, true},
		{RoleViewer, ActionWrite, false},
		{RoleViewer, ActionResolve, false},
		{Role("unknown"), ActionRead, false},
	}

	for _, tc := range cases {
		if got := Can(tc.role, tc.action); got != tc.want {
			t.Errorf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("admin"); got != RoleAdmin {
		t.Errorf("Normalize(admin) = %q", got)
	}
	if got := Normalize("editor"); got != RoleEditor {
		t.Errorf("Normalize(editor) = %q", got)
	}
	if got := Normalize(""); got != RoleViewer {
		t.Errorf("Normalize(empty) = %q, want viewer", got)
	}
	if got := Normalize("superuser"); got != RoleViewer {
		t.Errorf("Normalize(superuser) = %q, want viewer", got)
	}
}
