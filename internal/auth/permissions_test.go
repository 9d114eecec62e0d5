package auth

import (
	"errors"
	"slices"
	"testing"
)

func TestEveryRoleHasTableEntry(t *testing.T) {
	for _, r := range AllRoles() {
		perms, ok := rolePermissions[r]
		if !ok || len(perms) == 0 {
			t.Fatalf("role %s has no permission entry", r)
		}
	}
	if len(rolePermissions) != len(AllRoles()) {
		t.Fatalf("table has %d entries for %d roles", len(rolePermissions), len(AllRoles()))
	}
}

func TestTableOnlyGrantsKnownPermissions(t *testing.T) {
	universe := AllPermissions()
	for r, perms := range rolePermissions {
		for _, p := range perms {
			if !slices.Contains(universe, p) {
				t.Fatalf("role %s grants unknown permission %s", r, p)
			}
		}
	}
}

func TestSuperAdminHasUniverse(t *testing.T) {
	got := PermissionsFor([]Role{RoleSuperAdmin})
	want := AllPermissions()
	slices.Sort(want)
	if !slices.Equal(got, want) {
		t.Fatalf("super_admin permissions = %v, want %v", got, want)
	}
}

func TestPermissionsForSingleRoleMatchesTable(t *testing.T) {
	for _, r := range AllRoles() {
		want := RolePermissions(r)
		slices.Sort(want)
		want = slices.Compact(want)
		if got := PermissionsFor([]Role{r}); !slices.Equal(got, want) {
			t.Fatalf("PermissionsFor(%s) = %v, want %v", r, got, want)
		}
	}
}

func TestPermissionsForIsUnion(t *testing.T) {
	roles := AllRoles()
	for i := range roles {
		for j := range roles {
			got := PermissionsFor([]Role{roles[i], roles[j]})
			want := append(RolePermissions(roles[i]), RolePermissions(roles[j])...)
			slices.Sort(want)
			want = slices.Compact(want)
			if !slices.Equal(got, want) {
				t.Fatalf("PermissionsFor(%s,%s) = %v, want %v", roles[i], roles[j], got, want)
			}
		}
	}
	if got := PermissionsFor(nil); len(got) != 0 {
		t.Fatalf("expected no permissions for no roles, got %v", got)
	}
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Teaching_Assistant ")
	if err != nil || r != RoleTeachingAssistant {
		t.Fatalf("ParseRole = %q, %v", r, err)
	}
	if _, err := ParseRole("janitor"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
