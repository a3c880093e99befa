package auth

import "testing"

func TestNormalizeLegacyRolesInheritsPreceding(t *testing.T) {
	defs := NormalizeLegacyRoles([]string{"user", "editor", "admin"})
	if len(defs["user"]) != 1 || defs["user"][0] != "public" {
		t.Fatalf("expected user to inherit only public, got %v", defs["user"])
	}
	if len(defs["admin"]) != 3 {
		t.Fatalf("expected admin to inherit public+user+editor, got %v", defs["admin"])
	}
}

func TestComputeAbilitiesTransitiveClosure(t *testing.T) {
	defs := NormalizeLegacyRoles([]string{"user", "editor", "admin"})
	abilities := ComputeAbilities(defs, "admin")
	for _, want := range []string{"admin", "editor", "user", "public"} {
		if !abilities[want] {
			t.Fatalf("expected %q in closure, got %v", want, abilities)
		}
	}
}

func TestComputeAbilitiesCyclicGraphTerminates(t *testing.T) {
	defs := RoleDefs{"a": {"b"}, "b": {"a"}}
	abilities := ComputeAbilities(defs, "a")
	if !abilities["a"] || !abilities["b"] {
		t.Fatalf("expected both roles present, got %v", abilities)
	}
}

func TestComputeAbilitiesUnknownReferenceBecomesAbility(t *testing.T) {
	defs := RoleDefs{"admin": {"can-publish"}}
	abilities := ComputeAbilities(defs, "admin")
	if !abilities["can-publish"] {
		t.Fatalf("expected unresolved reference to become an ability, got %v", abilities)
	}
}

func TestUserCanWildcard(t *testing.T) {
	u := &User{Abilities: map[string]bool{"*": true}}
	if !u.Can("anything") {
		t.Fatalf("expected wildcard to grant any ability")
	}
}

func TestCanPublicAlwaysSucceeds(t *testing.T) {
	if !Can(map[string]bool{}, "public") {
		t.Fatalf("expected public to always succeed")
	}
	if !Can(map[string]bool{}, "") {
		t.Fatalf("expected empty ability to always succeed")
	}
	if Can(map[string]bool{}, "admin") {
		t.Fatalf("expected admin to fail with no abilities")
	}
}
