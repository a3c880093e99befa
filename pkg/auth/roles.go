// Package auth implements the three-protocol authenticator (session
// cookie, HTTP Basic, HTTP Digest per RFC 7616) and the role/ability
// model, per spec §4.4.
package auth

// User is one entry in the Host's user table.
type User struct {
	Username string
	Password string // algorithm-tagged hash, e.g. "BF1:$2a$..."
	Role     string

	// Abilities is the transitive closure of Role's inheritance,
	// computed once at user-table construction time.
	Abilities map[string]bool
}

// Can reports whether u holds ability, or the wildcard "*".
func (u *User) Can(ability string) bool {
	if u.Abilities["*"] {
		return true
	}
	return u.Abilities[ability]
}

// RoleDefs is the role table: role name -> the abilities/roles it lists.
// Both the legacy array form ([r0, r1, ...], each inheriting everything
// preceding it with an implicit "public" base) and the object-map form
// ({role: [ability|role, ...]}) normalize to this shape before
// computeUserAbilities runs.
type RoleDefs map[string][]string

// NormalizeLegacyRoles converts the legacy ordered-array role list into a
// RoleDefs map: each role inherits every role preceding it plus an
// implicit "public" base.
func NormalizeLegacyRoles(order []string) RoleDefs {
	defs := RoleDefs{"public": nil}
	seen := []string{"public"}
	for _, role := range order {
		defs[role] = append([]string{}, seen...)
		seen = append(seen, role)
	}
	return defs
}

// ComputeAbilities expands role's transitive closure via depth-first
// visitation with a visited set, so cyclic role graphs terminate safely.
func ComputeAbilities(defs RoleDefs, role string) map[string]bool {
	abilities := make(map[string]bool)
	visited := make(map[string]bool)
	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		refs, known := defs[name]
		if !known {
			// An unresolvable reference is itself usable as an ability
			// name, per the glossary ("a role is also usable as an
			// ability name when referenced from other roles").
			abilities[name] = true
			return
		}
		abilities[name] = true
		for _, ref := range refs {
			visit(ref)
		}
	}
	visit(role)
	return abilities
}

// Can reports whether a user holding abilities satisfies ability, honoring
// the wildcard "*" and the always-succeeding "public" role.
func Can(abilities map[string]bool, ability string) bool {
	if ability == "public" || ability == "" {
		return true
	}
	if abilities["*"] {
		return true
	}
	return abilities[ability]
}
