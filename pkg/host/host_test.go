package host

import (
	"testing"

	"github.com/embedthis/webengine/pkg/auth"
	"github.com/embedthis/webengine/pkg/hashutil"
	"github.com/embedthis/webengine/pkg/route"
	"github.com/embedthis/webengine/pkg/wconfig"
)

func TestBuildUsersComputesAbilitiesFromRoles(t *testing.T) {
	cfg := wconfig.AuthConfig{
		Roles: []string{"user", "editor", "admin"},
		Users: map[string]wconfig.UserConfig{
			"alice": {Password: "hash", Role: "admin"},
		},
	}
	users := buildUsers(cfg, hashutil.Default{})
	alice, ok := users["alice"]
	if !ok {
		t.Fatalf("expected alice to be present")
	}
	for _, want := range []string{"admin", "editor", "user", "public"} {
		if !alice.Abilities[want] {
			t.Fatalf("expected ability %q in closure, got %v", want, alice.Abilities)
		}
	}
}

func TestRoleDefsFromMapForm(t *testing.T) {
	raw := map[string]any{
		"admin": []any{"can-publish"},
	}
	defs := roleDefsFrom(raw)
	abilities := auth.ComputeAbilities(defs, "admin")
	if !abilities["can-publish"] || !abilities["admin"] {
		t.Fatalf("unexpected abilities: %v", abilities)
	}
}

func TestBuildRoutesRejectsActionWithoutRegistry(t *testing.T) {
	cfgs := []wconfig.RouteConfig{{Match: "/api", Handler: "action"}}
	if _, err := buildRoutes(cfgs, nil); err == nil {
		t.Fatalf("expected error when no actions are registered")
	}
}

func TestBuildRoutesRejectsUnknownAction(t *testing.T) {
	cfgs := []wconfig.RouteConfig{{Match: "/api", Handler: "action"}}
	actions := ActionRegistry{"/other": func(route.RequestContext) error { return nil }}
	if _, err := buildRoutes(cfgs, actions); err == nil {
		t.Fatalf("expected error for unregistered action")
	}
}

func TestBuildRoutesBindsRegisteredAction(t *testing.T) {
	cfgs := []wconfig.RouteConfig{{Match: "/api", Handler: "action", Methods: []string{"get"}}}
	called := false
	actions := ActionRegistry{"/api": func(route.RequestContext) error { called = true; return nil }}
	routes, err := buildRoutes(cfgs, actions)
	if err != nil {
		t.Fatalf("buildRoutes: %v", err)
	}
	if len(routes) != 1 || routes[0].Action == nil {
		t.Fatalf("expected route with bound action, got %+v", routes)
	}
	if !routes[0].Methods["GET"] {
		t.Fatalf("expected method normalized to upper case, got %v", routes[0].Methods)
	}
	routes[0].Action(nil)
	if !called {
		t.Fatalf("expected bound action to be callable")
	}
}

func TestBuildRoutesFileHandlerNeedsNoActions(t *testing.T) {
	cfgs := []wconfig.RouteConfig{{Match: "/", Handler: "file"}}
	routes, err := buildRoutes(cfgs, nil)
	if err != nil {
		t.Fatalf("buildRoutes: %v", err)
	}
	if len(routes) != 1 || routes[0].Action != nil {
		t.Fatalf("unexpected file route: %+v", routes)
	}
}

func TestBuildRedirectsParsesFromURL(t *testing.T) {
	cfgs := []wconfig.RedirectConfig{
		{From: "http://example.com:8080/old", To: "https://example.com/new"},
	}
	redirects := buildRedirects(cfgs)
	if len(redirects) != 1 {
		t.Fatalf("expected one redirect, got %d", len(redirects))
	}
	r := redirects[0]
	if r.Scheme != "http" || r.Host != "example.com" || r.Port != 8080 || r.Path != "/old" {
		t.Fatalf("unexpected parsed redirect: %+v", r)
	}
	if r.Status != 302 {
		t.Fatalf("expected default status 302, got %d", r.Status)
	}
}

func TestParseRedirectFromWithoutPort(t *testing.T) {
	scheme, host, port, path := parseRedirectFrom("https://example.com/path")
	if scheme != "https" || host != "example.com" || port != 0 || path != "/path" {
		t.Fatalf("unexpected parse: %q %q %d %q", scheme, host, port, path)
	}
}

func TestNonZeroHelpers(t *testing.T) {
	if nonZero(0, 5) != 5 || nonZero(3, 5) != 3 {
		t.Fatalf("nonZero behaved unexpectedly")
	}
	if orDefault("", "fallback") != "fallback" || orDefault("x", "fallback") != "x" {
		t.Fatalf("orDefault behaved unexpectedly")
	}
}
