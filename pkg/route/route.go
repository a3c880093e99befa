// Package route implements the ordered route scan: exact/prefix matching,
// method-set validation, global redirects, and the trim/redirect/role
// effects a matched route records for the downstream auth and handler
// stages.
package route

import (
	"strings"

	"github.com/embedthis/webengine/pkg/werrors"
)

// AuthType is the explicit per-route authentication mode, resolving the
// spec's Open Question about session/digest interaction: a route always
// states which protocol it expects rather than having one inferred from
// whichever credentials happen to be present.
type AuthType string

const (
	AuthNone    AuthType = ""
	AuthSession AuthType = "session"
	AuthBasic   AuthType = "basic"
	AuthDigest  AuthType = "digest"
)

// CacheControl holds the optional cache-control directives a route may
// declare, scoped to a set of path extensions.
type CacheControl struct {
	MaxAge     int
	Directives []string
	Extensions []string
}

// Route is a declarative match rule, per spec §3.
type Route struct {
	Match   string
	Exact   bool
	Methods map[string]bool

	Role    string // "public" or a named role; empty behaves as "public"
	Handler string // "file" | "action"

	Redirect string
	Trim     string

	Stream       bool
	Validate     bool
	XSRF         bool
	Compressed   bool

	AuthType  AuthType
	Algorithm string // Digest algorithm override: "MD5" | "SHA-256"

	Cache *CacheControl

	// Action is the application callback bound by this route when
	// Handler == "action". It is nil for "file" routes.
	Action ActionFunc
}

// ActionFunc is the application-supplied callback signature a route binds
// to when Handler == "action".
type ActionFunc func(ctx RequestContext) error

// RequestContext is the minimal surface an ActionFunc needs; pkg/conn
// supplies the concrete implementation so pkg/route has no dependency on
// the connection scheduler.
type RequestContext interface {
	Path() string
	Method() string
}

// GlobalRedirect is evaluated before route matching, per spec §4.3.
type GlobalRedirect struct {
	Scheme string
	Host   string
	Port   int
	Path   string
	Status int
	To     string
}

// Table is the Host's ordered route list plus its global redirects.
type Table struct {
	Routes    []*Route
	Redirects []GlobalRedirect
}

// MatchResult is what Match records on the connection for downstream
// stages.
type MatchResult struct {
	Route        *Route
	TrimmedPath  string
	RedirectTo   string
	RedirectCode int
}

// MatchRedirect evaluates global redirects against the request's
// scheme/host/port/path; the first match wins.
func (t *Table) MatchRedirect(scheme, host string, port int, path string) (GlobalRedirect, bool) {
	for _, r := range t.Redirects {
		if r.Scheme != "" && r.Scheme != scheme {
			continue
		}
		if r.Host != "" && r.Host != host {
			continue
		}
		if r.Port != 0 && r.Port != port {
			continue
		}
		if r.Path != "" && r.Path != path {
			continue
		}
		return r, true
	}
	return GlobalRedirect{}, false
}

// Match scans routes in declaration order for the first whose match
// string is a prefix (or, if Exact, an exact match) of path, then
// validates the request method against its method set.
func (t *Table) Match(path, method string) (*MatchResult, error) {
	for _, rt := range t.Routes {
		if !matches(rt, path) {
			continue
		}
		if len(rt.Methods) > 0 && !rt.Methods[method] {
			return nil, werrors.Routing("route.Match", 405, "method not allowed for route")
		}

		result := &MatchResult{Route: rt, TrimmedPath: path}
		if rt.Redirect != "" {
			result.RedirectTo = rt.Redirect
			result.RedirectCode = 302
		}
		if rt.Trim != "" && strings.HasPrefix(path, rt.Trim) {
			result.TrimmedPath = strings.TrimPrefix(path, rt.Trim)
			if result.TrimmedPath == "" {
				result.TrimmedPath = "/"
			}
		}
		return result, nil
	}
	return nil, werrors.Routing("route.Match", 404, "no matching route")
}

func matches(rt *Route, path string) bool {
	if rt.Match == "" {
		return true
	}
	if rt.Exact {
		return path == rt.Match
	}
	return strings.HasPrefix(path, rt.Match)
}

// IsPublic reports whether a route requires no authentication.
func (rt *Route) IsPublic() bool {
	return rt.Role == "" || rt.Role == "public"
}
