// Package host wires every component (C1-C9 plus the ambient stack) into
// a single running server: it owns the route table, the user/role
// tables, the session and nonce stores, the TLS configuration per
// listener, and the background sweepers, per SPEC_FULL.md §3-§5.
package host

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/embedthis/webengine/pkg/auth"
	"github.com/embedthis/webengine/pkg/hashutil"
	"github.com/embedthis/webengine/pkg/route"
	"github.com/embedthis/webengine/pkg/session"
	"github.com/embedthis/webengine/pkg/signature"
	"github.com/embedthis/webengine/pkg/wconfig"
	"github.com/embedthis/webengine/pkg/wconst"
	"github.com/embedthis/webengine/pkg/wlog"
	"github.com/embedthis/webengine/pkg/wmetrics"
	"github.com/embedthis/webengine/pkg/wtls"
)

// Listener is one bound endpoint: a scheme, network listener, and
// (for https) its TLS configuration.
type Listener struct {
	Scheme string
	Addr   string
	net.Listener
	TLSConfig *tls.Config
}

// Host is the fully wired server: shared, mostly-read-only tables
// protected per spec §5's shared-resource policy (RWMutex for
// routes/users; the session store's lock-sharded map and the digest
// nonce table's single mutex are owned by their packages).
type Host struct {
	Config *wconfig.Config
	Log    *logrus.Logger
	Show   wlog.Show
	Metrics *wmetrics.Registry

	Documents string
	Index     string
	UploadDir string

	mu     sync.RWMutex
	routes *route.Table
	users  map[string]*auth.User

	Sessions *session.Store
	Auth     *auth.Authenticator
	Hasher   hashutil.Hasher

	Signatures signature.Document
	SignaturesEnabled bool
	SignaturesStrict  bool

	Listeners []*Listener

	MaxConnections int64
	connections    int64
	connMu         sync.Mutex

	stop chan struct{}
}

// ActionRegistry resolves a route's named action handler to a callable,
// so config-driven route declarations ("handler": "action") can bind to
// application code registered by name at startup.
type ActionRegistry map[string]route.ActionFunc

// New builds a Host from a resolved configuration document. actions
// supplies the application's named action handlers; it may be nil for a
// purely static/file-serving deployment.
func New(cfg *wconfig.Config, log *logrus.Logger, actions ActionRegistry) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h := &Host{
		Config:         cfg,
		Log:            log,
		Show:           wlog.ShowFromEnv(),
		Metrics:        wmetrics.New(),
		Documents:      cfg.Web.Documents,
		Index:          cfg.Web.Index,
		UploadDir:      orDefault(cfg.Web.Upload.Dir, "/tmp"),
		Hasher:         hashutil.Default{},
		MaxConnections: int64(nonZero(cfg.Web.Limits.Connections, wconst.DefaultMaxConnections)),
		stop:           make(chan struct{}),
	}

	h.users = buildUsers(cfg.Web.Auth, h.Hasher)

	sessCfg := session.DefaultConfig()
	if cfg.Web.Sessions.Cookie != "" {
		sessCfg.CookieName = cfg.Web.Sessions.Cookie
	}
	sessCfg.HTTPOnly = cfg.Web.Sessions.HTTPOnly
	sessCfg.SameSite = sameSiteOf(cfg.Web.Sessions.SameSite)
	if cfg.Web.Timeouts.Session > 0 {
		sessCfg.Lifespan = cfg.Web.Timeouts.Session
	}
	sessCfg.MaxEntries = nonZero(cfg.Web.Limits.Sessions, wconst.DefaultMaxSessions)
	h.Sessions = session.New(sessCfg, hashutil.Default{}, hashutil.Default{}, []byte(cfg.Web.Auth.Secret))

	authCfg := auth.Config{
		DefaultAuthType:    route.AuthType(cfg.Web.Auth.AuthType),
		Algorithm:          orDefault(cfg.Web.Auth.Algorithm, "MD5"),
		Realm:              cfg.Web.Auth.Realm,
		Secret:             []byte(cfg.Web.Auth.Secret),
		RequireTLSForBasic: cfg.Web.Auth.RequireTLSForBasic,
		DigestTimeout:      nonZeroDuration(cfg.Web.Timeouts.Digest, wconst.DefaultDigestTimeout),
		MaxNonces:          nonZero(cfg.Web.Limits.Digest, wconst.DefaultMaxDigestNonces),
		PasswordAlgorithm:  orDefault(cfg.Web.Auth.Algorithm, "MD5"),
	}
	h.Auth = auth.New(authCfg, h.lookupUser, h.Sessions, hashutil.Default{}, hashutil.Default{}, hashutil.Default{})

	routes, err := buildRoutes(cfg.Web.Routes, actions)
	if err != nil {
		return nil, err
	}
	h.routes = &route.Table{Routes: routes, Redirects: buildRedirects(cfg.Web.Redirect)}

	if cfg.Web.Signatures.Enable {
		h.SignaturesEnabled = true
		h.SignaturesStrict = cfg.Web.Signatures.Strict
		raw, err := os.ReadFile(cfg.Web.Signatures.Path)
		if err != nil {
			return nil, fmt.Errorf("host: reading web.signatures.path %q: %w", cfg.Web.Signatures.Path, err)
		}
		doc, err := signature.Load(raw)
		if err != nil {
			return nil, fmt.Errorf("host: loading signatures from %q: %w", cfg.Web.Signatures.Path, err)
		}
		h.Signatures = doc
	}

	listeners, err := buildListeners(cfg)
	if err != nil {
		return nil, err
	}
	h.Listeners = listeners

	if err := h.Metrics.Register(prometheus.DefaultRegisterer); err != nil {
		h.Log.WithError(err).Warn("metrics already registered, continuing with existing collectors")
	}

	return h, nil
}

// Routes returns the host's route table, read-only for handler access.
func (h *Host) Routes() *route.Table {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.routes
}

func (h *Host) lookupUser(username string) (*auth.User, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	u, ok := h.users[username]
	return u, ok
}

// AcquireConnection reports whether a new connection slot is available
// and, if so, reserves it; ReleaseConnection must be called exactly once
// per successful AcquireConnection.
func (h *Host) AcquireConnection() bool {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.connections >= h.MaxConnections {
		return false
	}
	h.connections++
	h.Metrics.ConnectionsActive.Set(float64(h.connections))
	h.Metrics.ConnectionsTotal.Inc()
	return true
}

// ReleaseConnection frees a connection slot reserved by AcquireConnection.
func (h *Host) ReleaseConnection() {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.connections--
	h.Metrics.ConnectionsActive.Set(float64(h.connections))
}

// RunSweepers starts the session-pruning and digest-nonce sweep tickers;
// they run until Shutdown is called.
func (h *Host) RunSweepers() {
	go h.Sessions.RunPruner(wconst.SessionSweepInterval, h.stop)
	go h.Auth.RunNonceSweeper(wconst.DigestSweepInterval, h.stop)
}

// Shutdown stops background sweepers and closes every listener.
func (h *Host) Shutdown() error {
	close(h.stop)
	var g errgroup.Group
	for _, l := range h.Listeners {
		l := l
		g.Go(func() error { return l.Close() })
	}
	return g.Wait()
}

func buildUsers(cfg wconfig.AuthConfig, hasher hashutil.Hasher) map[string]*auth.User {
	defs := roleDefsFrom(cfg.Roles)
	users := make(map[string]*auth.User, len(cfg.Users))
	for name, u := range cfg.Users {
		role := u.Role
		users[name] = &auth.User{
			Username:  name,
			Password:  u.Password,
			Role:      role,
			Abilities: auth.ComputeAbilities(defs, role),
		}
	}
	return users
}

func roleDefsFrom(raw any) auth.RoleDefs {
	switch v := raw.(type) {
	case []any:
		order := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				order = append(order, s)
			}
		}
		return auth.NormalizeLegacyRoles(order)
	case []string:
		return auth.NormalizeLegacyRoles(v)
	case map[string]any:
		defs := auth.RoleDefs{"public": nil}
		for role, refsRaw := range v {
			refs, _ := refsRaw.([]any)
			list := make([]string, 0, len(refs))
			for _, r := range refs {
				if s, ok := r.(string); ok {
					list = append(list, s)
				}
			}
			defs[role] = list
		}
		return defs
	default:
		return auth.RoleDefs{"public": nil}
	}
}

func buildRoutes(cfgs []wconfig.RouteConfig, actions ActionRegistry) ([]*route.Route, error) {
	routes := make([]*route.Route, 0, len(cfgs))
	for _, rc := range cfgs {
		rt := &route.Route{
			Match:      rc.Match,
			Role:       rc.Role,
			Handler:    rc.Handler,
			Redirect:   rc.Redirect,
			Trim:       rc.Trim,
			Stream:     rc.Stream,
			Validate:   rc.Validate,
			XSRF:       rc.XSRF,
			Compressed: rc.Compressed,
			AuthType:   route.AuthType(rc.AuthType),
			Algorithm:  rc.Algorithm,
		}
		if len(rc.Methods) > 0 {
			rt.Methods = make(map[string]bool, len(rc.Methods))
			for _, m := range rc.Methods {
				rt.Methods[strings.ToUpper(m)] = true
			}
		}
		if rc.Cache != nil {
			rt.Cache = &route.CacheControl{
				MaxAge:     rc.Cache.MaxAge,
				Directives: rc.Cache.Directives,
				Extensions: rc.Cache.Extensions,
			}
		}
		if rc.Handler == "action" {
			if actions == nil {
				return nil, fmt.Errorf("host: route %q declares handler=action but no actions were registered", rc.Match)
			}
			fn, ok := actions[rc.Match]
			if !ok {
				return nil, fmt.Errorf("host: no action registered for route %q", rc.Match)
			}
			rt.Action = fn
		}
		routes = append(routes, rt)
	}
	return routes, nil
}

func buildRedirects(cfgs []wconfig.RedirectConfig) []route.GlobalRedirect {
	out := make([]route.GlobalRedirect, 0, len(cfgs))
	for _, rc := range cfgs {
		scheme, host, port, path := parseRedirectFrom(rc.From)
		out = append(out, route.GlobalRedirect{
			Scheme: scheme,
			Host:   host,
			Port:   port,
			Path:   path,
			Status: nonZero(rc.Status, 302),
			To:     rc.To,
		})
	}
	return out
}

func parseRedirectFrom(from string) (scheme, host string, port int, path string) {
	u, err := url.Parse(from)
	if err != nil {
		return "", "", 0, from
	}
	scheme = u.Scheme
	path = u.Path
	if u.Host != "" {
		h, p, err := net.SplitHostPort(u.Host)
		if err == nil {
			host = h
			if n, err := strconv.Atoi(p); err == nil {
				port = n
			}
		} else {
			host = u.Host
		}
	}
	return
}

func buildListeners(cfg *wconfig.Config) ([]*Listener, error) {
	var listeners []*Listener
	for _, endpoint := range cfg.Web.Listen {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("host: invalid web.listen entry %q: %w", endpoint, err)
		}
		var ln net.Listener
		if u.Scheme == "https" {
			tlsCfg, err := wtls.BuildServerConfig(wtls.HostConfig{
				CertFile:      cfg.TLS.Certificate,
				KeyFile:       cfg.TLS.Key,
				ClientCAFile:  cfg.TLS.Authority,
				RequireClient: cfg.TLS.Verify.Client,
				Profile:       "secure",
			})
			if err != nil {
				return nil, err
			}
			raw, err := net.Listen("tcp", u.Host)
			if err != nil {
				return nil, fmt.Errorf("host: binding %s: %w", endpoint, err)
			}
			ln = tls.NewListener(raw, tlsCfg)
			listeners = append(listeners, &Listener{Scheme: "https", Addr: u.Host, Listener: ln, TLSConfig: tlsCfg})
			continue
		}
		raw, err := net.Listen("tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("host: binding %s: %w", endpoint, err)
		}
		listeners = append(listeners, &Listener{Scheme: "http", Addr: u.Host, Listener: raw})
	}
	return listeners, nil
}

func sameSiteOf(s string) http.SameSite {
	switch strings.ToLower(s) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func nonZero(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
