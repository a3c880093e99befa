package auth

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/embedthis/webengine/pkg/hashutil"
	"github.com/embedthis/webengine/pkg/route"
	"github.com/embedthis/webengine/pkg/session"
	"github.com/embedthis/webengine/pkg/werrors"
)

// Config holds the host-wide authentication defaults, mapped from
// web.auth.*.
type Config struct {
	DefaultAuthType      route.AuthType
	Algorithm            string // "MD5" | "SHA-256", Digest default
	Realm                string
	Secret               []byte // HMAC key for Digest nonces
	RequireTLSForBasic   bool
	DigestTimeout        time.Duration
	MaxNonces            int
	PasswordAlgorithm    string // default algorithm for unprefixed stored hashes
}

// UserLookup resolves a username to a *User, or (nil, false).
type UserLookup func(username string) (*User, bool)

// Authenticator is the three-protocol coordinator described in spec
// §4.4.
type Authenticator struct {
	cfg      Config
	users    UserLookup
	sessions *session.Store
	nonces   *NonceTable
	hasher   hashutil.Hasher
	mac      hashutil.MAC
	rand     hashutil.RandomSource
}

// New builds an Authenticator.
func New(cfg Config, users UserLookup, sessions *session.Store, hasher hashutil.Hasher, mac hashutil.MAC, rand hashutil.RandomSource) *Authenticator {
	return &Authenticator{
		cfg:      cfg,
		users:    users,
		sessions: sessions,
		nonces:   NewNonceTable(cfg.MaxNonces, cfg.DigestTimeout),
		hasher:   hasher,
		mac:      mac,
		rand:     rand,
	}
}

// Result is the outcome of an authentication attempt.
type Result struct {
	Authenticated bool
	User          *User
	Session       *session.Session

	// Challenge, when non-empty, is the WWW-Authenticate header value a
	// 401 response must carry.
	Challenge string
}

// Request is the minimal slice of request state the authenticator needs,
// decoupling it from pkg/wreq/pkg/conn concrete types.
type Request struct {
	Path         string
	Method       string
	TLS          bool
	CookieHeader string
	AuthScheme   string
	AuthParams   string
}

// Authenticate dispatches on the route's AuthType, falling back to the
// host default when the route leaves it unset (AuthNone).
func (a *Authenticator) Authenticate(rt *route.Route, req Request) (Result, error) {
	authType := rt.AuthType
	if authType == route.AuthNone {
		authType = a.cfg.DefaultAuthType
	}

	switch authType {
	case route.AuthSession:
		return a.authenticateSession(req)
	case route.AuthBasic:
		return a.authenticateBasic(req)
	case route.AuthDigest:
		return a.authenticateDigest(rt, req)
	default:
		// No explicit auth type: try session first (a prior login may
		// already have established one), otherwise the route is public
		// and no credentials are required.
		return a.authenticateSession(req)
	}
}

// RunNonceSweeper starts the background digest-nonce expiry sweep until
// stop is closed.
func (a *Authenticator) RunNonceSweeper(interval time.Duration, stop <-chan struct{}) {
	a.nonces.RunSweeper(interval, stop)
}

func (a *Authenticator) authenticateSession(req Request) (Result, error) {
	id := a.sessions.ParseCookieHeader(req.CookieHeader)
	sess, ok := a.sessions.Get(id)
	if !ok {
		return Result{}, nil
	}
	username, ok := sess.GetVar(session.VarUsername)
	if !ok {
		return Result{}, nil
	}
	role, ok := sess.GetVar(session.VarRole)
	if !ok {
		return Result{}, nil
	}
	u, ok := a.users(username)
	if !ok || u.Role != role {
		return Result{}, nil
	}
	return Result{Authenticated: true, User: u, Session: sess}, nil
}

func (a *Authenticator) authenticateBasic(req Request) (Result, error) {
	if a.cfg.RequireTLSForBasic && !req.TLS {
		return Result{}, werrors.Auth("auth.authenticateBasic", 403, "basic auth requires TLS")
	}
	if req.AuthScheme == "" {
		return Result{Challenge: a.basicChallenge()}, nil
	}
	if !strings.EqualFold(req.AuthScheme, "Basic") {
		return Result{}, werrors.Auth("auth.authenticateBasic", 401, "basic authentication required")
	}

	raw, err := base64.StdEncoding.DecodeString(req.AuthParams)
	if err != nil {
		return Result{Challenge: a.basicChallenge()}, nil
	}
	username, password, ok := strings.Cut(string(raw), ":")
	if !ok {
		return Result{Challenge: a.basicChallenge()}, nil
	}

	u, ok := a.users(username)
	if !ok {
		return Result{Challenge: a.basicChallenge()}, nil
	}
	if !a.hasher.Verify(u.Password, username, a.cfg.Realm, password, a.cfg.PasswordAlgorithm) {
		return Result{Challenge: a.basicChallenge()}, nil
	}
	return Result{Authenticated: true, User: u}, nil
}

func (a *Authenticator) basicChallenge() string {
	return `Basic realm="` + a.cfg.Realm + `"`
}
