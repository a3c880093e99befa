// Package session implements the in-memory session table: random-id
// keyed sessions with a string variable cache, cookie emission/parsing
// per RFC 6265, periodic pruning, and XSRF token issuance/verification.
package session

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/embedthis/webengine/pkg/hashutil"
	"github.com/embedthis/webengine/pkg/werrors"
)

// Well-known session variable keys set by the authenticator on
// successful session-based login, per spec §4.4.
const (
	VarUsername = "WEB_SESSION_USERNAME"
	VarRole     = "WEB_SESSION_ROLE"
	varXSRF     = "__xsrf__"
)

// Session is one entry in the table: a random id, expiry, and a
// string->string variable cache.
type Session struct {
	mu       sync.Mutex
	id       string
	expiry   time.Time
	lifespan time.Duration
	vars     map[string]string
}

// ID returns the session's public identifier.
func (s *Session) ID() string { return s.id }

// Expiry returns the session's current expiry deadline.
func (s *Session) Expiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiry
}

// GetVar reads a session variable.
func (s *Session) GetVar(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[key]
	return v, ok
}

// SetVar writes a session variable and refreshes the expiry deadline to
// now + lifespan.
func (s *Session) SetVar(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[key] = value
	s.expiry = time.Now().Add(s.lifespan)
}

// Config holds the session store's tunables, mapped from
// web.sessions.*/web.timeouts.session/web.limits.sessions.
type Config struct {
	CookieName string
	SameSite   http.SameSite
	HTTPOnly   bool
	Secure     bool // forced true when the listener is TLS
	Lifespan   time.Duration
	MaxEntries int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		CookieName: "WEB_SESSION",
		SameSite:   http.SameSiteLaxMode,
		HTTPOnly:   true,
		Lifespan:   30 * time.Minute,
		MaxEntries: 10000,
	}
}

// Store is the Host-owned session table. All methods are safe for
// concurrent use; the table is sharded by a fixed bucket count so the
// pruning sweep and per-request lookups don't serialize behind one lock
// (the single-writer contract from spec §5 is preserved per-shard, which
// is sufficient since no operation spans two sessions at once).
type Store struct {
	cfg     Config
	rand    hashutil.RandomSource
	mac     hashutil.MAC
	secret  []byte
	shards  []*shard
}

type shard struct {
	mu   sync.RWMutex
	data map[string]*Session
}

const shardCount = 16

// New creates a session Store.
func New(cfg Config, rand hashutil.RandomSource, mac hashutil.MAC, secret []byte) *Store {
	s := &Store{cfg: cfg, rand: rand, mac: mac, secret: secret, shards: make([]*shard, shardCount)}
	for i := range s.shards {
		s.shards[i] = &shard{data: make(map[string]*Session)}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	var h uint32
	for i := 0; i < len(id); i++ {
		h = h*31 + uint32(id[i])
	}
	return s.shards[h%uint32(len(s.shards))]
}

// Count returns the total number of live sessions across all shards.
func (s *Store) Count() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.data)
		sh.mu.RUnlock()
	}
	return total
}

// Create allocates a new session, failing with a 429 werrors.Error once
// MaxEntries is reached.
func (s *Store) Create() (*Session, error) {
	if s.cfg.MaxEntries > 0 && s.Count() >= s.cfg.MaxEntries {
		return nil, werrors.Limit("session.Create", 429, "session table full")
	}
	id := s.rand.ID256()
	sess := &Session{
		id:       id,
		expiry:   time.Now().Add(s.cfg.Lifespan),
		lifespan: s.cfg.Lifespan,
		vars:     make(map[string]string),
	}
	sh := s.shardFor(id)
	sh.mu.Lock()
	sh.data[id] = sess
	sh.mu.Unlock()
	return sess, nil
}

// Get looks up a live session by id; an expired or absent id returns
// (nil, false).
func (s *Store) Get(id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	sh := s.shardFor(id)
	sh.mu.RLock()
	sess, ok := sh.data[id]
	sh.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if sess.Expiry().Before(time.Now()) {
		return nil, false
	}
	return sess, true
}

// Destroy removes a session (logout, explicit destroy).
func (s *Store) Destroy(id string) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	delete(sh.data, id)
	sh.mu.Unlock()
}

// Prune collects and deletes expired sessions, building the deletion list
// first so the table is never mutated mid-iteration.
func (s *Store) Prune() int {
	now := time.Now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		var expired []string
		for id, sess := range sh.data {
			if sess.Expiry().Before(now) {
				expired = append(expired, id)
			}
		}
		sh.mu.RUnlock()

		if len(expired) == 0 {
			continue
		}
		sh.mu.Lock()
		for _, id := range expired {
			delete(sh.data, id)
		}
		sh.mu.Unlock()
		removed += len(expired)
	}
	return removed
}

// RunPruner starts a background sweep every interval until stop is
// closed, the standard ticker-loop idiom used throughout the ambient
// stack for periodic maintenance tasks.
func (s *Store) RunPruner(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Prune()
		case <-stop:
			return
		}
	}
}

// ParseCookieHeader extracts the store's session cookie value from a raw
// Cookie header, tolerating key="value" quoting and OWS.
func (s *Store) ParseCookieHeader(header string) string {
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(name) != s.cfg.CookieName {
			continue
		}
		value = strings.TrimSpace(value)
		return strings.Trim(value, "\"")
	}
	return ""
}

// SetCookieHeader renders the Set-Cookie header value for sess.
func (s *Store) SetCookieHeader(sess *Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s=%s; Path=/; Max-Age=%d", s.cfg.CookieName, sess.ID(), int(s.cfg.Lifespan.Seconds()))
	if s.cfg.Secure {
		b.WriteString("; Secure")
	}
	if s.cfg.HTTPOnly {
		b.WriteString("; HttpOnly")
	}
	switch s.cfg.SameSite {
	case http.SameSiteStrictMode:
		b.WriteString("; SameSite=Strict")
	case http.SameSiteNoneMode:
		b.WriteString("; SameSite=None")
	default:
		b.WriteString("; SameSite=Lax")
	}
	return b.String()
}

// XSRFToken returns sess's XSRF token, creating one if absent.
func (s *Store) XSRFToken(sess *Session) string {
	if tok, ok := sess.GetVar(varXSRF); ok && tok != "" {
		return tok
	}
	tok := s.rand.ID256()
	sess.SetVar(varXSRF, tok)
	return tok
}

// VerifyXSRF compares candidate against sess's stored token using a
// constant-time comparison, rotating the stored token on mismatch per
// spec §4.5.
func (s *Store) VerifyXSRF(sess *Session, candidate string) bool {
	stored, ok := sess.GetVar(varXSRF)
	if !ok || !werrors.ConstantTimeEqual([]byte(stored), []byte(candidate)) {
		s.rotateXSRF(sess)
		return false
	}
	return true
}

func (s *Store) rotateXSRF(sess *Session) {
	sess.SetVar(varXSRF, s.rand.ID256())
}
