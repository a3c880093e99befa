// Package wconfig loads the engine's frozen JSON configuration document
// (the `web.*`/`tls.*` tree described in SPEC_FULL.md §6) through Viper,
// decodes it into a typed Config, and applies wconst defaults for any
// field the document omits.
package wconfig

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/embedthis/webengine/pkg/wconst"
)

// UserConfig is one entry of web.auth.users.
type UserConfig struct {
	Password string `mapstructure:"password"`
	Role     string `mapstructure:"role"`
}

// CacheConfig is a route's optional cache-control declaration.
type CacheConfig struct {
	MaxAge     int      `mapstructure:"maxAge"`
	Directives []string `mapstructure:"directives"`
	Extensions []string `mapstructure:"extensions"`
}

// RouteConfig is one entry of web.routes.
type RouteConfig struct {
	Match      string       `mapstructure:"match"`
	Methods    []string     `mapstructure:"methods"`
	Handler    string       `mapstructure:"handler"`
	Role       string       `mapstructure:"role"`
	Redirect   string       `mapstructure:"redirect"`
	Trim       string       `mapstructure:"trim"`
	Stream     bool         `mapstructure:"stream"`
	Validate   bool         `mapstructure:"validate"`
	XSRF       bool         `mapstructure:"xsrf"`
	Compressed bool         `mapstructure:"compressed"`
	AuthType   string       `mapstructure:"authType"`
	Algorithm  string       `mapstructure:"algorithm"`
	Cache      *CacheConfig `mapstructure:"cache"`
}

// RedirectConfig is one entry of web.redirect (global, scheme/host/port
// driven redirects, distinct from a per-route Redirect).
type RedirectConfig struct {
	From   string `mapstructure:"from"`
	Status int    `mapstructure:"status"`
	To     string `mapstructure:"to"`
}

// TimeoutsConfig is web.timeouts.
type TimeoutsConfig struct {
	Parse      time.Duration `mapstructure:"parse"`
	Inactivity time.Duration `mapstructure:"inactivity"`
	Request    time.Duration `mapstructure:"request"`
	Session    time.Duration `mapstructure:"session"`
	Digest     time.Duration `mapstructure:"digest"`
}

// LimitsConfig is web.limits.
type LimitsConfig struct {
	Buffer      int64 `mapstructure:"buffer"`
	Body        int64 `mapstructure:"body"`
	Header      int64 `mapstructure:"header"`
	Connections int   `mapstructure:"connections"`
	Sessions    int   `mapstructure:"sessions"`
	Upload      int64 `mapstructure:"upload"`
	Uploads     int   `mapstructure:"uploads"`
	Requests    int   `mapstructure:"requests"`
	Digest      int   `mapstructure:"digest"`
	MaxMessage  int64 `mapstructure:"maxMessage"`
	MaxFrame    int64 `mapstructure:"maxFrame"`
}

// AuthConfig is web.auth.
type AuthConfig struct {
	AuthType           string                `mapstructure:"authType"`
	Algorithm          string                `mapstructure:"algorithm"`
	Realm              string                `mapstructure:"realm"`
	Secret             string                `mapstructure:"secret"`
	RequireTLSForBasic bool                  `mapstructure:"requireTlsForBasic"`
	Track              bool                  `mapstructure:"track"`
	Users              map[string]UserConfig `mapstructure:"users"`
	Roles              any                   `mapstructure:"roles"` // []string or map[string][]string
}

// SessionsConfig is web.sessions.
type SessionsConfig struct {
	Cookie   string `mapstructure:"cookie"`
	SameSite string `mapstructure:"sameSite"`
	HTTPOnly bool   `mapstructure:"httpOnly"`
}

// UploadConfig is web.upload.
type UploadConfig struct {
	Dir string `mapstructure:"dir"`
}

// SignaturesConfig is web.signatures.
type SignaturesConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
	Strict bool   `mapstructure:"strict"`
}

// WebSocketsConfig is web.webSockets.
type WebSocketsConfig struct {
	Enable      bool   `mapstructure:"enable"`
	Protocol    string `mapstructure:"protocol"`
	Ping        time.Duration `mapstructure:"ping"`
	ValidateUTF bool   `mapstructure:"validateUTF"`
}

// VerifyConfig is tls.verify.
type VerifyConfig struct {
	Client bool `mapstructure:"client"`
	Issuer bool `mapstructure:"issuer"`
}

// TLSConfig is the top-level tls.* tree.
type TLSConfig struct {
	Ciphers     []string     `mapstructure:"ciphers"`
	Authority   string       `mapstructure:"authority"`
	Certificate string       `mapstructure:"certificate"`
	Key         string       `mapstructure:"key"`
	Verify      VerifyConfig `mapstructure:"verify"`
}

// WebConfig is the top-level web.* tree.
type WebConfig struct {
	Listen     []string         `mapstructure:"listen"`
	Documents  string           `mapstructure:"documents"`
	Index      string           `mapstructure:"index"`
	Timeouts   TimeoutsConfig   `mapstructure:"timeouts"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Routes     []RouteConfig    `mapstructure:"routes"`
	Redirect   []RedirectConfig `mapstructure:"redirect"`
	Headers    map[string]string `mapstructure:"headers"`
	Sessions   SessionsConfig   `mapstructure:"sessions"`
	Upload     UploadConfig     `mapstructure:"upload"`
	Signatures SignaturesConfig `mapstructure:"signatures"`
	WebSockets WebSocketsConfig `mapstructure:"webSockets"`
}

// Config is the whole frozen document: web.* plus tls.*.
type Config struct {
	Web WebConfig `mapstructure:"web"`
	TLS TLSConfig `mapstructure:"tls"`
}

// Load reads and decodes path (a JSON file) into a Config, filling in
// wconst defaults for anything the document leaves unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	applyDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("wconfig: reading %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("wconfig: decoding %s: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("web.index", "index.html")
	v.SetDefault("web.timeouts.parse", wconst.DefaultParseTimeout)
	v.SetDefault("web.timeouts.inactivity", wconst.DefaultInactivityTimeout)
	v.SetDefault("web.timeouts.request", wconst.DefaultRequestTimeout)
	v.SetDefault("web.timeouts.session", wconst.DefaultSessionTimeout)
	v.SetDefault("web.timeouts.digest", wconst.DefaultDigestTimeout)
	v.SetDefault("web.limits.buffer", wconst.DefaultBufferSize)
	v.SetDefault("web.limits.header", wconst.DefaultMaxHeaderBytes)
	v.SetDefault("web.limits.body", wconst.DefaultMaxBodyBytes)
	v.SetDefault("web.limits.upload", wconst.DefaultMaxUploadBytes)
	v.SetDefault("web.limits.uploads", wconst.DefaultMaxUploads)
	v.SetDefault("web.limits.connections", wconst.DefaultMaxConnections)
	v.SetDefault("web.limits.sessions", wconst.DefaultMaxSessions)
	v.SetDefault("web.limits.requests", wconst.DefaultMaxRequests)
	v.SetDefault("web.limits.digest", wconst.DefaultMaxDigestNonces)
	v.SetDefault("web.auth.algorithm", "MD5")
	v.SetDefault("web.upload.dir", "/tmp")
	v.SetDefault("web.sessions.cookie", "WEB_SESSION")
	v.SetDefault("web.sessions.sameSite", "lax")
	v.SetDefault("web.sessions.httpOnly", true)
}

// Validate performs the "loads without binding a socket" check-config
// verification: routes reference known handlers and auth types, the
// host auth type is known, and the listen/documents fields are present.
// Roles and the signatures file are not checked here.
func (c *Config) Validate() error {
	if len(c.Web.Listen) == 0 {
		return fmt.Errorf("wconfig: web.listen must specify at least one endpoint")
	}
	if c.Web.Documents == "" {
		return fmt.Errorf("wconfig: web.documents is required")
	}
	for i, r := range c.Web.Routes {
		if r.Handler != "file" && r.Handler != "action" {
			return fmt.Errorf("wconfig: web.routes[%d].handler must be \"file\" or \"action\", got %q", i, r.Handler)
		}
		switch r.AuthType {
		case "", "session", "basic", "digest":
		default:
			return fmt.Errorf("wconfig: web.routes[%d].authType %q is not recognized", i, r.AuthType)
		}
	}
	switch c.Web.Auth.AuthType {
	case "", "basic", "digest":
	default:
		return fmt.Errorf("wconfig: web.auth.authType %q is not recognized", c.Web.Auth.AuthType)
	}
	return nil
}
