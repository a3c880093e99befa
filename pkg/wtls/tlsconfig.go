// Package wtls provides SSL/TLS version/cipher-suite profiles and builds
// the server-side tls.Config used by listening hosts, including SNI
// certificate selection and optional client-certificate verification.
package wtls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
)

// SSL/TLS Protocol Versions.
const (
	VersionSSL30 uint16 = tls.VersionSSL30 // 0x0300, not accepted by any built-in profile
	VersionTLS10 uint16 = tls.VersionTLS10
	VersionTLS11 uint16 = tls.VersionTLS11
	VersionTLS12 uint16 = tls.VersionTLS12
	VersionTLS13 uint16 = tls.VersionTLS13
)

// VersionProfile is a pre-configured min/max version range selectable from
// a host's tls.profile config key.
type VersionProfile struct {
	Min         uint16
	Max         uint16
	Description string
}

var (
	ProfileModern = VersionProfile{
		Min:         VersionTLS13,
		Max:         VersionTLS13,
		Description: "TLS 1.3 only",
	}
	ProfileSecure = VersionProfile{
		Min:         VersionTLS12,
		Max:         VersionTLS13,
		Description: "TLS 1.2+, the default for new hosts",
	}
	ProfileCompatible = VersionProfile{
		Min:         VersionTLS10,
		Max:         VersionTLS13,
		Description: "TLS 1.0+, for legacy device compatibility",
	}

	profilesByName = map[string]VersionProfile{
		"modern":     ProfileModern,
		"secure":     ProfileSecure,
		"compatible": ProfileCompatible,
	}
)

// ProfileByName resolves a tls.profile config value, defaulting to
// ProfileSecure when name is empty.
func ProfileByName(name string) (VersionProfile, error) {
	if name == "" {
		return ProfileSecure, nil
	}
	p, ok := profilesByName[name]
	if !ok {
		return VersionProfile{}, fmt.Errorf("wtls: unknown profile %q", name)
	}
	return p, nil
}

// GetVersionName returns a human-readable TLS version name for log lines.
func GetVersionName(version uint16) string {
	switch version {
	case VersionSSL30:
		return "SSL 3.0"
	case VersionTLS10:
		return "TLS 1.0"
	case VersionTLS11:
		return "TLS 1.1"
	case VersionTLS12:
		return "TLS 1.2"
	case VersionTLS13:
		return "TLS 1.3"
	default:
		return "unknown"
	}
}

// Recommended server cipher suites, ordered strongest first. TLS 1.3
// suites are negotiated automatically by crypto/tls and are never set
// explicitly.
var (
	CipherSuitesSecure = []uint16{
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	}

	CipherSuitesCompatible = append(append([]uint16{}, CipherSuitesSecure...),
		tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	)
)

// HostConfig holds the tls.* config keys for one listening host.
type HostConfig struct {
	CertFile       string // tls.certificate
	KeyFile        string // tls.key
	ClientCAFile   string // tls.verify.issuer, empty disables client-cert verification
	RequireClient  bool   // tls.verify.client
	Profile        string // tls.profile: "modern" | "secure" | "compatible"
	ServerName     string // tls.authority, advertised for certificate selection logging
}

// certStore serves the most recently loaded certificate for every SNI
// name; it exists so future hot-reload of certificates (Open Question
// resolved in favor of a reload hook rather than process restart) only
// needs to swap the stored pointer under lock.
type certStore struct {
	mu   sync.RWMutex
	cert *tls.Certificate
}

func (s *certStore) get() *tls.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cert
}

func (s *certStore) set(c *tls.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cert = c
}

// BuildServerConfig constructs a *tls.Config for a listening host from
// HostConfig, following the same version-profile/cipher-suite selection
// pattern used for client connections, applied to the server side:
// MinVersion/MaxVersion from the profile, CipherSuites pinned for TLS 1.2
// and below, and GetCertificate wired to a certStore so the listener never
// reads Config.Certificates directly (sidestepping the well-known
// must-not-mutate-after-use gotcha).
func BuildServerConfig(hc HostConfig) (*tls.Config, error) {
	profile, err := ProfileByName(hc.Profile)
	if err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(hc.CertFile, hc.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("wtls: load certificate: %w", err)
	}
	store := &certStore{}
	store.set(&cert)

	cfg := &tls.Config{
		MinVersion: profile.Min,
		MaxVersion: profile.Max,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return store.get(), nil
		},
	}
	applyCipherSuites(cfg, profile.Min)

	if hc.ClientCAFile != "" {
		pool, err := loadCertPool(hc.ClientCAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		if hc.RequireClient {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			cfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}

	return cfg, nil
}

func applyCipherSuites(cfg *tls.Config, minVersion uint16) {
	switch {
	case minVersion >= VersionTLS13:
		cfg.CipherSuites = nil
	case minVersion >= VersionTLS12:
		cfg.CipherSuites = CipherSuitesSecure
	default:
		cfg.CipherSuites = CipherSuitesCompatible
	}
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wtls: read client CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("wtls: no certificates parsed from %s", path)
	}
	return pool, nil
}
