// Package hashutil implements the cryptographic collaborator interfaces
// the authentication and session layers consume: password hashing, HMAC
// nonce tagging, constant-time compare, and random ID generation. The core
// packages depend only on the Hasher/MAC/RandomSource interfaces; this
// package is the one concrete, production-usable implementation that lets
// a host run end to end.
package hashutil

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Algorithm prefixes recognized on stored password hashes, per spec §3/§6.
const (
	AlgMD5    = "MD5:"
	AlgSHA256 = "SHA256:"
	AlgBcrypt = "BF1:"
)

// Hasher verifies a plaintext password against a stored, algorithm-tagged
// hash of the form "<prefix>H(username:realm:password)" (or bcrypt's own
// self-describing hash under the BF1: tag).
type Hasher interface {
	// Verify reports whether password, combined with username and realm,
	// matches stored. stored carries one of the Alg* prefixes, or no
	// prefix for a raw digest using the host's configured default
	// algorithm.
	Verify(stored, username, realm, password, defaultAlg string) bool

	// Hash produces a new stored-hash value for (username, realm,
	// password) tagged with alg, for use by the hash-password CLI and by
	// user-provisioning code paths.
	Hash(alg, username, realm, password string) (string, error)

	// DigestHA1 computes HA1 = H(username:realm:password) using alg
	// ("MD5" or "SHA-256") for RFC 7616 Digest authentication. stored is
	// the already-tagged value from the user table; its prefix algorithm
	// must match alg or the caller rejects the attempt.
	DigestHA1(stored, alg string) (string, bool)

	// DigestHash computes H(data) using alg ("MD5" or "SHA-256"), the
	// primitive HA2/response computations in pkg/auth are built from.
	DigestHash(alg, data string) string
}

// MAC computes and verifies the HMAC-SHA256 tag embedded in Digest
// nonces.
type MAC interface {
	Tag(secret []byte, data string) []byte
	Equal(a, b []byte) bool
}

// RandomSource produces cryptographically random identifiers for session
// IDs, nonces, and XSRF tokens.
type RandomSource interface {
	// ID256 returns a base64 (RFC 4648, no padding) encoding of 32
	// crypto/rand bytes, used for session IDs and XSRF tokens.
	ID256() string

	// NonceRandom returns the random component embedded in a Digest
	// nonce envelope.
	NonceRandom() string
}

// Default is the stock implementation of Hasher/MAC/RandomSource. It has
// no state and is safe for concurrent use; hosts share one instance.
type Default struct{}

var _ Hasher = Default{}
var _ MAC = Default{}
var _ RandomSource = Default{}

// Verify implements Hasher.
func (Default) Verify(stored, username, realm, password, defaultAlg string) bool {
	alg, digest := splitAlg(stored, defaultAlg)
	switch alg {
	case "BF1":
		return bcrypt.CompareHashAndPassword([]byte(digest), []byte(username+":"+realm+":"+password)) == nil
	case "SHA256":
		want := sha256Hex(username + ":" + realm + ":" + password)
		return constantTimeEqualString(want, digest)
	case "MD5":
		want := md5Hex(username + ":" + realm + ":" + password)
		return constantTimeEqualString(want, digest)
	default:
		return false
	}
}

// Hash implements Hasher.
func (Default) Hash(alg, username, realm, password string) (string, error) {
	plain := username + ":" + realm + ":" + password
	switch strings.ToUpper(alg) {
	case "BF1", "BCRYPT":
		h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
		if err != nil {
			return "", fmt.Errorf("hashutil: bcrypt hash: %w", err)
		}
		return AlgBcrypt + string(h), nil
	case "SHA256":
		return AlgSHA256 + sha256Hex(plain), nil
	case "MD5":
		return AlgMD5 + md5Hex(plain), nil
	default:
		return "", fmt.Errorf("hashutil: unknown algorithm %q", alg)
	}
}

// DigestHA1 implements Hasher.
func (Default) DigestHA1(stored, alg string) (string, bool) {
	tag, digest := splitAlg(stored, "")
	switch strings.ToUpper(alg) {
	case "MD5":
		if tag != "" && tag != "MD5" {
			return "", false
		}
		return digest, true
	case "SHA-256", "SHA256":
		if tag != "" && tag != "SHA256" {
			return "", false
		}
		return digest, true
	default:
		return "", false
	}
}

// DigestHash implements Hasher.
func (Default) DigestHash(alg, data string) string {
	switch strings.ToUpper(alg) {
	case "SHA-256", "SHA256":
		return sha256Hex(data)
	default:
		return md5Hex(data)
	}
}

// Tag implements MAC.
func (Default) Tag(secret []byte, data string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

// Equal implements MAC using a constant-time comparison.
func (Default) Equal(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// ID256 implements RandomSource.
func (Default) ID256() string {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is a host-fatal condition; the caller
		// observes an unusably short/predictable ID and should treat
		// this as an internal error rather than silently degrade.
		panic("hashutil: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf[:])
}

// NonceRandom implements RandomSource using a UUIDv4 for the random
// component of a Digest nonce envelope.
func (Default) NonceRandom() string {
	return uuid.New().String()
}

func splitAlg(stored, defaultAlg string) (alg, digest string) {
	switch {
	case strings.HasPrefix(stored, AlgMD5):
		return "MD5", strings.TrimPrefix(stored, AlgMD5)
	case strings.HasPrefix(stored, AlgSHA256):
		return "SHA256", strings.TrimPrefix(stored, AlgSHA256)
	case strings.HasPrefix(stored, AlgBcrypt):
		return "BF1", strings.TrimPrefix(stored, AlgBcrypt)
	default:
		return strings.ToUpper(defaultAlg), stored
	}
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return fmt.Sprintf("%x", sum)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", sum)
}

func constantTimeEqualString(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// EncodeNonceTimestamp renders a Unix timestamp as the hex field used in
// the Digest nonce envelope's text prefix.
func EncodeNonceTimestamp(unixSeconds int64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(unixSeconds))
	return fmt.Sprintf("%x", buf)
}

// DecodeNonceTimestamp parses the hex field produced by
// EncodeNonceTimestamp.
func DecodeNonceTimestamp(hexTimestamp string) (int64, error) {
	var v uint64
	if _, err := fmt.Sscanf(hexTimestamp, "%x", &v); err != nil {
		return 0, fmt.Errorf("hashutil: bad nonce timestamp: %w", err)
	}
	return int64(v), nil
}
