// Package wconst defines magic numbers and default values shared across the
// web engine packages.
package wconst

import "time"

// Timeouts (web.timeouts.*)
const (
	DefaultParseTimeout      = 10 * time.Second
	DefaultInactivityTimeout = 60 * time.Second
	DefaultRequestTimeout    = 120 * time.Second
	DefaultSessionTimeout    = 30 * time.Minute
	DefaultDigestTimeout     = 60 * time.Second
	DigestSweepInterval      = 30 * time.Second
	SessionSweepInterval     = 60 * time.Second
)

// Limits (web.limits.*)
const (
	DefaultBufferSize      = 4 * 1024  // initial receive buffer size
	DefaultMaxHeaderBytes  = 64 * 1024 // header block cap -> 413
	DefaultMaxBodyBytes    = 10 << 20  // non-upload body cap -> 413
	DefaultMaxUploadBytes  = 100 << 20 // per-file upload cap -> 413
	DefaultMaxUploads      = 32        // per-request upload count cap
	DefaultMaxConnections  = 1024      // concurrent connections
	DefaultMaxSessions     = 10000     // session table cap -> 429
	DefaultMaxRequests     = 1000      // keep-alive requests per connection
	DefaultMaxDigestNonces = 4096      // digest nonce table cap
)

// StatusNetworkErrorInternal is the spec's catch-all network error status,
// used internally before the connection is closed; it is never the status
// of a response actually flushed to a client.
const StatusNetworkErrorInternal = 550
