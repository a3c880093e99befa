// Package wlog defines the engine's structured-logging conventions: a
// shared logrus field vocabulary and the WEB_SHOW request/response
// tracing toggle, per SPEC_FULL.md §6.
package wlog

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Standard field names, shared across every package that logs through
// this engine so log lines stay greppable by a fixed vocabulary.
const (
	FieldConnection = "conn"
	FieldRequest    = "req"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatus     = "status"
	FieldDuration   = "duration"
	FieldRemote     = "remote"
	FieldError      = "error"
	FieldUser       = "user"
)

// New builds the engine's root logger. level is one of logrus's parsable
// strings ("debug", "info", "warn", "error"); an unparsable value falls
// back to info.
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	return log
}

// Show is the decoded WEB_SHOW trace toggle: which of request/response
// headers and bodies should be attached to request-scoped log entries.
// Tracing never alters control flow, only which fields get attached.
type Show struct {
	RequestHeaders  bool
	RequestBody     bool
	ResponseHeaders bool
	ResponseBody    bool
}

// ShowFromEnv decodes the WEB_SHOW environment variable, whose letters
// are H (request headers), B (request body), h (response headers), b
// (response body) in any combination, e.g. "HB" or "Hhb".
func ShowFromEnv() Show {
	return ParseShow(os.Getenv("WEB_SHOW"))
}

// ParseShow decodes a WEB_SHOW-style string directly, for tests and for
// a config-file override of the environment variable.
func ParseShow(spec string) Show {
	var s Show
	for _, r := range spec {
		switch r {
		case 'H':
			s.RequestHeaders = true
		case 'B':
			s.RequestBody = true
		case 'h':
			s.ResponseHeaders = true
		case 'b':
			s.ResponseBody = true
		}
	}
	return s
}

// Attach adds the enabled trace fields to entry and returns the
// augmented entry; callers pass whichever of header/body text is
// available at their call site (empty strings are simply not attached).
func (s Show) Attach(entry *logrus.Entry, reqHeaders, reqBody, respHeaders, respBody string) *logrus.Entry {
	if s.RequestHeaders && reqHeaders != "" {
		entry = entry.WithField("req_headers", reqHeaders)
	}
	if s.RequestBody && reqBody != "" {
		entry = entry.WithField("req_body", reqBody)
	}
	if s.ResponseHeaders && respHeaders != "" {
		entry = entry.WithField("resp_headers", respHeaders)
	}
	if s.ResponseBody && respBody != "" {
		entry = entry.WithField("resp_body", respBody)
	}
	return entry
}

// Enabled reports whether any tracing at all is configured, letting
// callers skip assembling trace text when nothing will use it.
func (s Show) Enabled() bool {
	return s.RequestHeaders || s.RequestBody || s.ResponseHeaders || s.ResponseBody
}

// ScrubSecret redacts values that must never reach a log line (stored
// password hashes, digest nonces, session ids), per SPEC_FULL.md §7.
func ScrubSecret(s string) string {
	if s == "" {
		return s
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
