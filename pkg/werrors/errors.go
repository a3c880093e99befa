// Package werrors provides the structured error taxonomy used across the
// request lifecycle core, grounded on the same Type/Op/Cause shape the
// transport layer of the library this engine grew out of used for its own
// client-side errors.
package werrors

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"
)

// Type categorizes an error the way spec §7 ("Error Handling Design")
// breaks down the request lifecycle's failure surface.
type Type string

const (
	TypeProtocol      Type = "protocol"      // malformed request line/headers/chunks
	TypeLimit         Type = "limit"         // header/body/upload/connection/session caps
	TypeAuth          Type = "auth"          // missing/bad credentials, bad digest state
	TypeRouting       Type = "routing"       // no route / method not allowed
	TypePrecondition  Type = "precondition"  // If-Match/If-Unmodified-Since failures
	TypeRange         Type = "range"         // unsatisfiable byte range
	TypeValidation    Type = "validation"    // signature validator rejection
	TypeInternal      Type = "internal"      // disk I/O, allocation, TLS
	TypeConnectionEOF Type = "connection"    // I/O failure / deadline expiry, no response
)

// Error is the structured error type threaded through the parser, framing,
// auth, and handler layers. Status is the HTTP status that should be
// written if the connection is still writable; Fatal marks errors that
// must close the connection rather than permit keep-alive.
type Error struct {
	Type      Type
	Op        string
	Status    int
	Fatal     bool
	Message   string
	Cause     error
	Timestamp time.Time
}

func (e *Error) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Type, e.Op)
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

func new(typ Type, op string, status int, fatal bool, msg string, cause error) *Error {
	return &Error{
		Type:      typ,
		Op:        op,
		Status:    status,
		Fatal:     fatal,
		Message:   msg,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// Protocol builds a 400, connection-closing error for malformed request
// lines, headers, or chunk framing.
func Protocol(op, msg string, cause error) *Error {
	return new(TypeProtocol, op, http.StatusBadRequest, true, msg, cause)
}

// Limit builds a 413 or 429 error for a size/count cap violation.
func Limit(op string, status int, msg string) *Error {
	return new(TypeLimit, op, status, true, msg, nil)
}

// Auth builds a 401/403 authentication or authorization error. Fatal is
// false: a failed auth attempt keeps the connection alive so the client
// can retry with credentials.
func Auth(op string, status int, msg string) *Error {
	return new(TypeAuth, op, status, false, msg, nil)
}

// Routing builds a 404/405 routing error; non-fatal.
func Routing(op string, status int, msg string) *Error {
	return new(TypeRouting, op, status, false, msg, nil)
}

// Precondition builds a 412 error; non-fatal.
func Precondition(op, msg string) *Error {
	return new(TypePrecondition, op, http.StatusPreconditionFailed, false, msg, nil)
}

// Range builds a 416 error; non-fatal.
func Range(op, msg string) *Error {
	return new(TypeRange, op, http.StatusRequestedRangeNotSatisfiable, false, msg, nil)
}

// Validation builds a 400 signature-validation error. Fatal per spec §7
// ("Validation errors -> 400 and close").
func Validation(op, msg string) *Error {
	return new(TypeValidation, op, http.StatusBadRequest, true, msg, nil)
}

// Internal builds a 500, connection-closing error for I/O or allocation
// failures.
func Internal(op, msg string, cause error) *Error {
	return new(TypeInternal, op, http.StatusInternalServerError, true, msg, cause)
}

// ConnectionEOF marks a connection-fatal condition (I/O failure, deadline
// expiry, TLS shutdown) for which no response is written at all.
func ConnectionEOF(op string, cause error) *Error {
	return new(TypeConnectionEOF, op, 0, true, "", cause)
}

// IsFatal reports whether err (structured or not) should terminate the
// connection rather than permit keep-alive. Non-werrors errors are treated
// as fatal, matching spec §7's "any fatal signal as terminal" default.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*Error); ok {
		return e.Fatal
	}
	return true
}

// StatusOf returns the HTTP status that should be written for err, or 0 if
// none should be written (connection-fatal, no response).
func StatusOf(err error) int {
	if e, ok := err.(*Error); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

// ShouldLog reports whether err should be traced; per spec §7, 401/301/302
// are never logged.
func ShouldLog(err error) bool {
	status := StatusOf(err)
	switch status {
	case http.StatusUnauthorized, http.StatusMovedPermanently, http.StatusFound:
		return false
	default:
		return true
	}
}

// ConstantTimeEqual performs a constant-time byte comparison, used by the
// Basic/Digest verifiers and XSRF token checks to avoid timing side
// channels. It is a thin wrapper so callers never reach for bytes.Equal by
// habit in security-sensitive compares.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
