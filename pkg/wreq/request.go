// Package wreq tokenizes the request line and header block read by
// pkg/wio into a populated Request, normalizes the path, and recognizes
// the semantic headers the rest of the pipeline consumes (Content-Length,
// Transfer-Encoding, conditional/range headers, Authorization, Origin,
// Upgrade). Header validation defers to golang.org/x/net/http/httpguts
// for RFC 7230 token/value correctness rather than a hand-rolled tchar
// table, and method/protocol casing uses golang.org/x/text/cases for
// Unicode-correct uppercasing.
package wreq

import (
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/embedthis/webengine/pkg/werrors"
)

var upper = cases.Upper(language.Und)

// ETag is a parsed entity tag from If-Match/If-None-Match.
type ETag struct {
	Value string
	Weak  bool
}

// ByteRange is one requested range, as parsed from the Range header.
// End is inclusive; Suffix marks a "-N" (last N bytes) form whose bounds
// are resolved once the resource size is known.
type ByteRange struct {
	Start, End int64
	Suffix     bool
	SuffixLen  int64
}

// Request is the parsed request-line and header state for one HTTP
// message, the server-side analogue of the fields a Connection holds per
// spec §3.
type Request struct {
	Method   string
	IsGET    bool
	IsHEAD   bool
	IsPOST   bool
	IsPUT    bool
	IsDELETE bool
	IsOPTIONS bool
	IsTRACE  bool

	RawPath  string // as received, before decoding
	Path     string // decoded and normalized
	Query    string
	Fragment string
	Ext      string

	Protocol string // "HTTP/1.0" | "HTTP/1.1"

	Headers textproto.MIMEHeader

	ContentLength    int64 // -1 when absent
	Chunked          bool
	ContentType      string
	MultipartBoundary string
	ConnectionClose  bool
	Cookie           string

	IfMatch        []ETag
	IfNoneMatch    []ETag
	IfModifiedSince   time.Time
	IfUnmodifiedSince time.Time
	IfRangeETag    string
	IfRangeDate    time.Time
	Ranges         []ByteRange

	Origin       string
	Upgrade      string
	LastEventID  string
	AuthScheme   string
	AuthParams   string
}

const maxPathDecodeLen = 8192

// ParseRequestLine parses "METHOD SP target SP protocol" and populates the
// method/protocol fields and raw path/query/fragment split.
func ParseRequestLine(line string) (*Request, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, werrors.Protocol("wreq.ParseRequestLine", "malformed request line", nil)
	}

	r := &Request{
		Method:    upper.String(parts[0]),
		Protocol:  upper.String(parts[2]),
		Headers:   make(textproto.MIMEHeader),
		ContentLength: -1,
	}

	switch r.Method {
	case "GET":
		r.IsGET = true
	case "HEAD":
		r.IsHEAD = true
	case "POST":
		r.IsPOST = true
	case "PUT":
		r.IsPUT = true
	case "DELETE":
		r.IsDELETE = true
	case "OPTIONS":
		r.IsOPTIONS = true
	case "TRACE":
		r.IsTRACE = true
	default:
		return nil, werrors.Routing("wreq.ParseRequestLine", 405, "unsupported method")
	}

	if r.Protocol != "HTTP/1.0" && r.Protocol != "HTTP/1.1" {
		return nil, werrors.Protocol("wreq.ParseRequestLine", "unsupported protocol version", nil)
	}

	target := parts[1]
	rawPath, query, fragment := splitTarget(target)
	r.RawPath = rawPath
	r.Query = query
	r.Fragment = fragment

	decoded, err := decodePath(rawPath)
	if err != nil {
		return nil, err
	}
	normalized, ok := normalizePath(decoded)
	if !ok {
		return nil, werrors.Protocol("wreq.ParseRequestLine", "path escapes document root", nil)
	}
	r.Path = normalized
	r.Ext = extensionOf(normalized)

	return r, nil
}

func splitTarget(target string) (path, query, fragment string) {
	path = target
	if i := strings.IndexByte(path, '#'); i >= 0 {
		fragment = path[i+1:]
		path = path[:i]
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		query = path[i+1:]
		path = path[:i]
	}
	return path, query, fragment
}

// decodePath percent-decodes path, rejecting embedded NUL sequences per
// spec §4.2 ("%00 sequences are rejected").
func decodePath(raw string) (string, error) {
	if len(raw) > maxPathDecodeLen {
		return "", werrors.Limit("wreq.decodePath", 413, "request path too long")
	}
	if strings.Contains(strings.ToLower(raw), "%00") {
		return "", werrors.Protocol("wreq.decodePath", "embedded NUL in path", nil)
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", werrors.Protocol("wreq.decodePath", "invalid percent-encoding", err)
	}
	if strings.ContainsRune(decoded, 0) {
		return "", werrors.Protocol("wreq.decodePath", "embedded NUL in path", nil)
	}
	return decoded, nil
}

// normalizePath splits on '/', drops empty and "." segments, and pops on
// ".."; popping below the root fails. Returns the canonical form ("/"-
// rooted, no trailing slash unless the path is exactly "/").
func normalizePath(p string) (string, bool) {
	segments := strings.Split(p, "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) == 0 {
				return "", false
			}
			out = out[:len(out)-1]
		default:
			out = append(out, seg)
		}
	}
	if len(out) == 0 {
		return "/", true
	}
	return "/" + strings.Join(out, "/"), true
}

func extensionOf(path string) string {
	base := path
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndexByte(base, '.'); i >= 0 && i < len(base)-1 {
		return base[i+1:]
	}
	return ""
}

// ValidateHeaderField reports whether name/value are acceptable per RFC
// 7230, using httpguts rather than a hand-rolled tchar table.
func ValidateHeaderField(name, value string) bool {
	return httpguts.ValidHeaderFieldName(name) && httpguts.ValidHeaderFieldValue(value)
}

// ParseContentLength validates and returns a Content-Length value,
// enforcing the spec's non-negative and ≤ limit constraints.
func ParseContentLength(value string, limit int64) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || n < 0 {
		return 0, werrors.Protocol("wreq.ParseContentLength", "invalid Content-Length", err)
	}
	if limit > 0 && n > limit {
		return 0, werrors.Limit("wreq.ParseContentLength", 413, "Content-Length exceeds limit")
	}
	return n, nil
}
