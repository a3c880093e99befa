package wreq

import (
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/embedthis/webengine/pkg/werrors"
)

// ParseHeaderBlock scans raw (the bytes between the request line and the
// blank line, CRLF-terminated lines included) into r.Headers, honoring
// RFC 7230 line continuations and concatenating duplicate Cookie headers
// with "; ". A malformed header-name byte, or LF without a preceding CR,
// rejects the whole block.
func ParseHeaderBlock(r *Request, raw []byte) error {
	lines := splitCRLFLines(raw)
	var lastKey string

	for _, line := range lines {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if lastKey == "" {
				return werrors.Protocol("wreq.ParseHeaderBlock", "continuation without preceding header", nil)
			}
			existing := r.Headers.Values(lastKey)
			if len(existing) == 0 {
				return werrors.Protocol("wreq.ParseHeaderBlock", "continuation without preceding header", nil)
			}
			last := existing[len(existing)-1]
			r.Headers.Set(lastKey, last+" "+strings.TrimSpace(line))
			continue
		}

		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			return werrors.Protocol("wreq.ParseHeaderBlock", "malformed header line", nil)
		}
		name := line[:idx]
		value := strings.TrimSpace(line[idx+1:])
		if !ValidateHeaderField(name, value) {
			return werrors.Protocol("wreq.ParseHeaderBlock", "invalid header token or value", nil)
		}
		canon := textproto.CanonicalMIMEHeaderKey(name)

		if canon == "Cookie" {
			if existing := r.Headers.Get("Cookie"); existing != "" {
				r.Headers.Set("Cookie", existing+"; "+value)
			} else {
				r.Headers.Set("Cookie", value)
			}
		} else {
			r.Headers.Add(canon, value)
		}
		lastKey = canon
	}

	return nil
}

// splitCRLFLines splits raw into lines on "\r\n"; a bare LF without a
// preceding CR is left inside its line for header validation to reject.
func splitCRLFLines(raw []byte) []string {
	s := string(raw)
	s = strings.TrimSuffix(s, "\r\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\r\n")
}

// ApplySemanticHeaders populates the recognized-header fields on r from
// r.Headers, applying the spec §4.2 limits and mutual-exclusivity rule
// for Content-Length vs. Transfer-Encoding.
func ApplySemanticHeaders(r *Request, maxBody, maxUpload int64) error {
	cl := r.Headers.Get("Content-Length")
	te := strings.ToLower(r.Headers.Get("Transfer-Encoding"))
	r.Chunked = strings.Contains(te, "chunked")

	if cl != "" && r.Chunked {
		return werrors.Protocol("wreq.ApplySemanticHeaders", "Content-Length and Transfer-Encoding both present", nil)
	}

	ct := r.Headers.Get("Content-Type")
	r.ContentType = ct
	isUpload := strings.HasPrefix(strings.ToLower(ct), "multipart/form-data")
	if isUpload {
		r.MultipartBoundary = boundaryOf(ct)
	}

	limit := maxBody
	if isUpload || r.IsPUT {
		limit = maxUpload
	}

	if cl != "" {
		n, err := ParseContentLength(cl, limit)
		if err != nil {
			return err
		}
		r.ContentLength = n
	}

	r.ConnectionClose = strings.EqualFold(r.Headers.Get("Connection"), "close")
	r.Cookie = r.Headers.Get("Cookie")
	r.Origin = r.Headers.Get("Origin")
	r.Upgrade = r.Headers.Get("Upgrade")
	r.LastEventID = r.Headers.Get("Last-Event-ID")

	if auth := r.Headers.Get("Authorization"); auth != "" {
		scheme, params, ok := strings.Cut(auth, " ")
		if !ok {
			return werrors.Protocol("wreq.ApplySemanticHeaders", "malformed Authorization header", nil)
		}
		r.AuthScheme = scheme
		r.AuthParams = params
	}

	if v := r.Headers.Get("If-Match"); v != "" {
		tags, err := parseETagList(v)
		if err != nil {
			return err
		}
		r.IfMatch = tags
	}
	if v := r.Headers.Get("If-None-Match"); v != "" {
		tags, err := parseETagList(v)
		if err != nil {
			return err
		}
		r.IfNoneMatch = tags
	}
	if v := r.Headers.Get("If-Modified-Since"); v != "" {
		if t, err := parseHTTPDate(v); err == nil {
			r.IfModifiedSince = t
		}
	}
	if v := r.Headers.Get("If-Unmodified-Since"); v != "" {
		if t, err := parseHTTPDate(v); err == nil {
			r.IfUnmodifiedSince = t
		}
	}
	if v := r.Headers.Get("If-Range"); v != "" {
		if strings.HasPrefix(v, "\"") || strings.HasPrefix(v, "W/") {
			r.IfRangeETag = strings.Trim(strings.TrimPrefix(v, "W/"), "\"")
		} else if t, err := parseHTTPDate(v); err == nil {
			r.IfRangeDate = t
		}
	}
	if v := r.Headers.Get("Range"); v != "" {
		ranges, err := parseRangeHeader(v)
		if err != nil {
			return err
		}
		r.Ranges = ranges
	}

	return nil
}

func boundaryOf(contentType string) string {
	const marker = "boundary="
	idx := strings.Index(contentType, marker)
	if idx < 0 {
		return ""
	}
	b := contentType[idx+len(marker):]
	if i := strings.IndexByte(b, ';'); i >= 0 {
		b = b[:i]
	}
	return strings.Trim(strings.TrimSpace(b), "\"")
}

func parseETagList(v string) ([]ETag, error) {
	v = strings.TrimSpace(v)
	if v == "*" {
		return []ETag{{Value: "*"}}, nil
	}
	var tags []ETag
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		weak := false
		if strings.HasPrefix(part, "W/") {
			weak = true
			part = strings.TrimPrefix(part, "W/")
		}
		if len(part) < 2 || part[0] != '"' || part[len(part)-1] != '"' {
			return nil, werrors.Protocol("wreq.parseETagList", "malformed ETag", nil)
		}
		tags = append(tags, ETag{Value: part[1 : len(part)-1], Weak: weak})
	}
	return tags, nil
}

// httpDateLayouts covers the three RFC 7231 IMF-fixdate-compatible forms;
// IMF-fixdate is tried first as the preferred form.
var httpDateLayouts = []string{
	time.RFC1123,
	time.RFC850,
	time.ANSIC,
}

func parseHTTPDate(v string) (time.Time, error) {
	for _, layout := range httpDateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, werrors.Protocol("wreq.parseHTTPDate", "unparseable HTTP date", nil)
}

// parseRangeHeader parses "bytes=a-b,c-d,..." into ByteRange entries. "N-M"
// is [N,M]; "N-" runs to EOF (End left at -1, resolved once size is
// known); "-M" is a suffix range of the last M bytes.
func parseRangeHeader(v string) ([]ByteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(v, prefix) {
		return nil, werrors.Protocol("wreq.parseRangeHeader", "unsupported range unit", nil)
	}
	v = strings.TrimPrefix(v, prefix)

	var ranges []ByteRange
	for _, spec := range strings.Split(v, ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		start, end, found := strings.Cut(spec, "-")
		if !found {
			return nil, werrors.Protocol("wreq.parseRangeHeader", "malformed range", nil)
		}
		switch {
		case start == "" && end != "":
			n, err := strconv.ParseInt(end, 10, 64)
			if err != nil || n <= 0 {
				return nil, werrors.Protocol("wreq.parseRangeHeader", "malformed suffix range", err)
			}
			ranges = append(ranges, ByteRange{Suffix: true, SuffixLen: n})
		case start != "" && end == "":
			n, err := strconv.ParseInt(start, 10, 64)
			if err != nil || n < 0 {
				return nil, werrors.Protocol("wreq.parseRangeHeader", "malformed open range", err)
			}
			ranges = append(ranges, ByteRange{Start: n, End: -1})
		case start != "" && end != "":
			s, err1 := strconv.ParseInt(start, 10, 64)
			e, err2 := strconv.ParseInt(end, 10, 64)
			if err1 != nil || err2 != nil || s < 0 || e < s {
				return nil, werrors.Protocol("wreq.parseRangeHeader", "malformed bounded range", nil)
			}
			ranges = append(ranges, ByteRange{Start: s, End: e})
		default:
			return nil, werrors.Protocol("wreq.parseRangeHeader", "empty range", nil)
		}
	}
	if len(ranges) == 0 {
		return nil, werrors.Protocol("wreq.parseRangeHeader", "no ranges specified", nil)
	}
	return ranges, nil
}

// ResolveRanges clamps each range against a resource of the given size,
// per spec §4.7 ("N-M is [N,M] with end clamped to size"); suffix ranges
// become [size-N, size-1] clamped to ≥0.
func ResolveRanges(ranges []ByteRange, size int64) ([]ByteRange, error) {
	out := make([]ByteRange, 0, len(ranges))
	for _, r := range ranges {
		switch {
		case r.Suffix:
			start := size - r.SuffixLen
			if start < 0 {
				start = 0
			}
			out = append(out, ByteRange{Start: start, End: size - 1})
		case r.End < 0:
			if r.Start >= size {
				continue
			}
			out = append(out, ByteRange{Start: r.Start, End: size - 1})
		default:
			end := r.End
			if end >= size {
				end = size - 1
			}
			if r.Start > end {
				continue
			}
			out = append(out, ByteRange{Start: r.Start, End: end})
		}
	}
	if len(out) == 0 {
		return nil, werrors.Range("wreq.ResolveRanges", "no satisfiable ranges")
	}
	return out, nil
}
