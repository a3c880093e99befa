package wreq

import "testing"

func parseFull(t *testing.T, requestLine string, rawHeaders string) *Request {
	t.Helper()
	r, err := ParseRequestLine(requestLine)
	if err != nil {
		t.Fatalf("ParseRequestLine: %v", err)
	}
	if err := ParseHeaderBlock(r, []byte(rawHeaders)); err != nil {
		t.Fatalf("ParseHeaderBlock: %v", err)
	}
	return r
}

func TestParseHeaderBlockMergesCookies(t *testing.T) {
	r := parseFull(t, "GET / HTTP/1.1", "Cookie: a=1\r\nCookie: b=2\r\n")
	if got := r.Headers.Get("Cookie"); got != "a=1; b=2" {
		t.Fatalf("unexpected merged cookie header %q", got)
	}
}

func TestParseHeaderBlockContinuationLine(t *testing.T) {
	r := parseFull(t, "GET / HTTP/1.1", "X-Thing: first\r\n second\r\n")
	if got := r.Headers.Get("X-Thing"); got != "first second" {
		t.Fatalf("unexpected continuation merge %q", got)
	}
}

func TestParseHeaderBlockRejectsBadLine(t *testing.T) {
	r, _ := ParseRequestLine("GET / HTTP/1.1")
	if err := ParseHeaderBlock(r, []byte("NoColonHere\r\n")); err == nil {
		t.Fatalf("expected malformed header error")
	}
}

func TestApplySemanticHeadersContentLengthAndChunkedConflict(t *testing.T) {
	r := parseFull(t, "POST / HTTP/1.1", "Content-Length: 5\r\nTransfer-Encoding: chunked\r\n")
	if err := ApplySemanticHeaders(r, 1<<20, 1<<20); err == nil {
		t.Fatalf("expected conflict error")
	}
}

func TestApplySemanticHeadersMultipartBoundary(t *testing.T) {
	r := parseFull(t, "POST / HTTP/1.1", "Content-Type: multipart/form-data; boundary=XYZ\r\n")
	if err := ApplySemanticHeaders(r, 1<<20, 1<<20); err != nil {
		t.Fatalf("ApplySemanticHeaders: %v", err)
	}
	if r.MultipartBoundary != "XYZ" {
		t.Fatalf("unexpected boundary %q", r.MultipartBoundary)
	}
}

func TestApplySemanticHeadersAuthorization(t *testing.T) {
	r := parseFull(t, "GET / HTTP/1.1", "Authorization: Basic abc123\r\n")
	if err := ApplySemanticHeaders(r, 0, 0); err != nil {
		t.Fatalf("ApplySemanticHeaders: %v", err)
	}
	if r.AuthScheme != "Basic" || r.AuthParams != "abc123" {
		t.Fatalf("unexpected auth split %q/%q", r.AuthScheme, r.AuthParams)
	}
}

func TestParseRangeHeaderForms(t *testing.T) {
	ranges, err := parseRangeHeader("bytes=0-99,200-,-50")
	if err != nil {
		t.Fatalf("parseRangeHeader: %v", err)
	}
	if len(ranges) != 3 {
		t.Fatalf("expected 3 ranges, got %d", len(ranges))
	}
	if ranges[0].Start != 0 || ranges[0].End != 99 {
		t.Fatalf("unexpected bounded range %+v", ranges[0])
	}
	if ranges[1].Start != 200 || ranges[1].End != -1 {
		t.Fatalf("unexpected open range %+v", ranges[1])
	}
	if !ranges[2].Suffix || ranges[2].SuffixLen != 50 {
		t.Fatalf("unexpected suffix range %+v", ranges[2])
	}
}

func TestResolveRangesClampsToSize(t *testing.T) {
	ranges := []ByteRange{{Start: 0, End: 999}, {Suffix: true, SuffixLen: 20}}
	resolved, err := ResolveRanges(ranges, 100)
	if err != nil {
		t.Fatalf("ResolveRanges: %v", err)
	}
	if resolved[0].End != 99 {
		t.Fatalf("expected clamp to 99, got %d", resolved[0].End)
	}
	if resolved[1].Start != 80 || resolved[1].End != 99 {
		t.Fatalf("unexpected suffix resolution %+v", resolved[1])
	}
}

func TestResolveRangesUnsatisfiable(t *testing.T) {
	ranges := []ByteRange{{Start: 500, End: 600}}
	if _, err := ResolveRanges(ranges, 100); err == nil {
		t.Fatalf("expected unsatisfiable range error")
	}
}

func TestParseETagListWildcard(t *testing.T) {
	tags, err := parseETagList("*")
	if err != nil || len(tags) != 1 || tags[0].Value != "*" {
		t.Fatalf("unexpected wildcard parse: %+v, %v", tags, err)
	}
}

func TestParseETagListWeakAndStrong(t *testing.T) {
	tags, err := parseETagList(`"abc", W/"def"`)
	if err != nil {
		t.Fatalf("parseETagList: %v", err)
	}
	if len(tags) != 2 || tags[0].Weak || !tags[1].Weak {
		t.Fatalf("unexpected tags %+v", tags)
	}
}
