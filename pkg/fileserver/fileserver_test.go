package fileserver

import (
	"io"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/embedthis/webengine/pkg/wio"
	"github.com/embedthis/webengine/pkg/wreq"
)

func pipeBuffer(t *testing.T) (*wio.Buffer, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	return wio.New(server, 64), client
}

func deadline() time.Time { return time.Now().Add(time.Second) }

func writeAsync(t *testing.T, client net.Conn, body string) {
	t.Helper()
	go func() { client.Write([]byte(body)) }()
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func newReq(method, path string) *wreq.Request {
	return &wreq.Request{Method: method, Path: path, Headers: make(textproto.MIMEHeader)}
}

func TestServeGetReturns200WithBodyAndHeaders(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "hello.txt", "hello world")

	resp, err := Serve(Config{DocRoot: dir}, newReq("GET", "/hello.txt"), true)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if resp.Headers["ETag"] == "" || resp.Headers["Last-Modified"] == "" {
		t.Fatalf("expected ETag and Last-Modified headers, got %+v", resp.Headers)
	}
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "hello world" {
		t.Fatalf("unexpected body: %q", data)
	}
}

func TestServeGetMissingFileReturns404(t *testing.T) {
	dir := t.TempDir()
	if _, err := Serve(Config{DocRoot: dir}, newReq("GET", "/missing.txt"), true); err == nil {
		t.Fatalf("expected 404 error for missing file")
	}
}

func TestServeGetDirectoryWithoutTrailingSlashRedirects(t *testing.T) {
	dir := t.TempDir()
	os.Mkdir(filepath.Join(dir, "sub"), 0o755)
	writeFile(t, filepath.Join(dir, "sub"), "index.html", "<html/>")

	resp, err := Serve(Config{DocRoot: dir, Index: "index.html"}, newReq("GET", "/sub"), true)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.Status != 301 || resp.Headers["Location"] != "/sub/" {
		t.Fatalf("expected 301 redirect to /sub/, got %+v", resp)
	}
}

func TestServeGetDirectoryServesIndex(t *testing.T) {
	dir := t.TempDir()
	os.Mkdir(filepath.Join(dir, "sub"), 0o755)
	writeFile(t, filepath.Join(dir, "sub"), "index.html", "<html/>")

	resp, err := Serve(Config{DocRoot: dir, Index: "index.html"}, newReq("GET", "/sub/"), true)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "<html/>" {
		t.Fatalf("unexpected index content: %q", data)
	}
}

func TestServeGetIfNoneMatchReturns304(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "f.txt", "data")
	fi, _ := os.Stat(path)
	etag := ETag(fi)

	r := newReq("GET", "/f.txt")
	r.IfNoneMatch = []wreq.ETag{{Value: etag}}

	resp, err := Serve(Config{DocRoot: dir}, r, true)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.Status != 304 {
		t.Fatalf("expected 304, got %d", resp.Status)
	}
}

func TestServeGetIfModifiedSinceReturns304(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "f.txt", "data")
	fi, _ := os.Stat(path)

	r := newReq("GET", "/f.txt")
	r.IfModifiedSince = fi.ModTime().Add(time.Second)

	resp, err := Serve(Config{DocRoot: dir}, r, true)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.Status != 304 {
		t.Fatalf("expected 304, got %d", resp.Status)
	}
}

func TestServeGetSingleRange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "f.txt", "0123456789")

	r := newReq("GET", "/f.txt")
	r.Ranges = []wreq.ByteRange{{Start: 2, End: 4}}

	resp, err := Serve(Config{DocRoot: dir}, r, true)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.Status != 206 {
		t.Fatalf("expected 206, got %d", resp.Status)
	}
	if resp.Headers["Content-Range"] != "bytes 2-4/10" {
		t.Fatalf("unexpected Content-Range: %q", resp.Headers["Content-Range"])
	}
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "234" {
		t.Fatalf("unexpected range body: %q", data)
	}
}

func TestServeGetMultipartRanges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "f.txt", "0123456789")

	r := newReq("GET", "/f.txt")
	r.Ranges = []wreq.ByteRange{{Start: 0, End: 1}, {Start: 5, End: 6}}

	resp, err := Serve(Config{DocRoot: dir}, r, true)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.Status != 206 {
		t.Fatalf("expected 206, got %d", resp.Status)
	}
	if !strings.Contains(resp.Headers["Content-Type"], "multipart/byteranges") {
		t.Fatalf("expected multipart content type, got %q", resp.Headers["Content-Type"])
	}
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), "01") || !strings.Contains(string(data), "56") {
		t.Fatalf("expected both range bodies present, got %q", data)
	}
}

func TestServeGetUnsatisfiableRangeErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "f.txt", "0123456789")

	r := newReq("GET", "/f.txt")
	r.Ranges = []wreq.ByteRange{{Start: 100, End: 200}}

	if _, err := Serve(Config{DocRoot: dir}, r, true); err == nil {
		t.Fatalf("expected unsatisfiable range error")
	}
}

func TestServeHeadReturnsNoBody(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "f.txt", "content")

	resp, err := Serve(Config{DocRoot: dir}, newReq("HEAD", "/f.txt"), true)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.Body != nil {
		t.Fatalf("expected no body for HEAD")
	}
	if resp.BodySize != 7 {
		t.Fatalf("expected BodySize 7, got %d", resp.BodySize)
	}
}

func TestServePutCreatesFile(t *testing.T) {
	dir := t.TempDir()
	buf, client := pipeBuffer(t)
	defer client.Close()
	writeAsync(t, client, "hello world")

	r := newReq("PUT", "/new.txt")
	r.ContentLength = int64(len("hello world"))

	resp, err := Serve(Config{DocRoot: dir, Buf: buf, Deadline: deadline}, r, true)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.Status != 201 {
		t.Fatalf("expected 201, got %d", resp.Status)
	}
	data, err := os.ReadFile(filepath.Join(dir, "new.txt"))
	if err != nil {
		t.Fatalf("expected file to be created: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("expected file to contain the request body, got %q", string(data))
	}
}

func TestServePutWritesChunkedBody(t *testing.T) {
	dir := t.TempDir()
	buf, client := pipeBuffer(t)
	defer client.Close()
	writeAsync(t, client, "5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")

	r := newReq("PUT", "/chunked.txt")
	r.Chunked = true

	resp, err := Serve(Config{DocRoot: dir, Buf: buf, Deadline: deadline}, r, true)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.Status != 201 {
		t.Fatalf("expected 201, got %d", resp.Status)
	}
	data, err := os.ReadFile(filepath.Join(dir, "chunked.txt"))
	if err != nil {
		t.Fatalf("expected file to be created: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("expected dechunked body in file, got %q", string(data))
	}
}

func TestServePutEnforcesIfMatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "f.txt", "existing")

	r := newReq("PUT", "/f.txt")
	r.IfMatch = []wreq.ETag{{Value: "bogus"}}

	if _, err := Serve(Config{DocRoot: dir}, r, true); err == nil {
		t.Fatalf("expected If-Match precondition failure")
	}
}

func TestServeDeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "f.txt", "data")

	resp, err := Serve(Config{DocRoot: dir}, newReq("DELETE", "/f.txt"), true)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.Status != 204 {
		t.Fatalf("expected 204, got %d", resp.Status)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file removed")
	}
}

func TestServeDeleteEnforcesIfMatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "f.txt", "data")

	r := newReq("DELETE", "/f.txt")
	r.IfMatch = []wreq.ETag{{Value: "bogus"}}

	if _, err := Serve(Config{DocRoot: dir}, r, true); err == nil {
		t.Fatalf("expected If-Match precondition failure")
	}
}

func TestServeRejectsUnsupportedMethod(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "f.txt", "data")
	if _, err := Serve(Config{DocRoot: dir}, newReq("OPTIONS", "/f.txt"), true); err == nil {
		t.Fatalf("expected method-not-allowed error")
	}
}

func TestServeGetPrefersPrecompressedBrotli(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "f.txt", "plain")
	writeFile(t, dir, "f.txt.br", "br-compressed")

	r := newReq("GET", "/f.txt")
	r.Headers.Set("Accept-Encoding", "br, gzip")

	resp, err := Serve(Config{DocRoot: dir}, r, true)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.Headers["Content-Encoding"] != "br" {
		t.Fatalf("expected br encoding, got %+v", resp.Headers)
	}
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "br-compressed" {
		t.Fatalf("unexpected body: %q", data)
	}
}
