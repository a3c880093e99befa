package conn

import (
	"bufio"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/embedthis/webengine/pkg/host"
	"github.com/embedthis/webengine/pkg/route"
	"github.com/embedthis/webengine/pkg/wconfig"
	"github.com/embedthis/webengine/pkg/wlog"
)

func newTestHost(t *testing.T, extraJSON string) *host.Host {
	t.Helper()
	docs := t.TempDir()
	if err := os.WriteFile(filepath.Join(docs, "index.html"), []byte("hello index"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	configJSON := `{"web": {
		"listen": ["http://127.0.0.1:0"],
		"documents": "` + filepath.ToSlash(docs) + `"` + extraJSON + `
	}}`
	path := filepath.Join(t.TempDir(), "web.json")
	if err := os.WriteFile(path, []byte(configJSON), 0o644); err != nil {
		t.Fatalf("WriteFile config: %v", err)
	}

	cfg, err := wconfig.Load(path)
	if err != nil {
		t.Fatalf("wconfig.Load: %v", err)
	}

	h, err := host.New(cfg, wlog.New("error"), nil)
	if err != nil {
		t.Fatalf("host.New: %v", err)
	}
	t.Cleanup(func() { h.Shutdown() })
	return h
}

func readResponse(t *testing.T, client net.Conn) (status string, headers map[string]string, body string) {
	t.Helper()
	r := bufio.NewReader(client)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading status line: %v", err)
	}
	status = strings.TrimSpace(line)

	headers = make(map[string]string)
	for {
		hline, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading header line: %v", err)
		}
		hline = strings.TrimRight(hline, "\r\n")
		if hline == "" {
			break
		}
		name, value, ok := strings.Cut(hline, ":")
		if ok {
			headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
	}

	rest, _ := io.ReadAll(r)
	body = string(rest)
	return
}

func TestServeOneGetsStaticFile(t *testing.T) {
	h := newTestHost(t, `, "routes": [{"match": "/", "handler": "file"}]`)

	server, client := net.Pipe()
	defer client.Close()

	c := New(server, h, false, nil)
	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()

	io.WriteString(client, "GET /index.html HTTP/1.1\r\nConnection: close\r\n\r\n")

	status, headers, body := readResponse(t, client)
	if !strings.Contains(status, "200") {
		t.Fatalf("expected 200 status, got %q", status)
	}
	if !strings.Contains(body, "hello index") {
		t.Fatalf("expected index content in body, got %q", body)
	}
	if headers["Connection"] != "close" {
		t.Fatalf("expected Connection: close, got %+v", headers)
	}
	<-done
}

func TestServeOneReturns404ForMissingFile(t *testing.T) {
	h := newTestHost(t, `, "routes": [{"match": "/", "handler": "file"}]`)

	server, client := net.Pipe()
	defer client.Close()

	c := New(server, h, false, nil)
	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()

	io.WriteString(client, "GET /nope.txt HTTP/1.1\r\nConnection: close\r\n\r\n")

	status, _, _ := readResponse(t, client)
	if !strings.Contains(status, "404") {
		t.Fatalf("expected 404 status, got %q", status)
	}
	<-done
}

func TestServeOneChallengesProtectedRoute(t *testing.T) {
	extra := `, "routes": [{"match": "/", "handler": "file", "authType": "basic", "role": "user"}],
		"auth": {"realm": "test", "secret": "s3cr3t", "algorithm": "MD5", "users": {"alice": {"password": "x", "role": "user"}}}`
	h := newTestHost(t, extra)

	server, client := net.Pipe()
	defer client.Close()

	c := New(server, h, false, nil)
	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()

	io.WriteString(client, "GET /index.html HTTP/1.1\r\nConnection: close\r\n\r\n")

	status, headers, _ := readResponse(t, client)
	if !strings.Contains(status, "401") {
		t.Fatalf("expected 401 status, got %q", status)
	}
	if headers["WWW-Authenticate"] == "" {
		t.Fatalf("expected WWW-Authenticate challenge header, got %+v", headers)
	}
	<-done
}

func TestServeOneAppliesHostHeaders(t *testing.T) {
	extra := `, "routes": [{"match": "/", "handler": "file"}], "headers": {"X-Engine": "webengine"}`
	h := newTestHost(t, extra)

	server, client := net.Pipe()
	defer client.Close()

	c := New(server, h, false, nil)
	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()

	io.WriteString(client, "GET /index.html HTTP/1.1\r\nConnection: close\r\n\r\n")

	_, headers, _ := readResponse(t, client)
	if headers["X-Engine"] != "webengine" {
		t.Fatalf("expected host-wide header applied, got %+v", headers)
	}
	<-done
}

func TestServeOneDispatchesToBoundAction(t *testing.T) {
	docs := t.TempDir()
	configJSON := `{"web": {"listen": ["http://127.0.0.1:0"], "documents": "` + filepath.ToSlash(docs) + `",
		"routes": [{"match": "/api", "handler": "action"}]
	}}`
	path := filepath.Join(t.TempDir(), "web.json")
	os.WriteFile(path, []byte(configJSON), 0o644)
	cfg, err := wconfig.Load(path)
	if err != nil {
		t.Fatalf("wconfig.Load: %v", err)
	}

	called := false
	actions := host.ActionRegistry{"/api": func(ctx route.RequestContext) error {
		called = true
		if ctx.Path() != "/api" {
			t.Errorf("expected ctx.Path() to be /api, got %q", ctx.Path())
		}
		return nil
	}}
	h, err := host.New(cfg, wlog.New("error"), actions)
	if err != nil {
		t.Fatalf("host.New: %v", err)
	}
	defer h.Shutdown()

	server, client := net.Pipe()
	defer client.Close()

	c := New(server, h, false, nil)
	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()

	io.WriteString(client, "GET /api HTTP/1.1\r\nConnection: close\r\n\r\n")
	readResponse(t, client)
	<-done

	if !called {
		t.Fatalf("expected bound action to be invoked")
	}
}

func TestServeOneXSRFAttachesTokenOnGetAndEnforcesOnPost(t *testing.T) {
	extra := `, "routes": [{"match": "/", "handler": "file", "authType": "session", "role": "user", "xsrf": true}],
		"auth": {"realm": "test", "users": {"alice": {"password": "x", "role": "user"}}}`
	h := newTestHost(t, extra)

	sess, err := h.Sessions.Create()
	if err != nil {
		t.Fatalf("Sessions.Create: %v", err)
	}
	sess.SetVar("WEB_SESSION_USERNAME", "alice")
	sess.SetVar("WEB_SESSION_ROLE", "user")
	cookie := "WEB_SESSION=" + sess.ID()

	server, client := net.Pipe()
	defer client.Close()

	c := New(server, h, false, nil)
	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()

	io.WriteString(client, "GET /index.html HTTP/1.1\r\nCookie: "+cookie+"\r\n\r\n")
	_, headers, _ := readResponse(t, client)
	token := headers["X-Xsrf-Token"]
	if token == "" {
		t.Fatalf("expected X-Xsrf-Token header on GET, got %+v", headers)
	}

	io.WriteString(client, "POST /index.html HTTP/1.1\r\nCookie: "+cookie+"\r\n\r\n")
	status, _, _ := readResponse(t, client)
	if !strings.Contains(status, "400") {
		t.Fatalf("expected 400 for POST without xsrf token, got %q", status)
	}
	if stored, _ := sess.GetVar("__xsrf__"); stored == token {
		t.Fatalf("expected the stored token to rotate after a failed verification")
	}

	// Re-fetch the rotated token via a fresh GET before presenting it.
	io.WriteString(client, "GET /index.html HTTP/1.1\r\nCookie: "+cookie+"\r\n\r\n")
	_, headers, _ = readResponse(t, client)
	rotated := headers["X-Xsrf-Token"]
	if rotated == "" || rotated == token {
		t.Fatalf("expected a fresh rotated token, got %q (was %q)", rotated, token)
	}

	io.WriteString(client, "POST /index.html HTTP/1.1\r\nCookie: "+cookie+"\r\nX-Xsrf-Token: "+rotated+"\r\nConnection: close\r\n\r\n")
	status, _, _ = readResponse(t, client)
	if strings.Contains(status, "400") {
		t.Fatalf("expected the matching token to be accepted, got %q", status)
	}
	<-done
}
