// Package conn implements the per-accepted-socket scheduler task: parse
// -> route -> auth -> upload -> query -> upgrade -> body -> validate ->
// handler -> finalize, looping for keep-alive until the connection
// closes or maxRequests is reached, per spec §4.9.
//
// Go's goroutine-per-connection model stands in for the spec's
// cooperative-fiber runtime: every blocking call below (socket read,
// socket write, sendfile) is a suspension point the Go scheduler parks
// for free, so no explicit yield is ever written.
package conn

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/embedthis/webengine/pkg/auth"
	"github.com/embedthis/webengine/pkg/fileserver"
	"github.com/embedthis/webengine/pkg/host"
	"github.com/embedthis/webengine/pkg/route"
	"github.com/embedthis/webengine/pkg/session"
	"github.com/embedthis/webengine/pkg/signature"
	"github.com/embedthis/webengine/pkg/upload"
	"github.com/embedthis/webengine/pkg/wbuf"
	"github.com/embedthis/webengine/pkg/werrors"
	"github.com/embedthis/webengine/pkg/wio"
	"github.com/embedthis/webengine/pkg/wlog"
	"github.com/embedthis/webengine/pkg/wreq"
	"github.com/embedthis/webengine/pkg/wtiming"
)

// UpgradeHandler hands a connection off for a non-HTTP protocol (e.g.
// WebSocket framing) once the upgrade handshake headers have been
// validated. No frame protocol is implemented in this package; the
// handler receives the raw net.Conn and owns it from that point on.
type UpgradeHandler interface {
	Upgrade(c net.Conn, r *wreq.Request) error
}

var nextConnectionID uint64

// Connection is one accepted socket's scheduler state. It is reused
// across keep-alive requests: the socket, the receive buffer's backing
// array (its contents are discarded), and the request counter survive a
// reset; only per-request fields (parsed request, matched route, auth
// result) are cleared.
type Connection struct {
	id       uint64
	conn     net.Conn
	host     *host.Host
	buf      *wio.Buffer
	tls      bool
	upgrade  UpgradeHandler
	requests int
}

// New wraps an accepted socket for the scheduler loop. upgrade may be
// nil when no WebSocket (or other upgrade) handler is registered.
func New(c net.Conn, h *host.Host, tlsActive bool, upgrade UpgradeHandler) *Connection {
	return &Connection{
		id:      atomic.AddUint64(&nextConnectionID, 1),
		conn:    c,
		host:    h,
		buf:     wio.New(c, int(nonZero64(h.Config.Web.Limits.Buffer, 4096))),
		tls:     tlsActive,
		upgrade: upgrade,
	}
}

// ServeListener accepts connections off ln until it closes, spawning one
// scheduler goroutine per socket. It returns when ln.Accept fails (the
// normal shutdown signal once Host.Shutdown closes the listener).
func ServeListener(h *host.Host, l *host.Listener, upgrade UpgradeHandler) error {
	for {
		c, err := l.Listener.Accept()
		if err != nil {
			return err
		}
		if !h.AcquireConnection() {
			c.Close()
			continue
		}
		go func() {
			defer h.ReleaseConnection()
			conn := New(c, h, l.Scheme == "https", upgrade)
			conn.Run()
		}()
	}
}

// Run drives the keep-alive loop bounded by web.limits.requests, closing
// the socket on return.
func (c *Connection) Run() {
	defer c.conn.Close()

	maxRequests := nonZero(c.host.Config.Web.Limits.Requests, 1000)
	started := time.Now()

	for c.requests < maxRequests {
		requestTimeout := nonZeroDuration(c.host.Config.Web.Timeouts.Request, 120*time.Second)
		inactivity := nonZeroDuration(c.host.Config.Web.Timeouts.Inactivity, 60*time.Second)
		deadline := func() time.Time {
			return earlier(time.Now().Add(inactivity), started.Add(requestTimeout))
		}

		c.requests++
		closeConn, upgraded := c.serveOne(deadline)
		if upgraded {
			return
		}
		if closeConn {
			return
		}
		started = time.Now()
		c.buf.Reset()
	}
}

// serveOne handles exactly one request/response cycle. It returns
// closeConn=true when the socket must be closed (fatal error, explicit
// Connection: close, or HTTP/1.0 without keep-alive), and upgraded=true
// when the connection was handed off to c.upgrade and must no longer be
// touched by this scheduler.
func (c *Connection) serveOne(deadline func() time.Time) (closeConn, upgraded bool) {
	timer := wtiming.NewTimer()
	defer func() {
		if rec := recover(); rec != nil {
			// Fault containment: a panicking handler terminates this one
			// connection, never the process.
			c.host.Log.WithField(wlog.FieldConnection, c.id).
				WithField("panic", fmt.Sprint(rec)).
				Error("request handler panicked, closing connection")
			closeConn = true
		}
	}()

	timer.StartParse()
	r, parseErr := c.readRequest(deadline)
	timer.EndParse()
	if parseErr != nil {
		return c.finalizeError(parseErr, nil, timer), false
	}

	if redirect, ok := c.host.Routes().MatchRedirect(c.scheme(), c.conn.LocalAddr().String(), 0, r.Path); ok {
		return c.writeRedirect(redirect.Status, redirect.To, r, timer), false
	}

	match, err := c.host.Routes().Match(r.Path, r.Method)
	if err != nil {
		return c.finalizeError(err, r, timer), false
	}
	if match.RedirectTo != "" {
		return c.writeRedirect(match.RedirectCode, match.RedirectTo, r, timer), false
	}
	rt := match.Route
	r.Path = match.TrimmedPath

	timer.StartAuth()
	authResult, authErr := c.authenticate(rt, r)
	timer.EndAuth()
	if authErr != nil {
		return c.finalizeAuthError(authErr, authResult, r, timer), false
	}
	if !authResult.Authenticated && !rt.IsPublic() {
		return c.finalizeChallenge(authResult, r, timer), false
	}

	var uploadResult *upload.Result
	if r.MultipartBoundary != "" {
		uploadResult, err = upload.Demux(c.buf, r.MultipartBoundary, upload.Config{
			Dir:         c.host.UploadDir,
			MaxFileSize: nonZero64(c.host.Config.Web.Limits.Upload, 100<<20),
			MaxFiles:    nonZero(c.host.Config.Web.Limits.Uploads, 32),
		}, deadline)
		if err != nil {
			return c.finalizeError(err, r, timer), false
		}
		defer func() {
			for _, f := range uploadResult.Files {
				f.Unlink()
			}
		}()
	}

	query, _ := url.ParseQuery(r.Query)

	var xsrfToken string
	if rt.XSRF {
		if isSafeMethod(r.Method) {
			if authResult.Session != nil {
				xsrfToken = c.host.Sessions.XSRFToken(authResult.Session)
			}
		} else if err := c.verifyXSRF(r, query, authResult); err != nil {
			return c.finalizeError(err, r, timer), false
		}
	}

	if strings.EqualFold(r.Upgrade, "websocket") && c.host.Config.Web.WebSockets.Enable && c.upgrade != nil {
		if err := c.upgrade.Upgrade(c.conn, r); err != nil {
			c.host.Log.WithError(err).Warn("upgrade handler failed")
			return true, false
		}
		return false, true
	}

	var body *wbuf.Buffer
	if rt.Handler == "action" && !rt.Stream {
		body, err = c.readBody(r, deadline)
		if err != nil {
			return c.finalizeError(err, r, timer), false
		}
	}

	if rt.Validate && c.host.SignaturesEnabled {
		if err := c.validateBody(rt, r, body); err != nil {
			return c.finalizeError(err, r, timer), false
		}
	}

	timer.StartHandler()
	resp, handlerErr := c.dispatch(rt, r, query, uploadResult, body, authResult, deadline)
	timer.EndHandler()
	if handlerErr != nil {
		return c.finalizeError(handlerErr, r, timer), false
	}

	return c.writeResponse(resp, r, authResult, timer, xsrfToken), false
}

// isSafeMethod reports whether method is GET/HEAD/OPTIONS/TRACE, the set
// that may attach a fresh XSRF token rather than being required to
// present one, per spec §4.5.
func isSafeMethod(method string) bool {
	switch method {
	case "GET", "HEAD", "OPTIONS", "TRACE":
		return true
	default:
		return false
	}
}

// verifyXSRF checks a mutating request's X-Xsrf-Token header or xsrf
// query parameter against the session's stored token, rotating it on
// mismatch per spec §4.5.
func (c *Connection) verifyXSRF(r *wreq.Request, query url.Values, authResult auth.Result) error {
	if authResult.Session == nil {
		return werrors.Validation("conn.verifyXSRF", "xsrf token required")
	}
	candidate := r.Headers.Get("X-Xsrf-Token")
	if candidate == "" {
		candidate = query.Get("xsrf")
	}
	if !c.host.Sessions.VerifyXSRF(authResult.Session, candidate) {
		return werrors.Validation("conn.verifyXSRF", "xsrf token missing or invalid")
	}
	return nil
}

func (c *Connection) scheme() string {
	if c.tls {
		return "https"
	}
	return "http"
}

func (c *Connection) readRequest(deadline func() time.Time) (*wreq.Request, error) {
	maxHeader := nonZero(c.host.Config.Web.Limits.Header, 64*1024)

	line := make([]byte, maxHeader)
	n, err := c.buf.ReadUntil([]byte("\r\n"), line, maxHeader, deadline())
	if err != nil {
		return nil, err
	}
	r, err := wreq.ParseRequestLine(strings.TrimSuffix(string(line[:n]), "\r\n"))
	if err != nil {
		return nil, err
	}

	headerBlock := make([]byte, maxHeader)
	n, err = c.buf.ReadUntil([]byte("\r\n\r\n"), headerBlock, maxHeader, deadline())
	if err != nil {
		return nil, err
	}
	if err := wreq.ParseHeaderBlock(r, headerBlock[:n]); err != nil {
		return nil, err
	}
	maxBody := nonZero64(c.host.Config.Web.Limits.Body, 10<<20)
	maxUpload := nonZero64(c.host.Config.Web.Limits.Upload, 100<<20)
	if err := wreq.ApplySemanticHeaders(r, maxBody, maxUpload); err != nil {
		return nil, err
	}
	return r, nil
}

func (c *Connection) authenticate(rt *route.Route, r *wreq.Request) (auth.Result, error) {
	req := auth.Request{
		Path:         r.Path,
		Method:       r.Method,
		TLS:          c.tls,
		CookieHeader: r.Cookie,
		AuthScheme:   r.AuthScheme,
		AuthParams:   r.AuthParams,
	}
	return c.host.Auth.Authenticate(rt, req)
}

func (c *Connection) readBody(r *wreq.Request, deadline func() time.Time) (*wbuf.Buffer, error) {
	limit := nonZero64(c.host.Config.Web.Limits.Body, 10<<20)
	buf := wbuf.New(limit)

	if r.Chunked {
		cr := wio.NewChunkedReader(c.buf, deadline, limit)
		chunk := make([]byte, 32*1024)
		for !cr.Done() {
			n, err := cr.Read(chunk)
			if err != nil {
				return nil, err
			}
			if n > 0 {
				if _, err := buf.Write(chunk[:n]); err != nil {
					return nil, err
				}
			}
		}
		return buf, nil
	}

	if r.ContentLength <= 0 {
		return buf, nil
	}
	remaining := r.ContentLength
	chunk := make([]byte, 32*1024)
	for remaining > 0 {
		want := int64(len(chunk))
		if remaining < want {
			want = remaining
		}
		n, err := c.buf.Read(chunk[:want], deadline())
		if err != nil {
			return nil, err
		}
		if _, err := buf.Write(chunk[:n]); err != nil {
			return nil, err
		}
		remaining -= int64(n)
	}
	return buf, nil
}

func (c *Connection) validateBody(rt *route.Route, r *wreq.Request, body *wbuf.Buffer) error {
	entry, ok := c.host.Signatures[signatureKey(rt, r)]
	if !ok || entry.Request == nil || body == nil {
		return nil
	}
	var dom any
	if body.Size() > 0 {
		if err := json.Unmarshal(body.Bytes(), &dom); err != nil {
			return werrors.Validation("conn.validateBody", "request body is not valid JSON")
		}
	}
	_, err := signature.Validate(entry.Request, dom, signature.Options{
		Strict: c.host.SignaturesStrict,
		Tag:    signature.TagRequest,
	})
	return err
}

func signatureKey(rt *route.Route, r *wreq.Request) string {
	name := strings.Trim(rt.Match, "/")
	name = strings.ReplaceAll(name, "/", ".")
	return name + "." + strings.ToLower(r.Method)
}

func (c *Connection) dispatch(rt *route.Route, r *wreq.Request, query url.Values, up *upload.Result, body *wbuf.Buffer, authResult auth.Result, deadline func() time.Time) (any, error) {
	switch rt.Handler {
	case "file":
		return fileserver.Serve(fileserver.Config{
			DocRoot:  c.host.Documents,
			Index:    c.host.Index,
			Buf:      c.buf,
			Deadline: deadline,
		}, r, c.tls)
	case "action":
		if rt.Action == nil {
			return nil, werrors.Internal("conn.dispatch", "route has no bound action", nil)
		}
		ctx := &requestContext{r: r, query: query, upload: up, body: body, auth: authResult, conn: c}
		return nil, rt.Action(ctx)
	default:
		return nil, werrors.Internal("conn.dispatch", "route has no handler", nil)
	}
}

// requestContext is the concrete route.RequestContext implementation
// handed to an application's ActionFunc.
type requestContext struct {
	r      *wreq.Request
	query  url.Values
	upload *upload.Result
	body   *wbuf.Buffer
	auth   auth.Result
	conn   *Connection
}

func (ctx *requestContext) Path() string   { return ctx.r.Path }
func (ctx *requestContext) Method() string { return ctx.r.Method }

// Request exposes the parsed request, for handlers that need headers or
// conditional/range fields directly.
func (ctx *requestContext) Request() *wreq.Request { return ctx.r }

// Query returns the parsed query-string values.
func (ctx *requestContext) Query() url.Values { return ctx.query }

// Upload returns the demultiplexed multipart result, or nil when the
// request body was not multipart/form-data.
func (ctx *requestContext) Upload() *upload.Result { return ctx.upload }

// Body returns the buffered request body, or nil for streamed/GET routes.
func (ctx *requestContext) Body() *wbuf.Buffer { return ctx.body }

// User returns the authenticated user, or nil for a public route.
func (ctx *requestContext) User() *auth.User { return ctx.auth.User }

// Session returns the caller's session, or nil when session auth wasn't
// used for this request.
func (ctx *requestContext) Session() *session.Session { return ctx.auth.Session }

func nonZero(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func nonZero64(v int64, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func earlier(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

var _ io.Closer = (*Connection)(nil)

// Close closes the underlying socket, forcing teardown without running
// the full keep-alive loop.
func (c *Connection) Close() error { return c.conn.Close() }
