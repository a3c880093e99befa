package conn

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/embedthis/webengine/pkg/auth"
	"github.com/embedthis/webengine/pkg/fileserver"
	"github.com/embedthis/webengine/pkg/werrors"
	"github.com/embedthis/webengine/pkg/wio"
	"github.com/embedthis/webengine/pkg/wlog"
	"github.com/embedthis/webengine/pkg/wreq"
	"github.com/embedthis/webengine/pkg/wtiming"
)

// finalizeError writes the appropriate status for err (or nothing, for a
// connection-fatal signal with no response) and reports whether the
// socket must close, per spec §7's fatal/non-fatal propagation.
func (c *Connection) finalizeError(err error, r *wreq.Request, timer *wtiming.Timer) bool {
	status := werrors.StatusOf(err)
	fatal := werrors.IsFatal(err)

	if werrors.ShouldLog(err) {
		c.logRequest(r, status, err, timer)
	}

	if status == 0 {
		return true // connection-fatal: no response to write
	}

	headers := map[string]string{"Content-Type": "text/plain; charset=utf-8"}
	body := http.StatusText(status)
	if e, ok := err.(*werrors.Error); ok && e.Message != "" {
		body = e.Message
	}
	c.writeSimple(status, headers, body, r)
	return fatal
}

func (c *Connection) finalizeAuthError(err error, result auth.Result, r *wreq.Request, timer *wtiming.Timer) bool {
	status := werrors.StatusOf(err)
	headers := map[string]string{"Content-Type": "text/plain; charset=utf-8"}
	if result.Challenge != "" {
		headers["WWW-Authenticate"] = result.Challenge
	}
	c.writeSimple(status, headers, http.StatusText(status), r)
	return false
}

func (c *Connection) finalizeChallenge(result auth.Result, r *wreq.Request, timer *wtiming.Timer) bool {
	headers := map[string]string{"Content-Type": "text/plain; charset=utf-8"}
	if result.Challenge != "" {
		headers["WWW-Authenticate"] = result.Challenge
	}
	c.writeSimple(http.StatusUnauthorized, headers, "authentication required", r)
	return false
}

func (c *Connection) writeRedirect(status int, to string, r *wreq.Request, timer *wtiming.Timer) bool {
	if status == 0 {
		status = http.StatusFound
	}
	c.writeSimple(status, map[string]string{"Location": to}, "", r)
	return false
}

// writeResponse renders resp (either a *fileserver.Response or an
// application-defined value) onto the wire, applying host-wide headers,
// the session cookie, and keep-alive framing. xsrfToken, when non-empty,
// is attached as the X-Xsrf-Token response header per spec §4.5.
func (c *Connection) writeResponse(resp any, r *wreq.Request, authResult auth.Result, timer *wtiming.Timer, xsrfToken string) bool {
	switch v := resp.(type) {
	case *fileserver.Response:
		return c.writeFileResponse(v, r, authResult, timer, xsrfToken)
	case nil:
		// An action handler returned no response value: answer with an
		// empty 200 so the client still receives a complete response.
		close := c.writeSimple(http.StatusOK, nil, "", r)
		c.logRequest(r, http.StatusOK, nil, timer)
		return close
	default:
		return c.finalizeError(werrors.Internal("conn.writeResponse", "unrecognized handler result type", nil), r, timer)
	}
}

func (c *Connection) writeFileResponse(resp *fileserver.Response, r *wreq.Request, authResult auth.Result, timer *wtiming.Timer, xsrfToken string) bool {
	close := c.shouldClose(r)
	headers := resp.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	c.applyHostHeaders(headers)
	c.applySessionCookie(headers, authResult)
	if xsrfToken != "" {
		headers["X-Xsrf-Token"] = xsrfToken
	}

	status := resp.Status
	if resp.BodySize >= 0 {
		headers["Content-Length"] = strconv.FormatInt(resp.BodySize, 10)
	}
	headers["Connection"] = connectionHeader(close)

	if err := c.writeStatusLine(status, r.Protocol); err != nil {
		return true
	}
	if err := c.writeHeaderBlock(headers, resp.BodySize < 0); err != nil {
		return true
	}
	timer.MarkFirstByte()

	if r.IsHEAD {
		if resp.Body != nil {
			resp.Body.Close()
		}
		if resp.TransmitFile != nil {
			resp.TransmitFile.Close()
		}
		c.logRequest(r, status, nil, timer)
		return close
	}

	deadline := time.Now().Add(30 * time.Second)
	writer := wio.NewWriter(c.conn, resp.BodySize < 0, &c.buf.Stats)

	switch {
	case resp.TransmitFile != nil:
		if !c.tls {
			if err := fileserver.TransmitZeroCopy(c.conn, resp.TransmitFile, resp.FileOffset, resp.FileLength); err != nil {
				return true
			}
		} else {
			resp.TransmitFile.Close()
		}
	case resp.Body != nil:
		defer resp.Body.Close()
		if err := c.streamBody(writer, resp.Body, deadline); err != nil {
			return true
		}
	}
	if resp.BodySize < 0 {
		writer.Finalize()
	}

	c.logRequest(r, status, nil, timer)
	return close
}

func (c *Connection) streamBody(w *wio.Writer, body io.Reader, deadline time.Time) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n], deadline); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *Connection) writeSimple(status int, headers map[string]string, body string, r *wreq.Request) bool {
	proto := "HTTP/1.1"
	close := true
	if r != nil {
		proto = r.Protocol
		close = c.shouldClose(r)
	}
	if headers == nil {
		headers = map[string]string{}
	}
	c.applyHostHeaders(headers)
	headers["Connection"] = connectionHeader(close)
	if body != "" {
		headers["Content-Length"] = strconv.Itoa(len(body))
	} else if _, ok := headers["Content-Length"]; !ok {
		headers["Content-Length"] = "0"
	}

	if err := c.writeStatusLine(status, proto); err != nil {
		return true
	}
	if err := c.writeHeaderBlock(headers, false); err != nil {
		return true
	}
	if body != "" && (r == nil || !r.IsHEAD) {
		if _, err := io.WriteString(c.conn, body); err != nil {
			return true
		}
	}
	return close
}

func (c *Connection) writeStatusLine(status int, proto string) error {
	line := proto + " " + strconv.Itoa(status) + " " + http.StatusText(status) + "\r\n"
	_, err := io.WriteString(c.conn, line)
	return err
}

func (c *Connection) writeHeaderBlock(headers map[string]string, chunked bool) error {
	if chunked {
		headers["Transfer-Encoding"] = "chunked"
	}
	var b []byte
	for k, v := range headers {
		b = append(b, k...)
		b = append(b, ':', ' ')
		b = append(b, v...)
		b = append(b, '\r', '\n')
	}
	b = append(b, '\r', '\n')
	_, err := c.conn.Write(b)
	return err
}

func (c *Connection) applyHostHeaders(headers map[string]string) {
	for k, v := range c.host.Config.Web.Headers {
		if _, exists := headers[k]; !exists {
			headers[k] = v
		}
	}
}

func (c *Connection) applySessionCookie(headers map[string]string, authResult auth.Result) {
	if authResult.Session != nil {
		headers["Set-Cookie"] = c.host.Sessions.SetCookieHeader(authResult.Session)
	}
}

func (c *Connection) shouldClose(r *wreq.Request) bool {
	if r.ConnectionClose {
		return true
	}
	if r.Protocol == "HTTP/1.0" {
		return true
	}
	return false
}

func connectionHeader(close bool) string {
	if close {
		return "close"
	}
	return "keep-alive"
}

func (c *Connection) logRequest(r *wreq.Request, status int, err error, timer *wtiming.Timer) {
	entry := c.host.Log.WithField(wlog.FieldConnection, c.id).WithField(wlog.FieldStatus, status)
	if r != nil {
		entry = entry.WithField(wlog.FieldMethod, r.Method).WithField(wlog.FieldPath, r.Path)
	}
	entry = entry.WithField(wlog.FieldDuration, timer.Metrics().Total)
	c.host.Metrics.RequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	c.host.Metrics.RequestDuration.WithLabelValues(strconv.Itoa(status)).Observe(timer.Metrics().Total.Seconds())

	if err != nil {
		entry.WithError(err).Info("request failed")
		return
	}
	entry.Info("request")
}
