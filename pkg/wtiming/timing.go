// Package wtiming captures per-request phase timings for the connection
// scheduler: how long parsing, authentication, and handler dispatch each
// took, independent of the wire-level framing around them.
package wtiming

import (
	"fmt"
	"time"
)

// Metrics is the calculated timing breakdown for one request, attached to
// access-log entries and exposed through wmetrics as histogram
// observations.
type Metrics struct {
	// Queue is the time spent waiting for a free connection slot before
	// the scheduler began servicing this request.
	Queue time.Duration `json:"queue"`

	// Parse is the time spent reading and parsing the request line,
	// headers, and (for buffered bodies) the body/upload stream.
	Parse time.Duration `json:"parse"`

	// Auth is the time spent in the session/Basic/Digest coordinator,
	// including any nonce table lookups.
	Auth time.Duration `json:"auth"`

	// Handler is the time spent inside the matched route's handler.
	Handler time.Duration `json:"handler"`

	// TTFB is the time from the Timer's start (NewTimer) to the first
	// response byte written.
	TTFB time.Duration `json:"ttfb"`

	// Total is the end-to-end time from request-line read to response
	// fully flushed.
	Total time.Duration `json:"total"`
}

// Timer measures one request's phases. A Timer is not safe for concurrent
// use; each connection's scheduler goroutine owns its own Timer per
// request.
type Timer struct {
	start time.Time

	queueStart, queueEnd     time.Time
	parseStart, parseEnd     time.Time
	authStart, authEnd       time.Time
	handlerStart, handlerEnd time.Time
	ttfb                     time.Time
}

// NewTimer starts a new per-request timing session.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) StartQueue() { t.queueStart = time.Now() }
func (t *Timer) EndQueue()   { t.queueEnd = time.Now() }

func (t *Timer) StartParse() { t.parseStart = time.Now() }
func (t *Timer) EndParse()   { t.parseEnd = time.Now() }

func (t *Timer) StartAuth() { t.authStart = time.Now() }
func (t *Timer) EndAuth()   { t.authEnd = time.Now() }

func (t *Timer) StartHandler() { t.handlerStart = time.Now() }
func (t *Timer) EndHandler()   { t.handlerEnd = time.Now() }

// MarkFirstByte records the moment the first response byte was written.
func (t *Timer) MarkFirstByte() {
	if t.ttfb.IsZero() {
		t.ttfb = time.Now()
	}
}

// Metrics returns the calculated timing metrics as of now. It may be
// called before the request finishes to sample in-flight duration; phases
// not yet ended report zero.
func (t *Timer) Metrics() Metrics {
	m := Metrics{Total: time.Since(t.start)}

	if !t.queueStart.IsZero() && !t.queueEnd.IsZero() {
		m.Queue = t.queueEnd.Sub(t.queueStart)
	}
	if !t.parseStart.IsZero() && !t.parseEnd.IsZero() {
		m.Parse = t.parseEnd.Sub(t.parseStart)
	}
	if !t.authStart.IsZero() && !t.authEnd.IsZero() {
		m.Auth = t.authEnd.Sub(t.authStart)
	}
	if !t.handlerStart.IsZero() && !t.handlerEnd.IsZero() {
		m.Handler = t.handlerEnd.Sub(t.handlerStart)
	}
	if !t.ttfb.IsZero() {
		m.TTFB = t.ttfb.Sub(t.start)
	}

	return m
}

// String renders the metrics for inclusion in trace-level log lines.
func (m Metrics) String() string {
	return fmt.Sprintf("queue=%v parse=%v auth=%v handler=%v ttfb=%v total=%v",
		m.Queue, m.Parse, m.Auth, m.Handler, m.TTFB, m.Total)
}
