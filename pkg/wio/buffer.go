// Package wio implements the connection's low-level I/O buffer and the
// chunked-transfer-encoding state machine, grounded on the header/body
// reading loop the request lifecycle core is built around: a single
// growable byte region read incrementally off the socket, scanned for
// patterns (the blank-line that ends a header block, a chunk's trailing
// CRLF) without copying until a caller actually wants the bytes.
package wio

import (
	"io"
	"net"
	"strconv"
	"time"

	"github.com/embedthis/webengine/pkg/werrors"
)

// Stats accumulates byte/chunk counters for wmetrics.
type Stats struct {
	BytesRead    int64
	BytesWritten int64
	ChunksRead   int64
	ChunksWritten int64
}

// Buffer is the connection's growable receive region: start/end mark the
// unread slice, capacity is len(data). It is reused across keep-alive
// requests; Compact shifts unread bytes to offset 0 so the scheduler never
// reallocates mid-connection unless the unread region itself grows past
// capacity.
type Buffer struct {
	conn   net.Conn
	data   []byte
	start  int
	end    int
	scanned int // bytes of data[start:end] already scanned by BufferUntil

	Stats Stats
}

// New creates a Buffer of initialSize bytes backed by conn.
func New(conn net.Conn, initialSize int) *Buffer {
	if initialSize <= 0 {
		initialSize = 4096
	}
	return &Buffer{conn: conn, data: make([]byte, initialSize)}
}

// Len returns the number of unread, buffered bytes.
func (b *Buffer) Len() int { return b.end - b.start }

func (b *Buffer) space() int { return len(b.data) - b.end }

// Reset discards all buffered bytes, preparing the Buffer for the next
// keep-alive request. The underlying array is kept.
func (b *Buffer) Reset() {
	b.start, b.end, b.scanned = 0, 0, 0
}

// Compact shifts the unread region to offset 0, reclaiming space consumed
// by already-read bytes without moving the socket.
func (b *Buffer) Compact() {
	if b.start == 0 {
		return
	}
	n := copy(b.data, b.data[b.start:b.end])
	b.start = 0
	b.end = n
	if b.scanned > n {
		b.scanned = n
	}
}

// grow doubles the backing array (or grows to fit need, whichever is
// larger) after compacting.
func (b *Buffer) grow(need int) {
	b.Compact()
	if b.space() >= need {
		return
	}
	newSize := len(b.data) * 2
	if newSize < b.end+need {
		newSize = b.end + need
	}
	grown := make([]byte, newSize)
	copy(grown, b.data[:b.end])
	b.data = grown
}

// fill reads at least one more chunk of bytes from the socket into the
// buffer, respecting deadline. Returns werrors on I/O failure or EOF.
func (b *Buffer) fill(deadline time.Time) error {
	if b.space() == 0 {
		b.grow(4096)
	}
	if err := b.conn.SetReadDeadline(deadline); err != nil {
		return werrors.ConnectionEOF("wio.fill", err)
	}
	n, err := b.conn.Read(b.data[b.end:])
	if n > 0 {
		b.end += n
		b.Stats.BytesRead += int64(n)
	}
	if err != nil {
		return werrors.ConnectionEOF("wio.fill", err)
	}
	return nil
}

// Read copies up to len(dst) bytes of body data into dst, pulling more
// off the socket as needed. Returns the number of bytes copied; an error
// indicates the socket closed before dst could be filled (or before n
// bytes, for Read's caller, were satisfied, whichever the caller checks).
func (b *Buffer) Read(dst []byte, deadline time.Time) (int, error) {
	for b.Len() == 0 {
		if err := b.fill(deadline); err != nil {
			return 0, err
		}
	}
	n := copy(dst, b.data[b.start:b.end])
	b.start += n
	return n, nil
}

// ReadDirect returns a zero-copy view into the receive buffer of up to
// desired bytes, pulling more off the socket if nothing is buffered yet.
// The returned slice is only valid until the next Read/ReadDirect/Compact
// call — callers (notably the file handler's PUT path and the upload
// demuxer) must not retain it across a subsequent fill.
func (b *Buffer) ReadDirect(desired int, deadline time.Time) ([]byte, error) {
	for b.Len() == 0 {
		if err := b.fill(deadline); err != nil {
			return nil, err
		}
	}
	n := desired
	if avail := b.Len(); n > avail {
		n = avail
	}
	p := b.data[b.start : b.start+n]
	b.start += n
	return p, nil
}

// ReadUntil buffers until pattern is found (or limit bytes have been
// scanned without finding it), then copies everything through and
// including the pattern into dst, consuming it from the buffer. Returns
// the number of bytes copied, or an error if limit was exceeded or the
// socket failed.
func (b *Buffer) ReadUntil(pattern []byte, dst []byte, limit int, deadline time.Time) (int, error) {
	total, err := b.BufferUntil(pattern, limit, deadline)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, werrors.Limit("wio.ReadUntil", 413, "pattern not found within limit")
	}
	if total > len(dst) {
		return 0, werrors.Internal("wio.ReadUntil", "destination too small", nil)
	}
	n := copy(dst, b.data[b.start:b.start+total])
	b.start += total
	b.scanned = 0
	return n, nil
}

// BufferUntil reads from the socket until pattern appears in the buffered
// region (leaving the bytes in place) or limit total bytes have been
// scanned. Scanning is incremental: across calls it only re-scans
// scanned-len(pattern) bytes rather than the whole buffer. Returns the
// total byte count through the end of the pattern, 0 if limit was reached
// first, and an error on I/O failure.
func (b *Buffer) BufferUntil(pattern []byte, limit int, deadline time.Time) (int, error) {
	for {
		region := b.data[b.start:b.end]
		from := b.scanned - len(pattern)
		if from < 0 {
			from = 0
		}
		if idx := indexFrom(region, pattern, from); idx >= 0 {
			total := idx + len(pattern)
			b.scanned = total
			return total, nil
		}
		b.scanned = len(region)

		if b.Len() >= limit {
			return 0, nil
		}
		if err := b.fill(deadline); err != nil {
			return 0, err
		}
	}
}

func indexFrom(haystack, pattern []byte, from int) int {
	if from > len(haystack) {
		return -1
	}
	idx := indexOf(haystack[from:], pattern)
	if idx < 0 {
		return -1
	}
	return from + idx
}

func indexOf(haystack, pattern []byte) int {
	if len(pattern) == 0 {
		return 0
	}
	n, m := len(haystack), len(pattern)
	for i := 0; i+m <= n; i++ {
		if string(haystack[i:i+m]) == string(pattern) {
			return i
		}
	}
	return -1
}

// Writer wraps the socket's send path, inserting chunk framing when
// txLen < 0 (i.e. the response has no Content-Length and must be
// chunk-encoded). Finalize writes the terminating 0-length chunk.
type Writer struct {
	conn      net.Conn
	chunked   bool
	finalized bool
	stats     *Stats
}

// NewWriter creates a Writer over conn. chunked selects
// Transfer-Encoding: chunked framing; when false, Write passes bytes
// through unmodified (the caller has already committed to
// Content-Length).
func NewWriter(conn net.Conn, chunked bool, stats *Stats) *Writer {
	return &Writer{conn: conn, chunked: chunked, stats: stats}
}

// Write sends buf, applying chunk framing if configured, and extends the
// write deadline first.
func (w *Writer) Write(buf []byte, deadline time.Time) (int, error) {
	if w.finalized {
		return 0, werrors.Internal("wio.Write", "write after finalize", nil)
	}
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return 0, werrors.ConnectionEOF("wio.Write", err)
	}

	if !w.chunked {
		n, err := w.conn.Write(buf)
		if w.stats != nil {
			w.stats.BytesWritten += int64(n)
		}
		if err != nil {
			return n, werrors.ConnectionEOF("wio.Write", err)
		}
		return n, nil
	}

	if len(buf) == 0 {
		return 0, nil
	}
	header := strconv.FormatInt(int64(len(buf)), 16) + "\r\n"
	if _, err := io.WriteString(w.conn, header); err != nil {
		return 0, werrors.ConnectionEOF("wio.Write", err)
	}
	n, err := w.conn.Write(buf)
	if err == nil {
		_, err = io.WriteString(w.conn, "\r\n")
	}
	if w.stats != nil {
		w.stats.BytesWritten += int64(n)
		w.stats.ChunksWritten++
	}
	if err != nil {
		return n, werrors.ConnectionEOF("wio.Write", err)
	}
	return n, nil
}

// Finalize writes the terminating chunk ("0\r\n\r\n") when chunked, and is
// a no-op otherwise. Idempotent.
func (w *Writer) Finalize() error {
	if w.finalized {
		return nil
	}
	w.finalized = true
	if !w.chunked {
		return nil
	}
	if _, err := io.WriteString(w.conn, "0\r\n\r\n"); err != nil {
		return werrors.ConnectionEOF("wio.Finalize", err)
	}
	return nil
}
