package wio

import (
	"strconv"
	"strings"
	"time"

	"github.com/embedthis/webengine/pkg/werrors"
)

// chunkState is the receive-side chunked decoder's state, per spec
// §4.1: {START, DATA, EOF}.
type chunkState int

const (
	chunkStart chunkState = iota
	chunkData
	chunkEOF
)

// ChunkedReader decodes a Transfer-Encoding: chunked request body read
// through a Buffer, exposing it as a bounded byte stream to the route
// handler / upload demuxer.
type ChunkedReader struct {
	buf       *Buffer
	state     chunkState
	remaining int64 // bytes left in the current chunk
	deadline  func() time.Time
	maxChunk  int64
}

// NewChunkedReader wraps buf for chunked decoding. deadline is invoked
// before every socket read so the scheduler's per-request deadline
// recomputation (min(now+inactivity, started+request)) is honored on
// every chunk, not just the first.
func NewChunkedReader(buf *Buffer, deadline func() time.Time, maxChunk int64) *ChunkedReader {
	return &ChunkedReader{buf: buf, deadline: deadline, maxChunk: maxChunk}
}

// Done reports whether the terminating 0-length chunk and its trailing
// CRLF have been consumed.
func (r *ChunkedReader) Done() bool { return r.state == chunkEOF }

// Read copies up to len(dst) bytes of decoded chunk data into dst. It
// returns (0, nil) once Done() becomes true rather than io.EOF, matching
// the body-reading convention used throughout the scheduler (callers loop
// on Done()).
func (r *ChunkedReader) Read(dst []byte) (int, error) {
	if r.state == chunkEOF {
		return 0, nil
	}

	if r.state == chunkStart {
		if err := r.readChunkHeader(); err != nil {
			return 0, err
		}
		if r.state == chunkEOF {
			return 0, nil
		}
	}

	n := len(dst)
	if int64(n) > r.remaining {
		n = int(r.remaining)
	}
	got, err := r.buf.Read(dst[:n], r.deadline())
	if err != nil {
		return got, err
	}
	r.remaining -= int64(got)

	if r.remaining == 0 {
		if err := r.consumeTrailingCRLF(); err != nil {
			return got, err
		}
		r.state = chunkStart
	}
	return got, nil
}

func (r *ChunkedReader) readChunkHeader() error {
	line := make([]byte, 32)
	n, err := r.buf.ReadUntil([]byte("\r\n"), line, 64, r.deadline())
	if err != nil {
		return werrors.Protocol("wio.readChunkHeader", "malformed chunk size line", err)
	}
	text := strings.TrimSpace(strings.SplitN(string(line[:n-2]), ";", 2)[0])
	size, err := strconv.ParseInt(text, 16, 64)
	if err != nil || size < 0 {
		return werrors.Protocol("wio.readChunkHeader", "invalid chunk size", err)
	}
	if r.maxChunk > 0 && size > r.maxChunk {
		return werrors.Limit("wio.readChunkHeader", 413, "chunk exceeds maximum size")
	}

	if size == 0 {
		if err := r.consumeTrailingCRLF(); err != nil {
			return err
		}
		r.state = chunkEOF
		return nil
	}

	r.remaining = size
	r.state = chunkData
	return nil
}

func (r *ChunkedReader) consumeTrailingCRLF() error {
	crlf := make([]byte, 2)
	_, err := r.buf.Read(crlf, r.deadline())
	if err != nil {
		return werrors.Protocol("wio.consumeTrailingCRLF", "missing CRLF after chunk data", err)
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return werrors.Protocol("wio.consumeTrailingCRLF", "expected CRLF after chunk data", nil)
	}
	return nil
}
