// Package wbuf provides a memory-backed scratch buffer that transparently
// spills to a temporary file once a payload exceeds a configured size. It
// backs request bodies, multipart upload parts, and signature-validated
// form fields that are too large to hold comfortably in memory.
package wbuf

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/embedthis/webengine/pkg/werrors"
)

// DefaultMemoryLimit is the default memory threshold before spilling to
// disk.
const DefaultMemoryLimit = 4 * 1024 * 1024 // 4MB

// Buffer stores data either in memory or spooled to a temporary file once
// it exceeds a threshold. It is safe for concurrent Close/Reset calls; a
// single Buffer is otherwise meant to be owned by one connection's
// scheduler goroutine at a time.
type Buffer struct {
	buf    bytes.Buffer
	file   *os.File
	path   string
	size   int64
	limit  int64
	mu     sync.Mutex
	closed bool
}

// New creates a new Buffer with the provided memory limit. A non-positive
// limit selects DefaultMemoryLimit.
func New(limit int64) *Buffer {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &Buffer{limit: limit}
}

// NewWithData creates a buffer pre-loaded with data, used when a request's
// remaining bytes are already fully read off the wire into memory.
func NewWithData(data []byte) *Buffer {
	b := &Buffer{
		limit: DefaultMemoryLimit,
		size:  int64(len(data)),
	}
	b.buf.Write(data)
	return b
}

// Write stores p, spilling to a temp file once the buffer's memory limit
// would be exceeded.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, werrors.Internal("wbuf.Write", "buffer is closed", nil)
	}

	b.size += int64(len(p))

	if b.file == nil && int64(b.buf.Len()+len(p)) <= b.limit {
		return b.buf.Write(p)
	}

	if b.file == nil {
		tmp, err := os.CreateTemp("", "webengine-buffer-*.tmp")
		if err != nil {
			return 0, werrors.Internal("wbuf.Write", "creating spill file", err)
		}

		// Store the file reference before writing so Close() can still
		// clean it up if the initial flush below fails.
		b.file = tmp
		b.path = tmp.Name()

		if b.buf.Len() > 0 {
			if _, err := tmp.Write(b.buf.Bytes()); err != nil {
				b.closeLocked()
				return 0, werrors.Internal("wbuf.Write", "flushing to spill file", err)
			}
		}
		b.buf.Reset()
	}

	n, err := b.file.Write(p)
	if err != nil {
		return n, werrors.Internal("wbuf.Write", "writing to spill file", err)
	}
	return n, nil
}

// Bytes returns the in-memory data. It is empty once the buffer has
// spilled to disk; callers needing uniform access should use Reader
// instead.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file != nil {
		return nil
	}
	return b.buf.Bytes()
}

// Path returns the filesystem path backing a spilled payload, or "".
func (b *Buffer) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

// Size returns the total number of bytes written.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// IsSpilled reports whether the buffer has spilled to disk.
func (b *Buffer) IsSpilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file != nil
}

// Reader returns a fresh reader over the stored data, suitable for
// streaming the payload into a response or a finished upload's
// destination file.
func (b *Buffer) Reader() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, werrors.Internal("wbuf.Reader", "buffer is closed", nil)
	}

	if b.file != nil {
		if err := b.file.Sync(); err != nil {
			return nil, werrors.Internal("wbuf.Reader", "syncing spill file", err)
		}
		f, err := os.Open(b.path)
		if err != nil {
			return nil, werrors.Internal("wbuf.Reader", "opening spill file", err)
		}
		return f, nil
	}

	return io.NopCloser(bytes.NewReader(b.buf.Bytes())), nil
}

// Close flushes and removes any backing temp file. Safe for concurrent
// calls and idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked()
}

func (b *Buffer) closeLocked() error {
	if b.closed {
		return nil
	}
	b.closed = true

	if b.file != nil {
		err := b.file.Close()
		if removeErr := os.Remove(b.path); removeErr != nil && err == nil {
			err = removeErr
		}
		b.file = nil
		b.path = ""
		if err != nil {
			return werrors.Internal("wbuf.Close", "closing spill file", err)
		}
	}
	return nil
}

// Reset closes any backing file and prepares the buffer for reuse,
// letting connection-pooled scratch buffers be recycled across requests
// instead of reallocated.
func (b *Buffer) Reset() error {
	if err := b.Close(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf.Reset()
	b.size = 0
	b.closed = false
	return nil
}
