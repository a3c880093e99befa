package fileserver

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/embedthis/webengine/pkg/wreq"
)

// multipartRangeReader streams a multipart/byteranges response body: one
// part per resolved range, each with its own Content-Range header, closed
// by the terminating boundary. It implements io.ReadCloser so the
// scheduler can drive it exactly like any other response body.
type multipartRangeReader struct {
	f        *os.File
	ranges   []wreq.ByteRange
	size     int64
	boundary string

	idx     int
	current io.Reader
	done    bool
}

func newMultipartRangeReader(f *os.File, ranges []wreq.ByteRange, size int64, boundary string) *multipartRangeReader {
	return &multipartRangeReader{f: f, ranges: ranges, size: size, boundary: boundary}
}

func (m *multipartRangeReader) Read(p []byte) (int, error) {
	for {
		if m.current == nil {
			if m.done {
				return 0, io.EOF
			}
			if m.idx >= len(m.ranges) {
				m.current = strings.NewReader(fmt.Sprintf("--%s--\r\n", m.boundary))
				m.done = true
				continue
			}
			rg := m.ranges[m.idx]
			m.idx++
			header := fmt.Sprintf("--%s\r\nContent-Range: bytes %d-%d/%d\r\n\r\n", m.boundary, rg.Start, rg.End, m.size)
			if _, err := m.f.Seek(rg.Start, io.SeekStart); err != nil {
				return 0, err
			}
			length := rg.End - rg.Start + 1
			m.current = io.MultiReader(strings.NewReader(header), io.LimitReader(m.f, length), strings.NewReader("\r\n"))
		}

		n, err := m.current.Read(p)
		if err == io.EOF {
			m.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (m *multipartRangeReader) Close() error {
	return m.f.Close()
}
