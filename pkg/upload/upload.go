// Package upload implements the multipart/form-data demuxer: a
// boundary-driven scan that streams file parts to temp files under the
// configured upload directory while capturing form fields in memory, per
// spec §4.6.
package upload

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/embedthis/webengine/pkg/wio"
	"github.com/embedthis/webengine/pkg/werrors"
)

// File is one completed (or in-progress) uploaded file part.
type File struct {
	Field       string
	Filename    string
	ContentType string
	Path        string
	file        *os.File
	Size        int64
}

// Close closes the backing temp file without removing it (the finished
// upload is kept for the handler to move/rename).
func (f *File) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// Unlink removes the backing temp file; called unconditionally at
// connection teardown, per spec §3 ("every Upload's temp file is unlinked
// when the Connection is freed").
func (f *File) Unlink() error {
	f.Close()
	if f.Path == "" {
		return nil
	}
	err := os.Remove(f.Path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Config holds the demuxer's tunables, mapped from web.upload.dir and
// web.limits.upload/uploads.
type Config struct {
	Dir        string
	MaxFileSize int64
	MaxFiles    int
}

// Result is the outcome of demultiplexing one multipart body.
type Result struct {
	Files  []*File
	Fields map[string]string
}

// Demux streams a multipart/form-data body off buf, using boundary as
// parsed from the request's Content-Type, until the terminating
// "--boundary--" is read. deadline is recomputed by the caller on each
// retained I/O event.
func Demux(buf *wio.Buffer, boundary string, cfg Config, deadline func() time.Time) (*Result, error) {
	if boundary == "" {
		return nil, werrors.Protocol("upload.Demux", "missing multipart boundary", nil)
	}

	result := &Result{Fields: make(map[string]string)}
	dashBoundary := []byte("--" + boundary)

	// Discard the preamble up to the first boundary.
	if _, err := buf.BufferUntil(dashBoundary, 1<<20, deadline()); err != nil {
		return nil, err
	}
	if _, err := consumeExact(buf, len(dashBoundary), deadline); err != nil {
		return nil, err
	}

	for {
		marker, err := readTwoBytes(buf, deadline)
		if err != nil {
			return nil, err
		}
		if marker == "--" {
			// Terminator; the trailing CRLF may or may not be present
			// depending on the client, so it is not required here.
			break
		}
		if marker != "\r\n" {
			return nil, werrors.Protocol("upload.Demux", "malformed boundary delimiter", nil)
		}

		headers, err := readPartHeaders(buf, deadline)
		if err != nil {
			return nil, err
		}
		field, filename, contentType := parseContentDisposition(headers)

		if filename != "" {
			if len(result.Files) >= cfg.MaxFiles && cfg.MaxFiles > 0 {
				return nil, werrors.Limit("upload.Demux", 413, "too many upload parts")
			}
			safeName, err := sanitizeFilename(filename)
			if err != nil {
				return nil, err
			}
			f, err := streamFilePart(buf, dashBoundary, cfg, safeName, field, contentType, deadline)
			if err != nil {
				return nil, err
			}
			result.Files = append(result.Files, f)
		} else {
			value, err := readFieldPart(buf, dashBoundary, deadline)
			if err != nil {
				return nil, err
			}
			decoded, err := url.QueryUnescape(value)
			if err != nil {
				decoded = value
			}
			result.Fields[field] = decoded
		}

		if _, err := consumeExact(buf, len(dashBoundary), deadline); err != nil {
			return nil, err
		}
	}

	return result, nil
}

func consumeExact(buf *wio.Buffer, n int, deadline func() time.Time) (int, error) {
	dst := make([]byte, n)
	return buf.Read(dst, deadline())
}

func readTwoBytes(buf *wio.Buffer, deadline func() time.Time) (string, error) {
	dst := make([]byte, 2)
	if _, err := buf.Read(dst, deadline()); err != nil {
		return "", err
	}
	return string(dst), nil
}

const maxPartHeaderBytes = 8192

func readPartHeaders(buf *wio.Buffer, deadline func() time.Time) (map[string]string, error) {
	dst := make([]byte, maxPartHeaderBytes)
	n, err := buf.ReadUntil([]byte("\r\n\r\n"), dst, maxPartHeaderBytes, deadline())
	if err != nil {
		return nil, werrors.Protocol("upload.readPartHeaders", "malformed part headers", err)
	}
	block := string(dst[:n-4])
	headers := make(map[string]string)
	for _, line := range strings.Split(block, "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	return headers, nil
}

func parseContentDisposition(headers map[string]string) (field, filename, contentType string) {
	cd := headers["content-disposition"]
	for _, part := range strings.Split(cd, ";") {
		part = strings.TrimSpace(part)
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, "\"")
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "name":
			field = value
		case "filename":
			filename = value
		}
	}
	contentType = headers["content-type"]
	return
}

// sanitizeFilename rejects leading "."/"..", path separators, control
// characters, wildcards, and %2e/%2f/%5c traversal encodings, per spec
// §4.6, returning the bare basename to store on disk.
func sanitizeFilename(name string) (string, error) {
	lower := strings.ToLower(name)
	if strings.Contains(lower, "%2e") || strings.Contains(lower, "%2f") || strings.Contains(lower, "%5c") {
		return "", werrors.Protocol("upload.sanitizeFilename", "traversal-encoded filename rejected", nil)
	}
	if strings.ContainsAny(name, "/\\") {
		return "", werrors.Protocol("upload.sanitizeFilename", "path separator in filename", nil)
	}
	base := filepath.Base(name)
	if base == "." || base == ".." || base == "" {
		return "", werrors.Protocol("upload.sanitizeFilename", "invalid filename", nil)
	}
	if strings.ContainsAny(base, "/\\*?") {
		return "", werrors.Protocol("upload.sanitizeFilename", "invalid filename", nil)
	}
	for _, r := range base {
		if r < 0x20 {
			return "", werrors.Protocol("upload.sanitizeFilename", "control character in filename", nil)
		}
	}
	return base, nil
}

func streamFilePart(buf *wio.Buffer, dashBoundary []byte, cfg Config, filename, field, contentType string, deadline func() time.Time) (*File, error) {
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, werrors.Internal("upload.streamFilePart", "creating upload directory", err)
	}
	tmp, err := os.CreateTemp(cfg.Dir, "upload-*.tmp")
	if err != nil {
		return nil, werrors.Internal("upload.streamFilePart", "creating upload temp file", err)
	}

	f := &File{Field: field, Filename: filename, ContentType: contentType, Path: tmp.Name(), file: tmp}

	// The boundary search window must extend to the maximum allowed file
	// size: BufferUntil returns (0, nil) once it has scanned the window
	// without a match, and a window narrower than a legitimate file part
	// would starve the scan forever instead of ever finding the boundary.
	scanLimit := int(cfg.MaxFileSize)
	if scanLimit <= 0 {
		scanLimit = 1 << 20
	}

	n, err := buf.BufferUntil(dashBoundary, scanLimit, deadline())
	if err != nil {
		f.Unlink()
		return nil, err
	}
	if n == 0 {
		f.Unlink()
		return nil, werrors.Limit("upload.streamFilePart", 413, "uploaded file exceeds maximum size")
	}
	dataLen := n - len(dashBoundary)
	if dataLen < 0 {
		dataLen = 0
	}
	chunk, err := buf.ReadDirect(dataLen, deadline())
	if err != nil {
		f.Unlink()
		return nil, err
	}
	if cfg.MaxFileSize > 0 && f.Size+int64(len(chunk)) > cfg.MaxFileSize {
		f.Unlink()
		return nil, werrors.Limit("upload.streamFilePart", 413, "uploaded file exceeds maximum size")
	}
	// Trim the CRLF immediately preceding the boundary; it belongs to the
	// multipart framing, not the file content.
	trimmed := bytesTrimCRLFSuffix(chunk)
	if _, err := tmp.Write(trimmed); err != nil {
		f.Unlink()
		return nil, werrors.Internal("upload.streamFilePart", "writing upload content", err)
	}
	f.Size += int64(len(trimmed))

	return f, nil
}

func bytesTrimCRLFSuffix(b []byte) []byte {
	if len(b) >= 2 && b[len(b)-2] == '\r' && b[len(b)-1] == '\n' {
		return b[:len(b)-2]
	}
	return b
}

func readFieldPart(buf *wio.Buffer, dashBoundary []byte, deadline func() time.Time) (string, error) {
	n, err := buf.BufferUntil(dashBoundary, 1<<20, deadline())
	if err != nil {
		return "", err
	}
	dataLen := n - len(dashBoundary)
	if dataLen < 0 {
		dataLen = 0
	}
	chunk, err := buf.ReadDirect(dataLen, deadline())
	if err != nil {
		return "", err
	}
	return string(bytesTrimCRLFSuffix(chunk)), nil
}
