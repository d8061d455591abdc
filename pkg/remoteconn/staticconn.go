package remoteconn

import (
	"io"
	"path/filepath"
	"strings"
	"time"
)

// staticConn is a Conn backed entirely by a canned response body: writes
// (the forwarded request bytes) are discarded, reads drain the response
// once. Used by the Static and LocalFiles upstream variants, which never
// open a real socket; LocalFiles spools its body through a pkg/buffer, so
// r may be backed by a spilled temp file rather than an in-memory slice,
// and Close releases whatever that turned out to be.
type staticConn struct {
	r      io.Reader
	closer io.Closer
	closed bool
}

func newStaticConn(r io.Reader) *staticConn {
	closer, _ := r.(io.Closer)
	return &staticConn{r: r, closer: closer}
}

func (c *staticConn) Read(p []byte) (int, error) {
	if c.closed {
		return 0, io.EOF
	}
	return c.r.Read(p)
}

func (c *staticConn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	return len(p), nil
}

func (c *staticConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

func (c *staticConn) SetDeadline(time.Time) error      { return nil }
func (c *staticConn) SetReadDeadline(time.Time) error  { return nil }
func (c *staticConn) SetWriteDeadline(time.Time) error { return nil }

func joinClean(dir, name string) string {
	if name == "" {
		return filepath.Clean(dir)
	}
	return filepath.Join(dir, filepath.Clean(string(filepath.Separator)+name))
}

func contentTypeForExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript; charset=utf-8"
	case ".json":
		return "application/json; charset=utf-8"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".svg":
		return "image/svg+xml"
	case ".txt":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
