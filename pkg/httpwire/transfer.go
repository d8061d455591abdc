package httpwire

import (
	"io"
	"time"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/errors"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/ringbuffer"
)

// DeadlineReader is the minimal capability Body Transfer needs from a
// socket: reading and a per-call read deadline. net.Conn satisfies it.
type DeadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

var crlf = []byte("\r\n")

// nextLine returns the next CRLF-terminated line (without the CRLF),
// refilling the Ring from conn as needed. Exceeding maxLineBytes before a
// CRLF is found fails with parse/header_too_large.
func nextLine(ring *ringbuffer.Ring, conn DeadlineReader, timeout time.Duration, maxLineBytes int) ([]byte, error) {
	for {
		if idx := ring.FindCRLF(0); idx >= 0 {
			if idx > maxLineBytes {
				return nil, errors.NewParseError(errors.KindParseHeaderTooLarge, "ring.next_line", "buffer_exhausted")
			}
			line := append([]byte(nil), ring.Readable()[:idx]...)
			ring.Consume(idx + 2)
			return line, nil
		}
		if _, err := refill(ring, conn, timeout); err != nil {
			return nil, err
		}
	}
}

func refill(ring *ringbuffer.Ring, conn DeadlineReader, timeout time.Duration) (int, error) {
	slice, err := ring.WriteSlice()
	if err != nil {
		return 0, err
	}
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, errors.NewIOError("ring.refill.set_deadline", err)
		}
	}
	n, err := conn.Read(slice)
	if err != nil {
		return n, errors.NewIOError("ring.refill.read", err)
	}
	ring.Advance(n)
	return n, nil
}

const copyScratchSize = 32 * 1024

// copyN writes exactly n bytes to w: first draining whatever is already
// buffered in ring, then reading the remainder directly from conn.
func copyN(ring *ringbuffer.Ring, conn DeadlineReader, w io.Writer, n int64, timeout time.Duration) (int64, error) {
	var total int64

	if buffered := ring.Readable(); len(buffered) > 0 && n > 0 {
		take := int64(len(buffered))
		if take > n {
			take = n
		}
		if _, err := w.Write(buffered[:take]); err != nil {
			return total, errors.NewIOError("copy_n.write", err)
		}
		ring.Consume(int(take))
		total += take
		n -= take
	}

	scratch := make([]byte, copyScratchSize)
	for n > 0 {
		want := int64(len(scratch))
		if want > n {
			want = n
		}
		if timeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				return total, errors.NewIOError("copy_n.set_deadline", err)
			}
		}
		r, err := conn.Read(scratch[:want])
		if r > 0 {
			if _, werr := w.Write(scratch[:r]); werr != nil {
				return total, errors.NewIOError("copy_n.write", werr)
			}
			total += int64(r)
			n -= int64(r)
		}
		if err != nil {
			if err == io.EOF && n == 0 {
				break
			}
			return total, errors.NewIOError("copy_n.read", err)
		}
	}
	return total, nil
}

// ForwardKnown streams exactly n known-length body bytes from ring+conn to
// w.
func ForwardKnown(ring *ringbuffer.Ring, conn DeadlineReader, w io.Writer, n int64, timeout time.Duration) (int64, error) {
	return copyN(ring, conn, w, n, timeout)
}

// ForwardChunked streams a chunked body from ring+conn to w, forwarding the
// exact wire framing (size lines, chunk data, separators, trailers) rather
// than re-buffering into a different shape. It validates hex chunk-size
// lines and the separator CRLF as it goes.
func ForwardChunked(ring *ringbuffer.Ring, conn DeadlineReader, w io.Writer, timeout time.Duration, maxLineBytes int) (int64, error) {
	var total int64
	for {
		line, err := nextLine(ring, conn, timeout, maxLineBytes)
		if err != nil {
			return total, err
		}
		sizeField := line
		if idx := indexByte(line, ';'); idx >= 0 {
			sizeField = line[:idx]
		}
		size, perr := parseHexSize(sizeField)
		if perr != nil {
			return total, errors.NewParseError(errors.KindParseBadChunkSize, "chunked.size", perr.Error())
		}

		if err := writeLine(w, line); err != nil {
			return total, err
		}
		total += int64(len(line) + 2)

		if size == 0 {
			for {
				tline, err := nextLine(ring, conn, timeout, maxLineBytes)
				if err != nil {
					return total, err
				}
				if err := writeLine(w, tline); err != nil {
					return total, err
				}
				total += int64(len(tline) + 2)
				if len(tline) == 0 {
					return total, nil
				}
			}
		}

		n, err := copyN(ring, conn, w, int64(size), timeout)
		total += n
		if err != nil {
			return total, err
		}

		sep, err := nextLine(ring, conn, timeout, maxLineBytes)
		if err != nil {
			return total, err
		}
		if len(sep) != 0 {
			return total, errors.NewParseError(errors.KindParseBadChunkSize, "chunked.separator", "expected empty separator line")
		}
		if err := writeLine(w, nil); err != nil {
			return total, err
		}
		total += 2
	}
}

func writeLine(w io.Writer, line []byte) error {
	if len(line) > 0 {
		if _, err := w.Write(line); err != nil {
			return errors.NewIOError("chunked.write", err)
		}
	}
	if _, err := w.Write(crlf); err != nil {
		return errors.NewIOError("chunked.write", err)
	}
	return nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// parseHexSize parses a chunk-size field right-to-left into an int,
// rejecting any non-hex digit.
func parseHexSize(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, errBadChunkSize
	}
	var val int
	mul := 1
	for i := len(b) - 1; i >= 0; i-- {
		d, ok := hexDigit(b[i])
		if !ok {
			return 0, errBadChunkSize
		}
		val += d * mul
		mul *= 16
	}
	return val, nil
}

func hexDigit(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	}
	return 0, false
}

type chunkSizeError struct{}

func (chunkSizeError) Error() string { return "invalid hex chunk size" }

var errBadChunkSize = chunkSizeError{}
