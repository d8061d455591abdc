// Package buffer provides a memory-then-disk byte spool used to hold
// pending response bytes for a stalled Request Slot and the file-payload
// bodies a Remote Connection's Static/LocalFiles upstream variant reads
// before handing them to a client.
package buffer

import (
	"bytes"
	"hash/crc32"
	"io"
	"net"
	"os"
	"sync"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/errors"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/ringbuffer"
)

// DefaultMemoryLimit is the default in-memory threshold before a Buffer
// spills its contents to a temp file.
const DefaultMemoryLimit = 256 * 1024

// Buffer stores data in a fixed-capacity pkg/ringbuffer.Ring window sized
// to its memory threshold, spilling the window to a temporary file the
// moment a write would overrun it. Safe for concurrent use.
//
// Every byte written also updates a running size and IEEE CRC32, exposed
// via Trailer, so a caller can learn the size and checksum of what reached
// disk/memory without a second read pass.
type Buffer struct {
	window *ringbuffer.Ring
	file   *os.File
	path   string
	limit  int64
	size   int64
	crc    uint32
	mu     sync.Mutex
	closed bool
}

// New creates a Buffer with the given memory threshold in bytes.
func New(limit int64) *Buffer {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &Buffer{limit: limit, window: ringbuffer.New(int(limit))}
}

// NewWithData creates a Buffer preloaded with data, under the default
// limit, spilling immediately if data is already larger than that limit.
func NewWithData(data []byte) *Buffer {
	b := New(DefaultMemoryLimit)
	b.Write(data)
	return b
}

// Write appends p, spilling the memory window to a temp file once a
// write would overrun the configured threshold.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, errors.NewIOError("buffer.write", net.ErrClosed)
	}

	b.size += int64(len(p))
	b.crc = crc32.Update(b.crc, crc32.IEEETable, p)

	if b.file == nil {
		if slice, err := b.window.WriteSlice(); err == nil && len(slice) >= len(p) {
			n := copy(slice, p)
			b.window.Advance(n)
			return n, nil
		}
		if err := b.spillLocked(); err != nil {
			return 0, err
		}
	}

	n, err := b.file.Write(p)
	if err != nil {
		return n, errors.NewIOError("buffer.spill.write", err)
	}
	return n, nil
}

// spillLocked moves whatever is currently in the memory window to a fresh
// temp file and releases the window; called the first time a write would
// overrun the memory threshold.
func (b *Buffer) spillLocked() error {
	tmp, err := os.CreateTemp("", "mrp-slot-*.tmp")
	if err != nil {
		return errors.NewIOError("buffer.spill.create", err)
	}
	b.file = tmp
	b.path = tmp.Name()

	if b.window.Len() > 0 {
		if _, err := tmp.Write(b.window.Readable()); err != nil {
			b.closeLocked()
			return errors.NewIOError("buffer.spill.write", err)
		}
	}
	b.window = nil
	return nil
}

// Bytes returns the in-memory payload. Empty once the buffer has spilled.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file != nil || b.window == nil {
		return nil
	}
	return b.window.Readable()
}

// Path returns the backing temp file path, or "" if never spilled.
func (b *Buffer) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

// Size returns the total number of bytes written so far.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Trailer returns the total size and running IEEE CRC32 of everything
// written so far, regardless of whether the payload spilled to disk.
// pkg/remoteconn's responseConn reads the size for Content-Length; no
// caller checks the checksum.
func (b *Buffer) Trailer() (size int64, checksum uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size, b.crc
}

// IsSpilled reports whether the buffer has moved its payload to disk.
func (b *Buffer) IsSpilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file != nil
}

// Reader opens a fresh reader over the stored payload.
func (b *Buffer) Reader() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.NewIOError("buffer.reader", net.ErrClosed)
	}

	if b.file != nil {
		if err := b.file.Sync(); err != nil {
			return nil, errors.NewIOError("buffer.sync", err)
		}
		f, err := os.Open(b.path)
		if err != nil {
			return nil, errors.NewIOError("buffer.reopen", err)
		}
		return f, nil
	}

	if b.window == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return io.NopCloser(bytes.NewReader(b.window.Readable())), nil
}

// Close releases the temp file, if any. Idempotent and safe to call more
// than once.
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
			return errors.NewIOError("buffer.close", err)
		}
	}
	return nil
}

// Reset closes any spilled file and prepares the Buffer for reuse.
func (b *Buffer) Reset() error {
	if err := b.Close(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window = ringbuffer.New(int(b.limit))
	b.size = 0
	b.crc = 0
	b.closed = false
	return nil
}
