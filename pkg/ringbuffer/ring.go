// Package ringbuffer implements the fixed-capacity byte window that backs
// every HTTP/1 reader in the proxy core: a single contiguous []byte with a
// read cursor and a write cursor, cheaply compacted when the two meet.
package ringbuffer

import (
	"bytes"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/errors"
)

// DefaultCapacity is the default window size for a new Ring.
const DefaultCapacity = 1 * 1024 * 1024

// Ring is a fixed-capacity byte window. It never grows: a write or a parse
// that would exceed capacity fails with a parse/header_too_large error
// rather than silently expanding.
//
// The window is not safe for concurrent use; each Ring is owned by exactly
// one reader task (an InboundConnection or an upstream read loop).
type Ring struct {
	buf   []byte
	read  int
	write int
}

// New allocates a Ring with the given capacity. A capacity of 0 uses
// DefaultCapacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]byte, capacity)}
}

// Cap returns the fixed capacity of the window.
func (r *Ring) Cap() int { return len(r.buf) }

// Readable returns the unread window. The returned slice aliases the
// Ring's internal storage and is only valid until the next Advance,
// Consume, or WriteSlice call (WriteSlice may compact the window).
func (r *Ring) Readable() []byte {
	return r.buf[r.read:r.write]
}

// Len returns the number of unread bytes currently buffered.
func (r *Ring) Len() int { return r.write - r.read }

// WriteSlice returns the writable tail of the window — the region a
// socket read should fill — compacting first if the window has no room
// left at the tail but does have consumed space at the head.
//
// An empty slice with buffer_exhausted means capacity is fully used by
// unread data; the caller must parse/consume before reading more.
func (r *Ring) WriteSlice() ([]byte, error) {
	if r.write == len(r.buf) {
		r.compact()
	}
	if r.write == len(r.buf) {
		return nil, errors.NewParseError(errors.KindParseHeaderTooLarge, "ring.write_slice", "buffer_exhausted")
	}
	return r.buf[r.write:], nil
}

// Advance records that n bytes were written into the slice WriteSlice
// returned (from a completed socket read).
func (r *Ring) Advance(n int) {
	r.write += n
}

// Consume drops n bytes from the front of the readable window (after a
// parser has accepted them).
func (r *Ring) Consume(n int) {
	r.read += n
	if r.read == r.write {
		r.read, r.write = 0, 0
	}
}

// compact resets both cursors to zero when they coincide, or slides
// unread data to the front when there's no trailing room but there is
// leading room — the "cheap compaction" the window promises.
func (r *Ring) compact() {
	if r.read == r.write {
		r.read, r.write = 0, 0
		return
	}
	if r.read == 0 {
		return
	}
	n := copy(r.buf, r.buf[r.read:r.write])
	r.read = 0
	r.write = n
}

// FindCRLF scans the readable window starting at offset `from` (relative
// to the read cursor) for "\r\n", returning its offset relative to the
// read cursor, or -1 if not found yet (need_more_data).
func (r *Ring) FindCRLF(from int) int {
	window := r.Readable()
	if from < 0 || from > len(window) {
		return -1
	}
	idx := bytes.Index(window[from:], []byte("\r\n"))
	if idx < 0 {
		return -1
	}
	return from + idx
}

// Reset empties the window without reallocating.
func (r *Ring) Reset() {
	r.read, r.write = 0, 0
}
