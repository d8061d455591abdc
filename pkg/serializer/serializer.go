// Package serializer implements the Server Write Serializer: it owns one
// inbound connection's write half and a FIFO of Request Slots, preserving
// HTTP/1 response ordering across concurrently-pipelined requests without
// head-of-line blocking of earlier slots by later ones.
package serializer

import (
	"io"
	"sync"
	"time"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/buffer"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/errors"
)

// Writer is the capability the Serializer needs from the inbound socket.
type Writer interface {
	io.Writer
	SetWriteDeadline(t time.Time) error
}

type slot struct {
	id    uint64
	done  bool
	pending *buffer.Buffer
}

// Serializer is a mutex-protected FIFO of Request Slots identified by
// request id, writing bytes for the head slot straight through and
// queuing bytes for any other slot until it reaches the head. Per design
// note §9, slots never hold a reference back to the Serializer; callers
// always address a slot by its request id.
type Serializer struct {
	mu      sync.Mutex
	w       Writer
	timeout time.Duration
	queue   []*slot
	bySlot  map[uint64]*slot
	torn    bool
}

// New builds a Serializer writing to w, applying timeout to each direct
// socket write.
func New(w Writer, timeout time.Duration) *Serializer {
	return &Serializer{w: w, timeout: timeout, bySlot: make(map[uint64]*slot)}
}

// Append registers a new Request Slot at the tail of the FIFO, in
// ascending request-id order — called when the server loop dispatches a
// new inbound request.
func (s *Serializer) Append(requestID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := &slot{id: requestID}
	s.queue = append(s.queue, sl)
	s.bySlot[requestID] = sl
}

// Write emits bytes for requestID: straight to the socket if its slot is
// currently at the head of the FIFO, otherwise appended to that slot's
// pending buffer. Any direct-write error tears down the whole
// Serializer — every subsequent call fails with io/disconnected.
func (s *Serializer) Write(requestID uint64, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.torn {
		return errors.NewIOError("serializer.write", errTornDown)
	}

	sl, ok := s.bySlot[requestID]
	if !ok {
		return errors.NewIOError("serializer.write", errUnknownSlot)
	}

	if len(s.queue) > 0 && s.queue[0] == sl {
		return s.writeDirectLocked(p)
	}

	if sl.pending == nil {
		sl.pending = buffer.New(buffer.DefaultMemoryLimit)
	}
	if _, err := sl.pending.Write(p); err != nil {
		return err
	}
	return nil
}

func (s *Serializer) writeDirectLocked(p []byte) error {
	if s.timeout > 0 {
		if err := s.w.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			s.torn = true
			return errors.NewIOError("serializer.write", err)
		}
	}
	if _, err := s.w.Write(p); err != nil {
		s.torn = true
		return errors.NewIOError("serializer.write", err)
	}
	return nil
}

// Done marks requestID's slot complete and drains any run of trailing
// done slots from the head of the FIFO in order, flushing each one's
// pending bytes before removing it.
func (s *Serializer) Done(requestID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.bySlot[requestID]
	if !ok {
		return errors.NewIOError("serializer.done", errUnknownSlot)
	}
	sl.done = true

	for len(s.queue) > 0 && s.queue[0].done {
		head := s.queue[0]
		if head.pending != nil {
			if err := s.flushPendingLocked(head.pending); err != nil {
				return err
			}
			head.pending.Close()
		}
		delete(s.bySlot, head.id)
		s.queue = s.queue[1:]
	}
	return nil
}

func (s *Serializer) flushPendingLocked(pending *buffer.Buffer) error {
	r, err := pending.Reader()
	if err != nil {
		return errors.NewIOError("serializer.flush", err)
	}
	defer r.Close()

	buf := make([]byte, 32*1024)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := s.writeDirectLocked(buf[:n]); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return errors.NewIOError("serializer.flush", rerr)
		}
	}
}

// Len reports how many Request Slots remain in the FIFO — used by tests
// and diagnostics.
func (s *Serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const (
	errTornDown    sentinelError = "serializer torn down after a prior write error"
	errUnknownSlot sentinelError = "unknown request slot"
)
