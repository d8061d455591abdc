package serializer

import (
	"bytes"
	"testing"
	"time"
)

type fakeWriter struct {
	buf bytes.Buffer
}

func (w *fakeWriter) Write(p []byte) (int, error)        { return w.buf.Write(p) }
func (w *fakeWriter) SetWriteDeadline(time.Time) error    { return nil }

func TestHeadSlotWritesStraightThrough(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, 0)
	s.Append(1)

	if err := s.Write(1, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if w.buf.String() != "hello" {
		t.Fatalf("expected direct write, got %q", w.buf.String())
	}
}

func TestLaterSlotQueuesUntilEarlierSlotsDone(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, 0)
	s.Append(1)
	s.Append(2)

	if err := s.Write(2, []byte("second")); err != nil {
		t.Fatalf("Write(2): %v", err)
	}
	if w.buf.Len() != 0 {
		t.Fatalf("expected slot 2 bytes to be withheld while slot 1 is still in flight, got %q", w.buf.String())
	}

	if err := s.Write(1, []byte("first-")); err != nil {
		t.Fatalf("Write(1): %v", err)
	}
	if w.buf.String() != "first-" {
		t.Fatalf("expected only slot 1 bytes so far, got %q", w.buf.String())
	}

	if err := s.Done(1); err != nil {
		t.Fatalf("Done(1): %v", err)
	}
	if w.buf.String() != "first-" {
		t.Fatalf("slot 2 not done yet at slot 1's completion; expected no cascade, got %q", w.buf.String())
	}

	if err := s.Done(2); err != nil {
		t.Fatalf("Done(2): %v", err)
	}
	if w.buf.String() != "first-second" {
		t.Fatalf("expected pending slot 2 bytes flushed in order after both done, got %q", w.buf.String())
	}
	if s.Len() != 0 {
		t.Fatalf("expected FIFO drained, got len %d", s.Len())
	}
}

func TestThreeSlotOrderingPreservedUnderOutOfOrderCompletion(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, 0)
	s.Append(1)
	s.Append(2)
	s.Append(3)

	s.Write(3, []byte("C"))
	s.Write(2, []byte("B"))
	s.Write(1, []byte("A"))

	// slot 1 is the head, so its "A" went straight through; slot 3 finishes
	// first, but nothing beyond that may be emitted until slot 1 is done,
	// then slot 2 and slot 3 drain in order.
	s.Done(3)
	if w.buf.String() != "A" {
		t.Fatalf("expected only head slot 1's direct write while it is still in flight, got %q", w.buf.String())
	}

	s.Done(2)
	if w.buf.String() != "A" {
		t.Fatalf("expected only head slot 1's direct write while it is still in flight, got %q", w.buf.String())
	}

	s.Done(1)
	if w.buf.String() != "ABC" {
		t.Fatalf("expected in-order drain ABC, got %q", w.buf.String())
	}
}

func TestWriteToHeadAfterPromotionGoesDirect(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, 0)
	s.Append(1)
	s.Append(2)

	s.Done(1)
	if err := s.Write(2, []byte("now-head")); err != nil {
		t.Fatalf("Write(2): %v", err)
	}
	if w.buf.String() != "now-head" {
		t.Fatalf("expected slot 2 to write straight through once promoted to head, got %q", w.buf.String())
	}
}
