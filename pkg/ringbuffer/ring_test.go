package ringbuffer

import "testing"

func fill(t *testing.T, r *Ring, data []byte) {
	t.Helper()
	slice, err := r.WriteSlice()
	if err != nil {
		t.Fatalf("write_slice: %v", err)
	}
	if len(slice) < len(data) {
		t.Fatalf("write slice too small: got %d want >= %d", len(slice), len(data))
	}
	n := copy(slice, data)
	r.Advance(n)
}

func TestFindCRLFAcrossCompaction(t *testing.T) {
	r := New(64)
	fill(t, r, []byte("GET / HTTP/1.1\r\n"))
	idx := r.FindCRLF(0)
	if idx < 0 {
		t.Fatalf("expected crlf to be found")
	}
	r.Consume(idx + 2)
	if r.Len() != 0 {
		t.Fatalf("expected empty after consuming full line, got %d", r.Len())
	}

	fill(t, r, []byte("Host: x\r\n"))
	idx = r.FindCRLF(0)
	if idx < 0 {
		t.Fatalf("expected crlf in second line")
	}
}

func TestNeedMoreDataWhenNoCRLFYet(t *testing.T) {
	r := New(64)
	fill(t, r, []byte("GET / HTTP/1.1"))
	if idx := r.FindCRLF(0); idx != -1 {
		t.Fatalf("expected need_more_data (-1), got %d", idx)
	}
}

func TestCompactionReclaimsSpaceAfterConsume(t *testing.T) {
	r := New(16)
	fill(t, r, []byte("0123456789"))
	r.Consume(10)

	slice, err := r.WriteSlice()
	if err != nil {
		t.Fatalf("write_slice after consume: %v", err)
	}
	if len(slice) != 16 {
		t.Fatalf("expected full capacity reclaimed, got %d", len(slice))
	}
}

func TestBufferExhausted(t *testing.T) {
	r := New(8)
	fill(t, r, []byte("01234567"))
	if _, err := r.WriteSlice(); err == nil {
		t.Fatalf("expected buffer_exhausted error when window is full of unread data")
	}
}

func TestPartialCompactionSlidesUnreadData(t *testing.T) {
	r := New(10)
	fill(t, r, []byte("0123456789"))
	r.Consume(8)

	slice, err := r.WriteSlice()
	if err != nil {
		t.Fatalf("write_slice: %v", err)
	}
	if string(r.Readable()) != "89" {
		t.Fatalf("expected unread data '89' preserved after slide, got %q", r.Readable())
	}
	if len(slice) != 8 {
		t.Fatalf("expected 8 bytes of tail room after sliding 2 unread bytes to front, got %d", len(slice))
	}
}
