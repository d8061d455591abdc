package buffer

import (
	"bytes"
	"io"
	"testing"
)

func TestWriteStaysInMemoryUnderLimit(t *testing.T) {
	b := New(64)
	if _, err := b.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if b.IsSpilled() {
		t.Fatalf("expected buffer to stay in memory under its limit")
	}
	if got := string(b.Bytes()); got != "hello" {
		t.Fatalf("Bytes: got %q", got)
	}
}

func TestWriteSpillsPastLimit(t *testing.T) {
	b := New(8)
	if _, err := b.Write([]byte("0123456789")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	defer b.Close()

	if !b.IsSpilled() {
		t.Fatalf("expected buffer to have spilled past its 8 byte limit")
	}
	if b.Bytes() != nil {
		t.Fatalf("expected Bytes to be empty once spilled")
	}
	if b.Path() == "" {
		t.Fatalf("expected a backing temp file path once spilled")
	}

	r, err := b.Reader()
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "0123456789" {
		t.Fatalf("expected spilled payload to round-trip, got %q", got)
	}
}

func TestTrailerTracksSizeAndChecksumAcrossSpill(t *testing.T) {
	b := New(4)
	data := []byte("reverse-proxy-payload")
	if _, err := b.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	defer b.Close()

	size, checksum := b.Trailer()
	if size != int64(len(data)) {
		t.Fatalf("expected trailer size %d, got %d", len(data), size)
	}
	if checksum == 0 {
		t.Fatalf("expected a non-zero checksum for non-empty data")
	}

	want := New(0)
	want.Write(data)
	defer want.Close()
	_, wantChecksum := want.Trailer()
	if checksum != wantChecksum {
		t.Fatalf("expected checksum to be independent of whether the buffer spilled, got %d vs %d", checksum, wantChecksum)
	}
}

func TestCloseIsIdempotentAndRemovesSpillFile(t *testing.T) {
	b := New(4)
	b.Write([]byte("spill-me"))
	path := b.Path()
	if path == "" {
		t.Fatalf("expected a spill file")
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := b.Write([]byte("more")); err == nil {
		t.Fatalf("expected write after close to fail")
	}
}

func TestResetAllowsReuse(t *testing.T) {
	b := New(4)
	b.Write([]byte("spill-me"))
	if err := b.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if b.IsSpilled() {
		t.Fatalf("expected Reset to clear the spilled state")
	}
	if size, _ := b.Trailer(); size != 0 {
		t.Fatalf("expected Reset to zero the trailer size, got %d", size)
	}
	if _, err := b.Write([]byte("hi")); err != nil {
		t.Fatalf("Write after Reset: %v", err)
	}
	if got := string(b.Bytes()); got != "hi" {
		t.Fatalf("Bytes after reuse: got %q", got)
	}
}

func TestNewWithDataSpillsWhenLargerThanDefaultLimit(t *testing.T) {
	data := bytes.Repeat([]byte("x"), DefaultMemoryLimit+1)
	b := NewWithData(data)
	defer b.Close()
	if !b.IsSpilled() {
		t.Fatalf("expected data larger than the default limit to spill")
	}
	if size, _ := b.Trailer(); size != int64(len(data)) {
		t.Fatalf("expected trailer size %d, got %d", len(data), size)
	}
}
