package gatewaycodec

import (
	"bytes"
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTripAllKinds(t *testing.T) {
	packets := []Packet{
		Hello{Version: 1, PeerID: "peer-a", SupportsCompression: true},
		Ping{Nonce: 42},
		Pong{Nonce: 42},
		Connect{ConnID: 7, TimeoutMs: 5000, Remote: "10.0.0.1:443"},
		Connected{ConnID: 7},
		ConnectionError{ConnID: 7, Msg: "refused"},
		Payload{ConnID: 7, Bytes: []byte("hello upstream")},
		BackwardPayload{ConnID: 7, Bytes: []byte("hello client")},
		GetFileRequest{ReqID: 3, Path: "/static/logo.png"},
		GetFileResponse{ReqID: 3, Status: 0, Bytes: []byte{1, 2, 3, 4}},
	}

	for _, p := range packets {
		encoded, err := Encode(p)
		if err != nil {
			t.Fatalf("Encode(%T): %v", p, err)
		}
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%T): %v", p, err)
		}
		if !reflect.DeepEqual(decoded, p) {
			t.Fatalf("round trip mismatch for %T: got %+v, want %+v", p, decoded, p)
		}
	}
}

func TestDecodeTruncatedPacketIsProtocolViolation(t *testing.T) {
	encoded, _ := Encode(Connect{ConnID: 1, TimeoutMs: 100, Remote: "x"})
	_, err := Decode(encoded[:len(encoded)-2])
	if err == nil {
		t.Fatalf("expected a decode error for a truncated packet")
	}
}

func TestCodecFrameRoundTripUncompressed(t *testing.T) {
	server, err := NewCodec("supersecretvalue1234", "peer-a", RoleServer, false)
	if err != nil {
		t.Fatalf("NewCodec server: %v", err)
	}
	client, err := NewCodec("supersecretvalue1234", "peer-a", RoleClient, false)
	if err != nil {
		t.Fatalf("NewCodec client: %v", err)
	}

	frame, err := client.EncodeFrame(Connect{ConnID: 1, TimeoutMs: 1000, Remote: "10.0.0.2:80"})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	got, err := server.ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	want := Connect{ConnID: 1, TimeoutMs: 1000, Remote: "10.0.0.2:80"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestCodecFrameRoundTripCompressed(t *testing.T) {
	server, err := NewCodec("supersecretvalue1234", "peer-a", RoleServer, true)
	if err != nil {
		t.Fatalf("NewCodec server: %v", err)
	}
	defer server.Close()
	client, err := NewCodec("supersecretvalue1234", "peer-a", RoleClient, true)
	if err != nil {
		t.Fatalf("NewCodec client: %v", err)
	}
	defer client.Close()

	payload := bytes.Repeat([]byte("upstream-bytes-"), 4096)
	frame, err := client.EncodeFrame(Payload{ConnID: 9, Bytes: payload})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if len(frame) >= len(payload) {
		t.Fatalf("expected compression to shrink a highly repetitive payload, got frame len %d vs payload len %d", len(frame), len(payload))
	}

	got, err := server.ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	gp, ok := got.(Payload)
	if !ok || gp.ConnID != 9 || !bytes.Equal(gp.Bytes, payload) {
		t.Fatalf("round trip mismatch, got %+v", got)
	}
}

func TestCodecSequentialFramesStayInSyncPerDirection(t *testing.T) {
	server, err := NewCodec("supersecretvalue1234", "peer-a", RoleServer, false)
	if err != nil {
		t.Fatalf("NewCodec server: %v", err)
	}
	client, err := NewCodec("supersecretvalue1234", "peer-a", RoleClient, false)
	if err != nil {
		t.Fatalf("NewCodec client: %v", err)
	}

	var buf bytes.Buffer
	for i := uint64(0); i < 5; i++ {
		frame, err := client.EncodeFrame(Ping{Nonce: i})
		if err != nil {
			t.Fatalf("EncodeFrame #%d: %v", i, err)
		}
		buf.Write(frame)
	}

	for i := uint64(0); i < 5; i++ {
		got, err := server.ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame #%d: %v", i, err)
		}
		ping, ok := got.(Ping)
		if !ok || ping.Nonce != i {
			t.Fatalf("frame #%d: got %+v, want Ping{Nonce:%d}", i, got, i)
		}
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	server, err := NewCodec("supersecretvalue1234", "peer-a", RoleServer, false)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	var lenBuf [4]byte
	lenBuf[0], lenBuf[1], lenBuf[2], lenBuf[3] = 0xff, 0xff, 0xff, 0x7f // ~2GiB
	if _, err := server.ReadFrame(bytes.NewReader(lenBuf[:])); err == nil {
		t.Fatalf("expected an oversized frame length to be rejected")
	}
}
