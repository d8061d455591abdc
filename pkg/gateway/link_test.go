package gateway

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/gatewaycodec"
)

const testSharedSecret = "supersecretvalue1234"

func newLinkedPair(t *testing.T, peerID string, dialer Dialer, fileServer FileServer) (*Link, *Link) {
	t.Helper()

	serverConn, clientConn := net.Pipe()

	serverCodec, err := gatewaycodec.NewCodec(testSharedSecret, peerID, gatewaycodec.RoleServer, false)
	if err != nil {
		t.Fatalf("server codec: %v", err)
	}
	clientCodec, err := gatewaycodec.NewCodec(testSharedSecret, peerID, gatewaycodec.RoleClient, false)
	if err != nil {
		t.Fatalf("client codec: %v", err)
	}

	serverLink := NewLink(serverConn, serverCodec, "client-side", dialer, fileServer)
	clientLink := NewLink(clientConn, clientCodec, "server-side", nil, nil)
	serverLink.Start()
	clientLink.Start()

	t.Cleanup(func() {
		clientLink.Close()
		serverLink.Close()
	})

	return serverLink, clientLink
}

func startEchoListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().String()
}

func TestForwardConnRoundTripsThroughEchoTarget(t *testing.T) {
	echoAddr := startEchoListener(t)
	_, clientLink := newLinkedPair(t, "peer-under-test", nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fc, err := clientLink.ForwardConn(ctx, echoAddr, time.Second)
	if err != nil {
		t.Fatalf("ForwardConn: %v", err)
	}
	defer fc.Close()

	if _, err := fc.Write([]byte("hello gateway")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, len("hello gateway"))
	if _, err := readFull(fc, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, []byte("hello gateway")) {
		t.Fatalf("got %q", buf)
	}
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestForwardConnFailsWhenTargetUnreachable(t *testing.T) {
	_, clientLink := newLinkedPair(t, "peer-under-test", nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := clientLink.ForwardConn(ctx, "127.0.0.1:1", 500*time.Millisecond)
	if err == nil {
		t.Fatalf("expected an error dialing an unreachable target")
	}
}

type staticFileServer map[string][]byte

func (s staticFileServer) ReadFile(path string) ([]byte, error) {
	data, ok := s[path]
	if !ok {
		return nil, errNotFound
	}
	return data, nil
}

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "not found" }

func TestRequestFileReturnsServerData(t *testing.T) {
	files := staticFileServer{"/config.json": []byte(`{"ok":true}`)}
	_, clientLink := newLinkedPair(t, "peer-under-test", nil, files)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := clientLink.RequestFile(ctx, "/config.json")
	if err != nil {
		t.Fatalf("RequestFile: %v", err)
	}
	if !bytes.Equal(data, files["/config.json"]) {
		t.Fatalf("got %q", data)
	}
}

func TestRequestFileMissingReturnsError(t *testing.T) {
	files := staticFileServer{}
	_, clientLink := newLinkedPair(t, "peer-under-test", nil, files)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := clientLink.RequestFile(ctx, "/missing.json"); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

func TestLinkCloseFailsPendingForwardConn(t *testing.T) {
	echoAddr := startEchoListener(t)
	serverLink, clientLink := newLinkedPair(t, "peer-under-test", nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fc, err := clientLink.ForwardConn(ctx, echoAddr, time.Second)
	if err != nil {
		t.Fatalf("ForwardConn: %v", err)
	}

	serverLink.Close()
	clientLink.Close()

	buf := make([]byte, 1)
	if _, err := fc.Read(buf); err == nil {
		t.Fatalf("expected Read to fail after the link is closed")
	}
}
