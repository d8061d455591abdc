package remoteconn

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/config"
)

func TestDialStaticServesCannedResponse(t *testing.T) {
	desc := config.UpstreamDescriptor{
		Kind:              config.UpstreamStatic,
		StaticStatus:      200,
		StaticContentType: "text/plain",
		StaticBody:        []byte("hello"),
	}
	conn, err := Dial(context.Background(), desc, DialOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	out, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Contains(out, []byte("hello")) {
		t.Fatalf("expected static body in response, got %q", out)
	}
	if !bytes.HasPrefix(out, []byte("HTTP/1.1 200")) {
		t.Fatalf("expected status line, got %q", out)
	}
}

func TestDialLocalFileServesFileUnderDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>hi</h1>"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	desc := config.UpstreamDescriptor{
		Kind:        config.UpstreamLocalFiles,
		LocalDir:    dir,
		DefaultFile: "index.html",
	}
	conn, err := Dial(context.Background(), desc, DialOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	out, _ := io.ReadAll(conn)
	if !bytes.Contains(out, []byte("<h1>hi</h1>")) {
		t.Fatalf("expected file contents, got %q", out)
	}
}

func TestDialLocalFileMissingFileFails(t *testing.T) {
	dir := t.TempDir()
	desc := config.UpstreamDescriptor{Kind: config.UpstreamLocalFiles, LocalDir: dir, DefaultFile: "missing.html"}
	if _, err := Dial(context.Background(), desc, DialOptions{}); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

func TestDialDirectTCPConnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan struct{})
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
		close(accepted)
	}()

	desc := config.UpstreamDescriptor{Kind: config.UpstreamDirectTCP, Address: ln.Addr().String()}
	conn, err := Dial(context.Background(), desc, DialOptions{DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
	<-accepted
}

func TestDialDirectTCPFailsOnRefusedConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	desc := config.UpstreamDescriptor{Kind: config.UpstreamDirectTCP, Address: addr}
	if _, err := Dial(context.Background(), desc, DialOptions{DialTimeout: time.Second}); err == nil {
		t.Fatalf("expected dial to fail against a closed listener")
	}
}

type fakeGatewayDialer struct {
	conn Conn
	err  error
}

func (f *fakeGatewayDialer) Forward(ctx context.Context, gatewayID, remoteEndpoint string) (Conn, error) {
	return f.conn, f.err
}

func TestDialGatewayUsesRegisteredDialer(t *testing.T) {
	want := newStaticConn(bytes.NewReader([]byte("gateway-bytes")))
	desc := config.UpstreamDescriptor{Kind: config.UpstreamGateway, GatewayID: "peer-1", GatewayRemoteEndpoint: "/svc"}

	conn, err := Dial(context.Background(), desc, DialOptions{Gateway: &fakeGatewayDialer{conn: want}})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if conn.Conn != Conn(want) {
		t.Fatalf("expected the dialer's connection to be wrapped through")
	}
}

func TestDialGatewayWithoutRegistryFails(t *testing.T) {
	desc := config.UpstreamDescriptor{Kind: config.UpstreamGateway, GatewayID: "peer-1"}
	if _, err := Dial(context.Background(), desc, DialOptions{}); err == nil {
		t.Fatalf("expected failure with no gateway dialer configured")
	}
}

func TestMarkDisposedPreventsReuseSignal(t *testing.T) {
	desc := config.UpstreamDescriptor{Kind: config.UpstreamStatic, StaticBody: []byte("x")}
	conn, _ := Dial(context.Background(), desc, DialOptions{})
	if conn.Disposed() {
		t.Fatalf("expected fresh connection to not be disposed")
	}
	conn.MarkDisposed()
	if !conn.Disposed() {
		t.Fatalf("expected MarkDisposed to stick")
	}
}

func TestDialUnknownKindFails(t *testing.T) {
	desc := config.UpstreamDescriptor{Kind: config.UpstreamKind(99)}
	if _, err := Dial(context.Background(), desc, DialOptions{}); err == nil {
		t.Fatalf("expected an error for an unrecognized upstream kind")
	}
}
