package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/config"
)

func TestServerAndClientEstablishLinkAndForward(t *testing.T) {
	echoAddr := startEchoListener(t)

	serverRegistry := NewRegistry()
	clientRegistry := NewRegistry()

	srv := NewServer(config.GatewayServerConfig{ListenAddr: "127.0.0.1:0", SharedSecret: testSharedSecret}, "server-node", serverRegistry, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	var addr string
	select {
	case bound := <-srv.BoundAddr():
		addr = bound.String()
	case <-time.After(2 * time.Second):
		t.Fatalf("server never bound its listener")
	}

	cli := NewClient(config.GatewayClientConfig{
		PeerID:       "server-node",
		DialAddr:     addr,
		SharedSecret: testSharedSecret,
	}, "client-node", clientRegistry, nil, nil)
	go cli.Run(ctx)

	var link *Link
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l, ok := clientRegistry.Get("server-node"); ok {
			link = l
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if link == nil {
		t.Fatalf("client never registered a link for the server peer")
	}

	fwCtx, fwCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer fwCancel()
	fc, err := clientRegistry.Forward(fwCtx, "server-node", echoAddr)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	defer fc.Close()

	if _, err := fc.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := readFull(fc, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q", buf)
	}
}
