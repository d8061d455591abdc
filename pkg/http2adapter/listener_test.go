package http2adapter

import (
	"crypto/tls"
	"testing"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/config"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/tlscerts"
)

func TestListenerForAdvertisesH2OverALPN(t *testing.T) {
	store := tlscerts.NewStore(true)
	cert, err := tlscerts.GenerateSelfSigned("localhost")
	if err != nil {
		t.Fatalf("generating cert: %v", err)
	}
	store.SetDefaultCert(0, cert)

	ln, err := ListenerFor(config.PortConfig{Port: 0}, store)
	if err != nil {
		t.Fatalf("ListenerFor: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	clientConn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"h2", "http/1.1"}})
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer clientConn.Close()

	if got := clientConn.ConnectionState().NegotiatedProtocol; got != "h2" {
		t.Fatalf("expected negotiated protocol h2, got %q", got)
	}
}

func TestListenerForWithoutStoreErrors(t *testing.T) {
	if _, err := ListenerFor(config.PortConfig{Port: 0}, nil); err == nil {
		t.Fatalf("expected error when no cert store is configured")
	}
}
