package http2adapter

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/authz"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/config"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/googleauth"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/pool"
)

func staticSnapshot(port int) *config.Snapshot {
	ep := config.Endpoint{
		ListenPort: port,
		Protocol:   config.ProtocolHTTP2,
		Locations: []config.Location{
			{
				ID:         1,
				PathPrefix: "/",
				Upstream: config.UpstreamDescriptor{
					Kind:              config.UpstreamStatic,
					StaticStatus:      200,
					StaticContentType: "text/plain",
					StaticBody:        []byte("hello over h2"),
				},
			},
		},
	}
	return &config.Snapshot{
		Generation: 1,
		Ports: map[int]config.PortConfig{
			port: {Port: port, Endpoints: []config.Endpoint{ep}, DefaultEndpointIdx: 0},
		},
	}
}

// h2cClient builds an http2.Transport that dials cleartext h2 (no ALPN,
// no TLS) the same way a client explicitly opting into prior-knowledge h2c
// would, matching the plain-listener case Serve supports.
func h2cClient() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
				return net.Dial(network, addr)
			},
		},
	}
}

func TestServeH2CStaticUpstreamRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	snap := staticSnapshot(port)
	h := New(snap, pool.NewManager(), authz.NewRegistry(nil, nil), nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, port, ln)
	defer ln.Close()

	client := h2cClient()
	resp, err := client.Get("http://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "hello over h2" {
		t.Fatalf("unexpected body %q", body)
	}
}

type fakeGoogleProvider struct {
	allowedDomain string
}

func (f *fakeGoogleProvider) LoginURL(state string) string { return "https://accounts.google.test/auth" }

func (f *fakeGoogleProvider) ExchangeCode(ctx context.Context, code string) (googleauth.Identity, error) {
	return googleauth.Identity{}, nil
}

func (f *fakeGoogleProvider) DomainAllowed(email string) bool {
	return len(email) > len(f.allowedDomain) && email[len(email)-len(f.allowedDomain):] == f.allowedDomain
}

func TestServeH2CGoogleAuthDisallowedDomainCookieReturns401(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	snap := staticSnapshot(port)
	pc := snap.Ports[port]
	pc.Endpoints[0].Auth = config.AuthGoogle
	pc.Endpoints[0].GoogleAuthSettingsID = "main"
	snap.Ports[port] = pc

	signer := googleauth.NewTokenSigner([]byte("secret"), time.Hour)
	token, err := signer.Generate("user@other.test")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	registry := authz.NewRegistry(map[string]authz.GoogleProvider{
		"main": &fakeGoogleProvider{allowedDomain: "@allowed.test"},
	}, signer)
	h := New(snap, pool.NewManager(), registry, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, port, ln)
	defer ln.Close()

	req, err := http.NewRequest(http.MethodGet, "http://"+ln.Addr().String()+"/", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.AddCookie(&http.Cookie{Name: "mrp-auth", Value: token})

	resp, err := h2cClient().Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 401 {
		t.Fatalf("expected 401 for a valid cookie whose domain fell off the allow-list, got %d", resp.StatusCode)
	}
}

func TestServeH2CUnmatchedPathReturns404(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	snap := staticSnapshot(port)
	pc := snap.Ports[port]
	pc.Endpoints[0].Locations[0].PathPrefix = "/only-here"
	snap.Ports[port] = pc
	h := New(snap, pool.NewManager(), authz.NewRegistry(nil, nil), nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, port, ln)
	defer ln.Close()

	client := h2cClient()
	resp, err := client.Get("http://" + ln.Addr().String() + "/elsewhere")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
