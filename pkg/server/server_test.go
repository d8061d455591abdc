package server

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/authz"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/config"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/googleauth"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/pool"
)

func staticSnapshot(port int, auth config.AuthKind) *config.Snapshot {
	ep := config.Endpoint{
		ListenPort:  port,
		HostPattern: "",
		Protocol:    config.ProtocolHTTP1,
		Auth:        auth,
		Locations: []config.Location{
			{
				ID:         1,
				PathPrefix: "/",
				Upstream: config.UpstreamDescriptor{
					Kind:              config.UpstreamStatic,
					StaticStatus:      200,
					StaticContentType: "text/plain",
					StaticBody:        []byte("hello from upstream"),
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

func startTestServer(t *testing.T, build func(port int) *config.Snapshot) (addr string, snap *config.Snapshot, shutdown func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	snap = build(port)
	h := New(snap, pool.NewManager(), authz.NewRegistry(nil, nil), nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go h.Serve(ctx, port, ln)
	return ln.Addr().String(), snap, func() { cancel(); ln.Close() }
}

type httpResponse struct {
	status int
	body   string
}

func doGET(t *testing.T, addr, path string, headers ...string) httpResponse {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	request := "GET " + path + " HTTP/1.1\r\nHost: test.local\r\n"
	for _, h := range headers {
		request += h + "\r\n"
	}
	request += "Connection: close\r\n\r\n"
	if _, err := conn.Write([]byte(request)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	status, _ := strconv.Atoi(parts[1])

	contentLength := -1
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read header: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), "content-length:") {
			contentLength, _ = strconv.Atoi(strings.TrimSpace(line[len("content-length:"):]))
		}
	}

	body := make([]byte, contentLength)
	if contentLength > 0 {
		if _, err := reader.Read(body); err != nil && err.Error() != "EOF" {
			t.Fatalf("read body: %v", err)
		}
	}
	return httpResponse{status: status, body: string(body)}
}

func TestStaticUpstreamRoundTrip(t *testing.T) {
	addr, _, shutdown := startTestServer(t, func(port int) *config.Snapshot { return staticSnapshot(port, config.AuthNone) })
	defer shutdown()

	resp := doGET(t, addr, "/")
	if resp.status != 200 {
		t.Fatalf("expected 200, got %d", resp.status)
	}
	if resp.body != "hello from upstream" {
		t.Fatalf("unexpected body %q", resp.body)
	}
}

func TestUnmatchedPathReturns404(t *testing.T) {
	addr, _, shutdown := startTestServer(t, func(port int) *config.Snapshot {
		snap := staticSnapshot(port, config.AuthNone)
		pc := snap.Ports[port]
		pc.Endpoints[0].Locations[0].PathPrefix = "/only-here"
		snap.Ports[port] = pc
		return snap
	})
	defer shutdown()

	resp := doGET(t, addr, "/elsewhere")
	if resp.status != 404 {
		t.Fatalf("expected 404, got %d", resp.status)
	}
}

func TestClientCertAuthWithoutCertReturns403(t *testing.T) {
	addr, _, shutdown := startTestServer(t, func(port int) *config.Snapshot {
		return staticSnapshot(port, config.AuthClientCertificate)
	})
	defer shutdown()

	resp := doGET(t, addr, "/")
	if resp.status != 403 {
		t.Fatalf("expected 403, got %d", resp.status)
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

func TestGoogleAuthDisallowedDomainCookieReturns401(t *testing.T) {
	signer := googleauth.NewTokenSigner([]byte("secret"), time.Hour)
	token, err := signer.Generate("user@other.test")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	snap := staticSnapshot(port, config.AuthGoogle)
	pc := snap.Ports[port]
	pc.Endpoints[0].GoogleAuthSettingsID = "main"
	snap.Ports[port] = pc

	registry := authz.NewRegistry(map[string]authz.GoogleProvider{
		"main": &fakeGoogleProvider{allowedDomain: "@allowed.test"},
	}, signer)
	h := New(snap, pool.NewManager(), registry, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); ln.Close() }()
	go h.Serve(ctx, port, ln)

	resp := doGET(t, ln.Addr().String(), "/", "Cookie: mrp-auth="+token)
	if resp.status != 401 {
		t.Fatalf("expected 401 for a valid cookie whose domain fell off the allow-list, got %d", resp.status)
	}
}

func deadUpstreamSnapshot(port int, showErrorDescription bool) *config.Snapshot {
	dead, _ := net.Listen("tcp", "127.0.0.1:0")
	deadAddr := dead.Addr().String()
	dead.Close()

	ep := config.Endpoint{
		ListenPort: port,
		Protocol:   config.ProtocolHTTP1,
		Locations: []config.Location{
			{
				ID:         1,
				PathPrefix: "/",
				Upstream:   config.UpstreamDescriptor{Kind: config.UpstreamDirectTCP, Address: deadAddr},
			},
		},
	}
	return &config.Snapshot{
		Generation:           1,
		ShowErrorDescription: showErrorDescription,
		Ports: map[int]config.PortConfig{
			port: {Port: port, Endpoints: []config.Endpoint{ep}, DefaultEndpointIdx: 0},
		},
	}
}

func TestShowErrorDescriptionControlsBadGatewayDetail(t *testing.T) {
	addr, _, shutdown := startTestServer(t, func(port int) *config.Snapshot { return deadUpstreamSnapshot(port, false) })
	defer shutdown()

	resp := doGET(t, addr, "/")
	if resp.status != 502 {
		t.Fatalf("expected 502, got %d", resp.status)
	}
	if strings.Contains(resp.body, "refused") || strings.Contains(resp.body, "127.0.0.1") {
		t.Fatalf("expected no connection detail with show_error_description off, got %q", resp.body)
	}

	addr2, _, shutdown2 := startTestServer(t, func(port int) *config.Snapshot { return deadUpstreamSnapshot(port, true) })
	defer shutdown2()

	resp2 := doGET(t, addr2, "/")
	if resp2.status != 502 {
		t.Fatalf("expected 502, got %d", resp2.status)
	}
	if !strings.Contains(resp2.body, "127.0.0.1") {
		t.Fatalf("expected connection detail with show_error_description on, got %q", resp2.body)
	}
}

func TestPoolKeyVariesByUpstreamKind(t *testing.T) {
	tcp := poolKey(config.UpstreamDescriptor{Kind: config.UpstreamDirectTCP, Address: "a:1"})
	tls := poolKey(config.UpstreamDescriptor{Kind: config.UpstreamDirectTLS, Address: "a:1", SNI: "a"})
	if tcp == tls {
		t.Fatalf("expected distinct pool keys for direct tcp vs tls upstreams")
	}
	if poolKey(config.UpstreamDescriptor{Kind: config.UpstreamStatic}) != "" {
		t.Fatalf("expected static upstreams to opt out of pooling")
	}
}
