package config

import "testing"

func testSnapshot() *Snapshot {
	return &Snapshot{
		Ports: map[int]PortConfig{
			8000: {
				Port:               8000,
				DefaultEndpointIdx: -1,
				Endpoints: []Endpoint{
					{
						ListenPort:  8000,
						HostPattern: "example.com",
						Locations: []Location{
							{ID: 0, PathPrefix: "/", Upstream: UpstreamDescriptor{Kind: UpstreamDirectTCP, Address: "127.0.0.1:9000"}},
						},
					},
					{
						ListenPort:  8000,
						HostPattern: "*.wild.example.com",
						Locations: []Location{
							{ID: 0, PathPrefix: "/api", Upstream: UpstreamDescriptor{Kind: UpstreamDirectTCP, Address: "127.0.0.1:9100"}},
						},
					},
				},
			},
		},
	}
}

func TestResolveExactHost(t *testing.T) {
	s := testSnapshot()
	ep, loc, err := s.Resolve(8000, "example.com", "/hello")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.HostPattern != "example.com" || loc.Upstream.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected resolution: %+v %+v", ep, loc)
	}
}

func TestResolveWildcardHost(t *testing.T) {
	s := testSnapshot()
	ep, loc, err := s.Resolve(8000, "foo.wild.example.com", "/api/x")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.HostPattern != "*.wild.example.com" || loc.Upstream.Address != "127.0.0.1:9100" {
		t.Fatalf("unexpected wildcard resolution: %+v %+v", ep, loc)
	}
}

func TestResolveMissingHostFailsWithoutDefault(t *testing.T) {
	s := testSnapshot()
	if _, _, err := s.Resolve(8000, "nowhere.test", "/"); err == nil {
		t.Fatalf("expected config/endpoint_not_found for unmatched host with no default")
	}
}

func TestResolveUnknownPort(t *testing.T) {
	s := testSnapshot()
	if _, _, err := s.Resolve(9999, "example.com", "/"); err == nil {
		t.Fatalf("expected config/endpoint_not_found for unknown port")
	}
}

func TestResolveRootPrefixMatchesAnyPath(t *testing.T) {
	s := testSnapshot()
	if _, _, err := s.Resolve(8000, "example.com", "/nope-has-no-prefix-match"); err != nil {
		t.Fatalf("expected '/' prefix to match any path, got %v", err)
	}
}

func TestParseUpstreamVariants(t *testing.T) {
	cases := map[string]UpstreamKind{
		"tcp://127.0.0.1:9000":              UpstreamDirectTCP,
		"tls://backend.internal:443":        UpstreamDirectTLS,
		"unix:///var/run/app.sock":          UpstreamUnixSocket,
		"ssh://deploy@10.0.0.5:22":          UpstreamSSH,
		"gateway://peer-b/127.0.0.1:9000":   UpstreamGateway,
		"file:///var/www?default=index.html": UpstreamLocalFiles,
		"static:200:text/plain:ok":          UpstreamStatic,
	}
	for raw, wantKind := range cases {
		got, err := parseUpstream(raw)
		if err != nil {
			t.Fatalf("parseUpstream(%q): %v", raw, err)
		}
		if got.Kind != wantKind {
			t.Fatalf("parseUpstream(%q).Kind = %v, want %v", raw, got.Kind, wantKind)
		}
	}
}
