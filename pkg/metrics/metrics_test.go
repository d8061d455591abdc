package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/gateway"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/pool"
)

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)
	return rec.Body.String()
}

func TestConnectionsPerPortGauge(t *testing.T) {
	r := New()
	r.IncConnections(8080)
	r.IncConnections(8080)
	r.DecConnections(8080)

	body := scrape(t, r)
	if !strings.Contains(body, `proxy_connections_per_port{port="8080"} 1`) {
		t.Fatalf("expected connections_per_port=1 for port 8080, got:\n%s", body)
	}
}

func TestCollectorSamplesPoolIdleCount(t *testing.T) {
	r := New()
	mgr := pool.NewManager()
	defer mgr.Close()

	c := NewCollector(r, mgr, gateway.NewRegistry())
	c.sample()

	body := scrape(t, r)
	if !strings.Contains(body, "proxy_pool_idle_connections 0") {
		t.Fatalf("expected pool_idle_connections=0 with no idle conns, got:\n%s", body)
	}
}

func TestCollectorSamplesGatewayPeerCount(t *testing.T) {
	r := New()
	reg := gateway.NewRegistry()

	c := NewCollector(r, nil, reg)
	c.sample()
	body := scrape(t, r)
	if !strings.Contains(body, "proxy_gateway_peers 0") {
		t.Fatalf("expected gateway_peers=0 with no registered peers, got:\n%s", body)
	}
}
