// Package metrics is the Prometheus registry for the proxy core: a
// connections-per-port gauge, a gateway-peer-count gauge, a pool-idle-count
// gauge, and a per-peer gateway ping RTT gauge (§4.14/§6, all supplemented
// features — nothing here is spec-mandated, but every long-running proxy
// in the pack that carries an admin surface carries metrics alongside it).
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/constants"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/gateway"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/pool"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/scheduler"
)

// Registry owns a private *prometheus.Registry (never the global default
// registerer, so tests and multiple Cores in one process never collide)
// plus the gauges this core exposes.
type Registry struct {
	reg *prometheus.Registry

	connectionsPerPort *prometheus.GaugeVec
	gatewayPeers       prometheus.Gauge
	poolIdle           prometheus.Gauge
	gatewayPingRTT     *prometheus.GaugeVec
}

// New builds a Registry with its gauges registered and the standard Go
// runtime collectors alongside them.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		connectionsPerPort: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "proxy",
			Name:      "connections_per_port",
			Help:      "Currently open client connections, labeled by listen port.",
		}, []string{"port"}),
		gatewayPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "proxy",
			Name:      "gateway_peers",
			Help:      "Number of gateway peers with a live Link.",
		}),
		poolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "proxy",
			Name:      "pool_idle_connections",
			Help:      "Total idle connections held across every HTTP Client Pool key.",
		}),
		gatewayPingRTT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "proxy",
			Name:      "gateway_ping_rtt_seconds",
			Help:      "Most recently observed gateway keepalive round-trip time, labeled by peer id.",
		}, []string{"peer"}),
	}

	reg.MustRegister(
		r.connectionsPerPort,
		r.gatewayPeers,
		r.poolIdle,
		r.gatewayPingRTT,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return r
}

// Handler exposes the registry's scrape endpoint for pkg/admin to mount.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// IncConnections records one more open connection on port.
func (r *Registry) IncConnections(port int) {
	r.connectionsPerPort.WithLabelValues(portLabel(port)).Inc()
}

// DecConnections records one fewer open connection on port.
func (r *Registry) DecConnections(port int) {
	r.connectionsPerPort.WithLabelValues(portLabel(port)).Dec()
}

func portLabel(port int) string {
	return strconv.Itoa(port)
}

// Collector periodically samples the HTTP Client Pool and Gateway Registry
// into the gauges that have no natural "event" to hook — idle count and
// peer RTT only make sense as a point-in-time snapshot.
type Collector struct {
	metrics *Registry
	pool    *pool.Manager
	gateway *gateway.Registry
	ticker  *scheduler.Ticker
}

// NewCollector wires a Collector; call Start to begin sampling.
func NewCollector(metrics *Registry, poolMgr *pool.Manager, gatewayReg *gateway.Registry) *Collector {
	return &Collector{metrics: metrics, pool: poolMgr, gateway: gatewayReg}
}

// Start begins sampling on the Scheduling Tick interval (§4.14).
func (c *Collector) Start() {
	c.ticker = scheduler.Start(constants.MetricsSnapshotInterval, c.sample)
}

// Stop halts sampling.
func (c *Collector) Stop() {
	if c.ticker != nil {
		c.ticker.Stop()
	}
}

func (c *Collector) sample() {
	if c.pool != nil {
		c.metrics.poolIdle.Set(float64(c.pool.TotalIdleCount()))
	}
	if c.gateway != nil {
		peers := c.gateway.Peers()
		c.metrics.gatewayPeers.Set(float64(len(peers)))
		for _, peerID := range peers {
			if link, ok := c.gateway.Link(peerID); ok {
				c.metrics.gatewayPingRTT.WithLabelValues(peerID).Set(link.RTT().Seconds())
			}
		}
	}
}
