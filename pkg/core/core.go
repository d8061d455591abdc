// Package core bundles the long-lived collaborators every listener front
// and the admin surface need a reference to, built once by cmd/proxyd and
// passed around by pointer — no package-level state, no init() wiring.
package core

import (
	"sync/atomic"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/config"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/gateway"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/metrics"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/pool"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/tlscerts"
)

// Swapper is the narrow surface both pkg/server.Handler and
// pkg/http2adapter.Handler implement: installing a freshly built Snapshot.
type Swapper interface {
	SwapSnapshot(snap *config.Snapshot)
}

// Core owns no goroutines of its own. cmd/proxyd constructs the Pool,
// Gateway registry, TLS store and Metrics registry (each has its own
// config-driven constructor arguments) and hands them to New once; every
// listener front and pkg/admin then read through this one value instead of
// each other.
type Core struct {
	snapshot atomic.Pointer[config.Snapshot]

	Pool     *pool.Manager
	Gateway  *gateway.Registry
	TLSStore *tlscerts.Store
	Metrics  *metrics.Registry

	swappers []Swapper
}

// New builds a Core around an initial Snapshot.
func New(snap *config.Snapshot, poolMgr *pool.Manager, gatewayReg *gateway.Registry, tlsStore *tlscerts.Store, metricsReg *metrics.Registry) *Core {
	c := &Core{Pool: poolMgr, Gateway: gatewayReg, TLSStore: tlsStore, Metrics: metricsReg}
	c.snapshot.Store(snap)
	return c
}

// Snapshot returns the currently active configuration Snapshot.
func (c *Core) Snapshot() *config.Snapshot { return c.snapshot.Load() }

// Register adds a listener front to the set that receives every future
// Reload. Call it once per pkg/server.Handler/pkg/http2adapter.Handler as
// cmd/proxyd builds them, before serving starts.
func (c *Core) Register(s Swapper) { c.swappers = append(c.swappers, s) }

// Reload installs snap as the active Snapshot and pushes it to every
// registered listener front. This is the callback pkg/config.Loader.Watch's
// fsnotify path and pkg/admin's POST /api/configuration/ReloadUnixConfig
// (through Deps.OnReload) both drive.
func (c *Core) Reload(snap *config.Snapshot) {
	c.snapshot.Store(snap)
	for _, s := range c.swappers {
		s.SwapSnapshot(snap)
	}
}
