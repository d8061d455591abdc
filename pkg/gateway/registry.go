package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/constants"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/errors"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/remoteconn"
)

// Registry tracks the live Links for every configured gateway peer and is
// the thing wired into remoteconn.DialOptions.Gateway. Both Server (for
// inbound peer sockets) and Client (for outbound reconnecting peers)
// register links here as they come up.
type Registry struct {
	mu    sync.RWMutex
	links map[string]*Link
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{links: make(map[string]*Link)}
}

// Put registers or replaces the Link for a peer id. If a Link was already
// registered under that id it is closed first.
func (r *Registry) Put(peerID string, link *Link) {
	r.mu.Lock()
	old := r.links[peerID]
	r.links[peerID] = link
	r.mu.Unlock()
	if old != nil && old != link {
		old.Close()
	}
}

// Remove drops the registration for peerID if it still points at link.
func (r *Registry) Remove(peerID string, link *Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.links[peerID] == link {
		delete(r.links, peerID)
	}
}

// Get returns the currently registered Link for a peer, if any.
func (r *Registry) Get(peerID string) (*Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[peerID]
	return l, ok
}

// Peers returns a snapshot of the currently registered peer ids, for the
// gateway-peer gauge.
func (r *Registry) Peers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.links))
	for id := range r.links {
		out = append(out, id)
	}
	return out
}

// Link exposes the registered Link for a peer id so callers (the metrics
// collector) can read its RTT without reaching into Registry internals.
func (r *Registry) Link(peerID string) (*Link, bool) {
	return r.Get(peerID)
}

// Forward implements remoteconn.GatewayDialer: it opens a ForwardConn over
// the named peer's Link and hands back the resulting stream as an
// upstream Conn.
func (r *Registry) Forward(ctx context.Context, gatewayID, remoteEndpoint string) (remoteconn.Conn, error) {
	link, ok := r.Get(gatewayID)
	if !ok {
		return nil, errors.NewGatewayError(errors.KindGatewayLinkLost, "forward", fmt.Errorf("no active link for gateway %q", gatewayID))
	}

	timeout := constants.DefaultDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			timeout = d
		}
	}

	return link.ForwardConn(ctx, remoteEndpoint, timeout)
}
