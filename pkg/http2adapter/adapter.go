// Package http2adapter fronts Endpoints configured for the http2/https2
// Protocol with golang.org/x/net/http2's own server, rather than a
// hand-rolled frame/stream state machine: HTTP/2 framing, flow control,
// and HPACK are the library's problem, so this package only has to bridge
// the http.Request/ResponseWriter pair http2.Server hands it into the same
// resolve -> authorize -> rewrite -> dial pipeline the HTTP/1 Server Loop
// (pkg/server) runs, then relay a single upstream round trip back.
//
// Each request still proxies to its upstream over HTTP/1 framing
// (pkg/httpwire, pkg/rewrite) — h2 multiplexing is purely the client-facing
// side.
package http2adapter

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/sirupsen/logrus"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/authz"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/config"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/constants"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/errors"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/httpwire"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/pool"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/remoteconn"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/rewrite"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/ringbuffer"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/server"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/server/pages"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/tlscerts"
)

// ConnMetrics mirrors pkg/server.ConnMetrics so both listener fronts feed
// the same connections-per-port gauge without either importing the other.
type ConnMetrics interface {
	IncConnections(port int)
	DecConnections(port int)
}

// Handler serves one or more ports configured for http2/https2, resolving
// each request against the same Snapshot the HTTP/1 Server Loop uses.
type Handler struct {
	snapshot atomic.Pointer[config.Snapshot]
	pool     *pool.Manager
	authz    *authz.Registry
	gateway  remoteconn.GatewayDialer
	sshCreds map[string]config.SSHCredential
	passKeys *remoteconn.PassKeyStore
	tlsStore *tlscerts.Store
	metrics  ConnMetrics
	log      *logrus.Entry
}

func New(snap *config.Snapshot, poolMgr *pool.Manager, authzReg *authz.Registry, gateway remoteconn.GatewayDialer, sshCreds map[string]config.SSHCredential, tlsStore *tlscerts.Store) *Handler {
	h := &Handler{
		pool:     poolMgr,
		authz:    authzReg,
		gateway:  gateway,
		sshCreds: sshCreds,
		tlsStore: tlsStore,
		log:      logrus.WithField("component", "http2adapter"),
	}
	h.snapshot.Store(snap)
	return h
}

func (h *Handler) SwapSnapshot(snap *config.Snapshot) { h.snapshot.Store(snap) }

// SetMetrics wires a connections-per-port collector; nil (the default) is
// a no-op.
func (h *Handler) SetMetrics(m ConnMetrics) { h.metrics = m }

// SetPassKeys wires the passphrase store for encrypted SSH private keys;
// nil (the default) means an encrypted key with no matching passphrase
// simply fails to dial.
func (h *Handler) SetPassKeys(p *remoteconn.PassKeyStore) { h.passKeys = p }

// Serve accepts connections on ln and runs each through an http2.Server,
// TLS or cleartext (h2c) alike — ALPN has already picked "h2" for the TLS
// case by the time tls.NewListener hands us the conn; a plain listener on
// an http2-protocol port is only ever reached by a client that already
// knows to speak h2c, same as the rest of this core's protocol-by-port
// model.
func (h *Handler) Serve(ctx context.Context, listenPort int, ln net.Listener) error {
	h2s := &http2.Server{}
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go h.serveConn(ctx, h2s, listenPort, conn)
	}
}

func (h *Handler) serveConn(ctx context.Context, h2s *http2.Server, listenPort int, conn net.Conn) {
	defer conn.Close()
	if h.metrics != nil {
		h.metrics.IncConnections(listenPort)
		defer h.metrics.DecConnections(listenPort)
	}

	scheme := "http"
	clientCN := ""
	if tlsConn, ok := conn.(*tls.Conn); ok {
		scheme = "https"
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			h.log.WithError(err).Debug("http2adapter: tls handshake failed")
			return
		}
		if h.tlsStore != nil {
			state := tlsConn.ConnectionState()
			if cn, ok := h.tlsStore.PeerCN(&state); ok {
				clientCN = cn
			}
		}
	}

	fh := &frontHandler{h: h, listenPort: listenPort, scheme: scheme, clientCN: clientCN, localAddr: localAddrHost(conn)}
	h2s.ServeConn(conn, &http2.ServeConnOpts{Context: ctx, Handler: fh})
}

// frontHandler adapts one connection's worth of h2 streams into an
// http.Handler, translating each into the same config.Snapshot pipeline
// pkg/server runs per pipelined HTTP/1 request.
type frontHandler struct {
	h          *Handler
	listenPort int
	scheme     string
	clientCN   string
	localAddr  string
}

func (f *frontHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := f.h.log.WithField("path", r.URL.Path)
	snap := f.h.snapshot.Load()

	ep, loc, rerr := snap.Resolve(f.listenPort, r.Host, r.URL.Path)
	if rerr != nil {
		writeCanned(w, 404, pages.NotFound(rerr.Error(), snap.ShowErrorDescription))
		return
	}

	authReq := authz.Request{Path: r.URL.Path, Query: queryMap(r.URL), Cookie: cookieValue(r, "mrp-auth"), ClientCertCN: f.clientCN}
	res, aerr := authz.Authorize(r.Context(), f.h.authz, ep, authReq)
	if aerr != nil {
		if errors.Is(aerr, errors.KindAuthDisallowedDomain) {
			writeCanned(w, 401, pages.DisallowedDomain(aerr.Error(), snap.ShowErrorDescription))
		} else {
			writeCanned(w, 403, pages.Unauthorized(aerr.Error(), snap.ShowErrorDescription))
		}
		return
	}
	if res.ShowPage != nil {
		writeShowPage(w, res.ShowPage)
		return
	}

	key := server.PoolKey(loc.Upstream)
	dialOpts := remoteconn.DialOptions{
		RequestPath:    r.URL.Path,
		SSHCredentials: f.h.sshCreds,
		PassKeys:       f.h.passKeys,
		Gateway:        f.h.gateway,
		DialTimeout:    positiveOr(loc.ConnectTimeout, constants.DefaultDialTimeout),
	}
	upstream, release, derr := f.dialUpstream(r.Context(), key, dialOpts, loc)
	if derr != nil {
		log.WithError(derr).Debug("http2adapter: upstream dial failed")
		writeCanned(w, 502, pages.BadGateway(derr.Error(), snap.ShowErrorDescription))
		return
	}
	disposed := true
	defer func() { release(disposed) }()

	vars := rewrite.Vars{
		Host:           hostOnly(r.Host),
		HostPort:       r.Host,
		PathAndQuery:   pathAndQuery(r.URL),
		EndpointIP:     f.localAddr,
		EndpointSchema: f.scheme,
		ClientCertCN:   f.clientCN,
	}

	reqHeaders := rewrite.Apply(httpHeadersToWire(r), ep.Rewrite.Request, vars)
	reqLine := httpwire.RequestLine{Method: r.Method, Path: pathAndQuery(r.URL), Version: "HTTP/1.1"}
	reqBytes := rewrite.BuildRequest(reqLine, reqHeaders)
	logHeaders(log, ep.Debug, "request", reqHeaders)

	writeTimeout := positiveOr(loc.WriteTimeout, constants.DefaultWriteTimeout)
	upstream.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := upstream.Write(reqBytes); err != nil {
		writeCanned(w, 502, pages.BadGateway(err.Error(), snap.ShowErrorDescription))
		return
	}
	if r.Body != nil {
		if _, err := io.Copy(upstream, r.Body); err != nil {
			writeCanned(w, 502, pages.BadGateway(err.Error(), snap.ShowErrorDescription))
			return
		}
	}

	readTimeout := positiveOr(loc.ReadTimeout, constants.DefaultReadTimeout)
	ring := ringbuffer.New(constants.DefaultRingCapacity)
	respMsg, rerr2 := httpwire.ReadResponse(ring, upstream, readTimeout, constants.MaxHeaderBlockSize)
	if rerr2 != nil {
		writeCanned(w, 502, pages.BadGateway(rerr2.Error(), snap.ShowErrorDescription))
		return
	}

	respHeaders := rewrite.Apply(respMsg.Headers, ep.Rewrite.Response, vars)
	logHeaders(log, ep.Debug, "response", respHeaders)
	for _, hdr := range respHeaders {
		if strings.EqualFold(hdr.Name, "Content-Length") || strings.EqualFold(hdr.Name, "Transfer-Encoding") || strings.EqualFold(hdr.Name, "Connection") {
			continue
		}
		w.Header().Add(hdr.Name, hdr.Value)
	}
	w.WriteHeader(respMsg.Response.Code)

	var ferr error
	switch respMsg.Framing {
	case httpwire.FramingLength:
		_, ferr = httpwire.ForwardKnown(ring, upstream, w, respMsg.Length, readTimeout)
	case httpwire.FramingChunked:
		_, ferr = httpwire.ForwardChunked(ring, upstream, w, readTimeout, constants.MaxHeaderBlockSize)
	}
	disposed = ferr != nil
}

// dialUpstream routes through the HTTP Client Pool exactly like pkg/server
// does, keyed by server.PoolKey — a live upstream connection is a shared
// resource regardless of which listener front dialed it.
func (f *frontHandler) dialUpstream(ctx context.Context, key string, opts remoteconn.DialOptions, loc *config.Location) (*remoteconn.RemoteConn, func(disposed bool), error) {
	if key == "" || f.h.pool == nil {
		conn, err := remoteconn.Dial(ctx, loc.Upstream, opts)
		if err != nil {
			return nil, nil, err
		}
		return conn, func(bool) { conn.Close() }, nil
	}

	pc, err := f.h.pool.Acquire(key, func() (pool.Conn, error) { return remoteconn.Dial(ctx, loc.Upstream, opts) })
	if err != nil {
		return nil, nil, err
	}
	conn := pc.(*remoteconn.RemoteConn)
	return conn, func(disposed bool) { f.h.pool.Release(key, conn, disposed || conn.Disposed()) }, nil
}

func writeCanned(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(body)
}

func writeShowPage(w http.ResponseWriter, sp *errors.ShowPage) {
	for name, value := range sp.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	status := sp.Status
	if status == 0 {
		status = 200
	}
	w.WriteHeader(status)
	w.Write(sp.HTML)
}

// logHeaders mirrors pkg/server's header-visibility rule: trace by default,
// bumped to debug for an Endpoint that opted into Debug.
func logHeaders(log *logrus.Entry, debug bool, direction string, headers httpwire.Headers) {
	entry := log.WithField("headers", headers)
	if debug {
		entry.Debugf("http2adapter: %s headers", direction)
		return
	}
	entry.Tracef("http2adapter: %s headers", direction)
}

func httpHeadersToWire(r *http.Request) httpwire.Headers {
	headers := make(httpwire.Headers, 0, len(r.Header)+1)
	headers = append(headers, httpwire.Header{Name: "Host", Value: r.Host})
	for name, values := range r.Header {
		for _, v := range values {
			headers = append(headers, httpwire.Header{Name: name, Value: v})
		}
	}
	return headers
}

func queryMap(u *url.URL) map[string]string {
	out := map[string]string{}
	for k, v := range u.Query() {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func pathAndQuery(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}
	return u.Path + "?" + u.RawQuery
}

func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func positiveOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func localAddrHost(conn net.Conn) string {
	addr := conn.LocalAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
