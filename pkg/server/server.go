// Package server implements the Server Loop: the per-accepted-connection
// state machine that reads pipelined HTTP/1 requests, resolves them
// against the configuration Snapshot, authorizes, dials or reuses a
// pooled upstream connection, rewrites headers in both directions, and
// serializes responses back in request order — detaching a splice pair
// of copies instead once a request upgrades the connection.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

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
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/serializer"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/server/pages"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/tlscerts"
)

// ConnMetrics is the narrow surface pkg/metrics' Registry satisfies, kept
// as an interface here so the Server Loop never imports the Prometheus
// client library directly.
type ConnMetrics interface {
	IncConnections(port int)
	DecConnections(port int)
}

// Handler is the shared, per-port-independent state the Server Loop reads
// on every accepted connection: the current configuration Snapshot
// (atomically swappable on reload), the HTTP Client Pool, the
// Authorizer, and whatever collaborators a Location's upstream kind
// needs to dial (SSH credentials, the Gateway Registry).
type Handler struct {
	snapshot atomic.Pointer[config.Snapshot]

	pool     *pool.Manager
	authz    *authz.Registry
	gateway  remoteconn.GatewayDialer
	sshCreds map[string]config.SSHCredential
	passKeys *remoteconn.PassKeyStore
	tlsStore *tlscerts.Store
	metrics  ConnMetrics

	log *logrus.Entry
}

// New builds a Handler over snap. gateway and tlsStore may be nil for a
// deployment that never dials Gateway upstreams / never terminates TLS.
func New(snap *config.Snapshot, poolMgr *pool.Manager, authzReg *authz.Registry, gateway remoteconn.GatewayDialer, sshCreds map[string]config.SSHCredential, tlsStore *tlscerts.Store) *Handler {
	h := &Handler{
		pool:     poolMgr,
		authz:    authzReg,
		gateway:  gateway,
		sshCreds: sshCreds,
		tlsStore: tlsStore,
		log:      logrus.WithField("component", "server"),
	}
	h.snapshot.Store(snap)
	return h
}

// SwapSnapshot installs snap as the Snapshot every subsequently-resolved
// request sees; in-flight requests keep resolving against whatever
// Snapshot they already loaded.
func (h *Handler) SwapSnapshot(snap *config.Snapshot) { h.snapshot.Store(snap) }

// Snapshot returns the currently active configuration Snapshot.
func (h *Handler) Snapshot() *config.Snapshot { return h.snapshot.Load() }

// SetMetrics wires a connections-per-port collector; nil (the default) is
// a no-op.
func (h *Handler) SetMetrics(m ConnMetrics) { h.metrics = m }

// SetPassKeys wires the passphrase store for encrypted SSH private keys;
// nil (the default) means an encrypted key with no matching passphrase
// simply fails to dial.
func (h *Handler) SetPassKeys(p *remoteconn.PassKeyStore) { h.passKeys = p }

// Serve accepts connections from ln, each handled against listenPort's
// configuration, until ctx is cancelled or an unrecoverable accept error
// occurs.
func (h *Handler) Serve(ctx context.Context, listenPort int, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("server: accept on port %d: %w", listenPort, err)
			}
		}
		go h.handleConn(ctx, listenPort, conn)
	}
}

// connState is the per-connection data the Server Loop carries across
// pipelined requests: the Tcp Buffer, the Server Write Serializer, and
// the client identity established once at connection setup.
type connState struct {
	h          *Handler
	listenPort int
	conn       net.Conn
	ring       *ringbuffer.Ring
	ser        *serializer.Serializer
	nextReqID  uint64
	clientCN   string
	scheme     string
	log        *logrus.Entry
}

func (h *Handler) handleConn(ctx context.Context, listenPort int, conn net.Conn) {
	defer conn.Close()
	if h.metrics != nil {
		h.metrics.IncConnections(listenPort)
		defer h.metrics.DecConnections(listenPort)
	}

	cs := &connState{
		h:          h,
		listenPort: listenPort,
		conn:       conn,
		ring:       ringbuffer.New(constants.DefaultRingCapacity),
		scheme:     "http",
		log:        h.log.WithField("remote", conn.RemoteAddr()),
	}
	cs.ser = serializer.New(conn, constants.DefaultWriteTimeout)

	if tlsConn, ok := conn.(*tls.Conn); ok {
		cs.scheme = "https"
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			cs.log.WithError(err).Debug("server loop: tls handshake failed")
			return
		}
		if h.tlsStore != nil {
			state := tlsConn.ConnectionState()
			if cn, ok := h.tlsStore.PeerCN(&state); ok {
				cs.clientCN = cn
			}
		}
	}

	for {
		stop, err := cs.serveOne(ctx)
		if stop || err != nil {
			return
		}
	}
}

// serveOne reads and dispatches exactly one pipelined request. It
// returns stop=true once the connection must not be read from again
// (the request upgraded and a splice pair now owns the socket).
func (cs *connState) serveOne(ctx context.Context) (stop bool, err error) {
	snap := cs.h.snapshot.Load()

	msg, perr := httpwire.ReadRequest(cs.ring, cs.conn, constants.DefaultReadTimeout, constants.MaxHeaderBlockSize)
	if perr != nil {
		cs.writeCannedAndClose(pages.BadRequest(perr.Error(), snap.ShowErrorDescription))
		return true, perr
	}

	reqID := atomic.AddUint64(&cs.nextReqID, 1)
	cs.ser.Append(reqID)

	host, _ := msg.Headers.Get("Host")
	rawPath := msg.Request.Path
	path, query := splitPathQuery(rawPath)

	ep, loc, rerr := snap.Resolve(cs.listenPort, host, path)
	if rerr != nil {
		cs.respondCanned(reqID, 404, pages.NotFound(rerr.Error(), snap.ShowErrorDescription))
		cs.drainRequestBody(msg)
		return false, nil
	}

	authReq := authz.Request{
		Path:         path,
		Query:        query,
		Cookie:       cookieValue(msg.Headers, "mrp-auth"),
		ClientCertCN: cs.clientCN,
	}
	res, aerr := authz.Authorize(ctx, cs.h.authz, ep, authReq)
	if aerr != nil {
		if errors.Is(aerr, errors.KindAuthDisallowedDomain) {
			cs.respondCanned(reqID, 401, pages.DisallowedDomain(aerr.Error(), snap.ShowErrorDescription))
		} else {
			cs.respondCanned(reqID, 403, pages.Unauthorized(aerr.Error(), snap.ShowErrorDescription))
		}
		cs.drainRequestBody(msg)
		return false, nil
	}
	if res.ShowPage != nil {
		cs.respondShowPage(reqID, res.ShowPage)
		cs.drainRequestBody(msg)
		return false, nil
	}

	key := poolKey(loc.Upstream)
	dialOpts := remoteconn.DialOptions{
		RequestPath:    rawPath,
		SSHCredentials: cs.h.sshCreds,
		PassKeys:       cs.h.passKeys,
		Gateway:        cs.h.gateway,
		DialTimeout:    positiveOr(loc.ConnectTimeout, constants.DefaultDialTimeout),
	}

	upstream, derr := cs.dialUpstream(ctx, key, loc, dialOpts)
	if derr != nil {
		cs.log.WithError(derr).WithField("path", path).Debug("server loop: upstream dial failed")
		cs.respondCanned(reqID, 502, pages.BadGateway(derr.Error(), snap.ShowErrorDescription))
		cs.drainRequestBody(msg)
		return false, nil
	}

	hostOnly, _ := splitHostPort(host)
	vars := rewrite.Vars{
		Host:           hostOnly,
		HostPort:       host,
		PathAndQuery:   rawPath,
		EndpointIP:     localAddrHost(cs.conn),
		EndpointSchema: cs.scheme,
		ClientCertCN:   cs.clientCN,
	}

	reqHeaders := rewrite.Apply(msg.Headers, ep.Rewrite.Request, vars)
	reqBytes := rewrite.BuildRequest(*msg.Request, reqHeaders)
	logHeaders(cs.log, ep.Debug, "request", reqHeaders)

	writeTimeout := positiveOr(loc.WriteTimeout, constants.DefaultWriteTimeout)
	if werr := writeUpstream(upstream, writeTimeout, reqBytes); werr != nil {
		cs.log.WithError(werr).Debug("server loop: upstream write failed, redialing once")
		upstream.Close()
		fresh, derr := remoteconn.Dial(ctx, loc.Upstream, dialOpts)
		if derr != nil {
			cs.respondCanned(reqID, 502, pages.BadGateway(derr.Error(), snap.ShowErrorDescription))
			cs.drainRequestBody(msg)
			return false, nil
		}
		upstream = fresh
		if werr := writeUpstream(upstream, writeTimeout, reqBytes); werr != nil {
			upstream.Close()
			cs.respondCanned(reqID, 502, pages.BadGateway(werr.Error(), snap.ShowErrorDescription))
			cs.drainRequestBody(msg)
			return false, nil
		}
	}

	switch msg.Framing {
	case httpwire.FramingLength:
		if _, ferr := httpwire.ForwardKnown(cs.ring, cs.conn, upstream, msg.Length, writeTimeout); ferr != nil {
			cs.releaseUpstream(key, upstream, true)
			cs.respondCanned(reqID, 502, pages.BadGateway(ferr.Error(), snap.ShowErrorDescription))
			return false, nil
		}
	case httpwire.FramingChunked:
		if _, ferr := httpwire.ForwardChunked(cs.ring, cs.conn, upstream, writeTimeout, constants.MaxHeaderBlockSize); ferr != nil {
			cs.releaseUpstream(key, upstream, true)
			cs.respondCanned(reqID, 502, pages.BadGateway(ferr.Error(), snap.ShowErrorDescription))
			return false, nil
		}
	}

	if msg.IsUpgrade {
		upgraded := cs.handleResponse(reqID, upstream, key, ep, vars, true, snap.ShowErrorDescription)
		return upgraded, nil
	}

	go cs.handleResponse(reqID, upstream, key, ep, vars, false, snap.ShowErrorDescription)
	return false, nil
}

func (cs *connState) dialUpstream(ctx context.Context, key string, loc *config.Location, opts remoteconn.DialOptions) (*remoteconn.RemoteConn, error) {
	if key == "" {
		return remoteconn.Dial(ctx, loc.Upstream, opts)
	}
	conn, err := cs.h.pool.Acquire(key, func() (pool.Conn, error) {
		return remoteconn.Dial(ctx, loc.Upstream, opts)
	})
	if err != nil {
		return nil, err
	}
	return conn.(*remoteconn.RemoteConn), nil
}

func (cs *connState) releaseUpstream(key string, upstream *remoteconn.RemoteConn, disposed bool) {
	if key == "" {
		upstream.Close()
		return
	}
	cs.h.pool.Release(key, upstream, disposed)
}

// handleResponse reads the upstream's status line and headers, rewrites
// and serializes them back to the client, then either streams the body
// through in request order or — for a confirmed WebSocket upgrade — hands
// both sockets to a splice pair. Returns true once the connection has
// been handed to a splice and must not be read from again.
func (cs *connState) handleResponse(reqID uint64, upstream *remoteconn.RemoteConn, key string, ep *config.Endpoint, vars rewrite.Vars, upgradeRequested bool, showErrorDescription bool) bool {
	upstreamRing := ringbuffer.New(constants.DefaultRingCapacity)
	msg, err := httpwire.ReadResponse(upstreamRing, upstream, constants.DefaultReadTimeout, constants.MaxHeaderBlockSize)
	if err != nil {
		cs.releaseUpstream(key, upstream, true)
		cs.ser.Write(reqID, cannedResponseBytes(502, pages.BadGateway(err.Error(), showErrorDescription)))
		cs.ser.Done(reqID)
		return false
	}

	respHeaders := rewrite.Apply(msg.Headers, ep.Rewrite.Response, vars)
	logHeaders(cs.log, ep.Debug, "response", respHeaders)
	respBytes := rewrite.BuildResponse(*msg.Response, respHeaders)
	if err := cs.ser.Write(reqID, respBytes); err != nil {
		cs.releaseUpstream(key, upstream, true)
		return false
	}

	if upgradeRequested && msg.Response.Code == 101 && rewrite.IsWebSocketUpgrade(msg.Headers) {
		cs.ser.Done(reqID)
		cs.splice(upstream, upstreamRing)
		return true
	}

	sw := &serializerWriter{ser: cs.ser, id: reqID}
	var ferr error
	switch msg.Framing {
	case httpwire.FramingLength:
		_, ferr = httpwire.ForwardKnown(upstreamRing, upstream, sw, msg.Length, constants.DefaultReadTimeout)
	case httpwire.FramingChunked:
		_, ferr = httpwire.ForwardChunked(upstreamRing, upstream, sw, constants.DefaultReadTimeout, constants.MaxHeaderBlockSize)
	}
	cs.releaseUpstream(key, upstream, ferr != nil)
	cs.ser.Done(reqID)
	return false
}

// splice copies bytes in both directions between the client connection
// and the upstream connection, each copy first draining whatever Tcp
// Buffer bytes were already read as its prologue. It blocks until either
// direction terminates, then closes both sockets.
func (cs *connState) splice(upstream *remoteconn.RemoteConn, upstreamRing *ringbuffer.Ring) {
	upstream.MarkDisposed()
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		if b := cs.ring.Readable(); len(b) > 0 {
			prologue := append([]byte(nil), b...)
			cs.ring.Consume(len(prologue))
			if _, err := upstream.Write(prologue); err != nil {
				return
			}
		}
		io.Copy(upstream, cs.conn)
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		if b := upstreamRing.Readable(); len(b) > 0 {
			prologue := append([]byte(nil), b...)
			upstreamRing.Consume(len(prologue))
			if _, err := cs.conn.Write(prologue); err != nil {
				return
			}
		}
		io.Copy(cs.conn, upstream)
	}()

	<-done
	cs.conn.Close()
	upstream.Close()
}

func (cs *connState) respondCanned(reqID uint64, status int, body []byte) {
	cs.ser.Write(reqID, cannedResponseBytes(status, body))
	cs.ser.Done(reqID)
}

func (cs *connState) respondShowPage(reqID uint64, sp *errors.ShowPage) {
	headers := httpwire.Headers{
		{Name: "Content-Type", Value: "text/html; charset=utf-8"},
		{Name: "Content-Length", Value: strconv.Itoa(len(sp.HTML))},
		{Name: "Connection", Value: "keep-alive"},
	}
	for name, value := range sp.Headers {
		headers = append(headers, httpwire.Header{Name: name, Value: value})
	}
	status := sp.Status
	if status == 0 {
		status = 200
	}
	line := httpwire.StatusLine{Version: "HTTP/1.1", Code: status, Reason: statusReason(status)}
	resp := append(rewrite.BuildResponse(line, headers), sp.HTML...)
	cs.ser.Write(reqID, resp)
	cs.ser.Done(reqID)
}

// writeCannedAndClose is used on the parse-failure path, before a request
// id even exists to serialize against — the connection is being torn
// down regardless, so it's written straight to the socket.
func (cs *connState) writeCannedAndClose(body []byte) {
	cs.conn.SetWriteDeadline(time.Now().Add(constants.DefaultWriteTimeout))
	cs.conn.Write(cannedResponseBytes(400, body))
}

// drainRequestBody discards a request body the Server Loop decided not to
// forward upstream, keeping the Tcp Buffer aligned on the next request's
// start line.
func (cs *connState) drainRequestBody(msg *httpwire.Message) {
	switch msg.Framing {
	case httpwire.FramingLength:
		httpwire.ForwardKnown(cs.ring, cs.conn, io.Discard, msg.Length, constants.DefaultReadTimeout)
	case httpwire.FramingChunked:
		httpwire.ForwardChunked(cs.ring, cs.conn, io.Discard, constants.DefaultReadTimeout, constants.MaxHeaderBlockSize)
	}
}

// serializerWriter adapts one Request Slot's id into an io.Writer so the
// HTTP/1 Body Transfer helpers can stream a response body straight
// through the Server Write Serializer.
type serializerWriter struct {
	ser *serializer.Serializer
	id  uint64
}

func (w *serializerWriter) Write(p []byte) (int, error) {
	if err := w.ser.Write(w.id, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func writeUpstream(conn *remoteconn.RemoteConn, timeout time.Duration, b []byte) error {
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	_, err := conn.Write(b)
	return err
}

func cannedResponseBytes(status int, body []byte) []byte {
	headers := httpwire.Headers{
		{Name: "Content-Type", Value: "text/html; charset=utf-8"},
		{Name: "Content-Length", Value: strconv.Itoa(len(body))},
		{Name: "Connection", Value: "keep-alive"},
	}
	line := httpwire.StatusLine{Version: "HTTP/1.1", Code: status, Reason: statusReason(status)}
	return append(rewrite.BuildResponse(line, headers), body...)
}

func statusReason(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 502:
		return "Bad Gateway"
	default:
		return "Status"
	}
}

// PoolKey exposes poolKey for other listener fronts (pkg/http2adapter)
// dialing through the same pkg/remoteconn/pkg/pool pair.
func PoolKey(desc config.UpstreamDescriptor) string { return poolKey(desc) }

// poolKey derives the HTTP Client Pool key for an upstream descriptor.
// LocalFiles/Static upstreams return "": each dial produces a one-shot
// canned response with no connection worth pooling.
func poolKey(desc config.UpstreamDescriptor) string {
	switch desc.Kind {
	case config.UpstreamDirectTCP:
		return "tcp:" + desc.Address
	case config.UpstreamDirectTLS:
		return "tls:" + desc.Address + "|" + desc.SNI
	case config.UpstreamUnixSocket:
		return "unix:" + desc.UnixPath
	case config.UpstreamSSH:
		return "ssh:" + desc.SSHCredentialID + "|" + desc.SSHRemoteAddr
	case config.UpstreamGateway:
		return "gateway:" + desc.GatewayID + "|" + desc.GatewayRemoteEndpoint
	default:
		return ""
	}
}

func positiveOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func splitPathQuery(raw string) (string, map[string]string) {
	path, rawQuery := raw, ""
	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		path, rawQuery = raw[:idx], raw[idx+1:]
	}
	query := make(map[string]string)
	if rawQuery != "" {
		if values, err := url.ParseQuery(rawQuery); err == nil {
			for k, v := range values {
				if len(v) > 0 {
					query[k] = v[0]
				}
			}
		}
	}
	return path, query
}

func splitHostPort(host string) (string, string) {
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		return host[:i], host[i+1:]
	}
	return host, ""
}

func localAddrHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return conn.LocalAddr().String()
	}
	return host
}

// logHeaders logs a direction's full header block at trace granularity by
// default, or at debug level when the resolved Endpoint has Debug set —
// letting one endpoint's operator turn up header visibility without
// lowering the whole process's log level to trace.
func logHeaders(log *logrus.Entry, debug bool, direction string, headers httpwire.Headers) {
	entry := log.WithField("headers", headers)
	if debug {
		entry.Debugf("server loop: %s headers", direction)
		return
	}
	entry.Tracef("server loop: %s headers", direction)
}

func cookieValue(headers httpwire.Headers, name string) string {
	raw, ok := headers.Get("Cookie")
	if !ok {
		return ""
	}
	for _, part := range strings.Split(raw, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && kv[0] == name {
			return kv[1]
		}
	}
	return ""
}
