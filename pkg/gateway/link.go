// Package gateway implements the Gateway Connection plus the Gateway
// Server and Client that own it: one peer socket, a read task decoding
// frames and dispatching them, a write task draining an outbound queue,
// and the ForwardConn/file-request bookkeeping tables layered on top.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/constants"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/errors"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/gatewaycodec"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/scheduler"
)

// Dialer opens the real target a peer's Connect packet names. Only a Link
// configured to accept forwarding (the non-initiating side) needs one.
type Dialer func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error)

// FileServer answers a peer's GetFileRequest. Only a Link configured to
// serve files needs one.
type FileServer interface {
	ReadFile(path string) ([]byte, error)
}

func defaultDialer(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", addr)
}

// Link owns one gateway peer socket.
type Link struct {
	conn   net.Conn
	codec  *gatewaycodec.Codec
	peerID string
	log    *logrus.Entry

	dialer     Dialer
	fileServer FileServer

	writeCh chan gatewaycodec.Packet

	mu            sync.Mutex
	dead          bool
	nextConnID    uint32
	nextReqID     uint32
	forwardConns  map[uint32]*forwardConn
	acceptedConns map[uint32]net.Conn
	fileAwaiters  map[uint32]chan fileResult

	lastIncoming atomic.Int64
	lastRTTNanos atomic.Int64
	missedPongs  int32
	pingTicker   *scheduler.Ticker

	closeOnce sync.Once
	closed    chan struct{}
}

type fileResult struct {
	data []byte
	err  error
}

// NewLink builds a Link around an already Hello-exchanged socket. dialer
// and fileServer may be nil if this side never accepts forwarding/file
// requests from its peer.
func NewLink(conn net.Conn, codec *gatewaycodec.Codec, peerID string, dialer Dialer, fileServer FileServer) *Link {
	if dialer == nil {
		dialer = defaultDialer
	}
	l := &Link{
		conn:          conn,
		codec:         codec,
		peerID:        peerID,
		log:           logrus.WithField("gateway_peer", peerID),
		dialer:        dialer,
		fileServer:    fileServer,
		writeCh:       make(chan gatewaycodec.Packet, 256),
		forwardConns:  make(map[uint32]*forwardConn),
		acceptedConns: make(map[uint32]net.Conn),
		fileAwaiters:  make(map[uint32]chan fileResult),
		closed:        make(chan struct{}),
	}
	l.lastIncoming.Store(time.Now().UnixNano())
	return l
}

// Start launches the read loop, write loop and ping ticker. The caller
// keeps the Link reachable (typically via a Registry) until it observes
// Closed().
func (l *Link) Start() {
	go l.readLoop()
	go l.writeLoop()
	l.pingTicker = scheduler.Start(constants.GatewayPingInterval, l.onPingTick)
}

// Closed reports whether the Link has been torn down.
func (l *Link) Closed() <-chan struct{} { return l.closed }

// PeerID returns the identifier this link's peer presented in Hello.
func (l *Link) PeerID() string { return l.peerID }

// RTT returns the round-trip time observed on the most recently answered
// ping, or 0 before the first Pong arrives.
func (l *Link) RTT() time.Duration { return time.Duration(l.lastRTTNanos.Load()) }

func (l *Link) onPingTick() {
	if atomic.AddInt32(&l.missedPongs, 1) > constants.GatewayMaxMissedPongs {
		l.log.Warn("gateway link missed too many pongs, disconnecting")
		l.Close()
		return
	}
	l.enqueue(gatewaycodec.Ping{Nonce: uint64(time.Now().UnixNano())})
}

func (l *Link) enqueue(p gatewaycodec.Packet) bool {
	select {
	case <-l.closed:
		return false
	case l.writeCh <- p:
		return true
	}
}

func (l *Link) readLoop() {
	defer l.Close()
	for {
		p, err := l.codec.ReadFrame(l.conn)
		if err != nil {
			l.log.WithError(err).Debug("gateway link read loop exiting")
			return
		}
		l.lastIncoming.Store(time.Now().UnixNano())
		l.dispatch(p)
	}
}

func (l *Link) writeLoop() {
	for {
		select {
		case <-l.closed:
			return
		case p := <-l.writeCh:
			frame, err := l.codec.EncodeFrame(p)
			if err != nil {
				l.log.WithError(err).Warn("gateway link failed to encode outgoing packet")
				continue
			}
			if err := l.writeFrameChunked(frame); err != nil {
				l.log.WithError(err).Debug("gateway link write loop exiting")
				l.Close()
				return
			}
		}
	}
}

func (l *Link) writeFrameChunked(frame []byte) error {
	for len(frame) > 0 {
		n := constants.GatewayWriteChunkSize
		if n > len(frame) {
			n = len(frame)
		}
		l.conn.SetWriteDeadline(time.Now().Add(constants.DefaultWriteTimeout))
		if _, err := l.conn.Write(frame[:n]); err != nil {
			return errors.NewGatewayError(errors.KindGatewayLinkLost, "write_frame", err)
		}
		frame = frame[n:]
	}
	return nil
}

func (l *Link) dispatch(p gatewaycodec.Packet) {
	switch v := p.(type) {
	case gatewaycodec.Hello:
		// Post-handshake Hello is unexpected but harmless; ignore.
	case gatewaycodec.Ping:
		l.enqueue(gatewaycodec.Pong{Nonce: v.Nonce})
	case gatewaycodec.Pong:
		atomic.StoreInt32(&l.missedPongs, 0)
		if sent := int64(v.Nonce); sent > 0 {
			l.lastRTTNanos.Store(time.Now().UnixNano() - sent)
		}
	case gatewaycodec.Connect:
		l.handleConnect(v)
	case gatewaycodec.Connected:
		l.handleConnected(v)
	case gatewaycodec.ConnectionError:
		l.handleConnectionError(v)
	case gatewaycodec.Payload:
		l.handlePayload(v)
	case gatewaycodec.BackwardPayload:
		l.handleBackwardPayload(v)
	case gatewaycodec.GetFileRequest:
		l.handleGetFileRequest(v)
	case gatewaycodec.GetFileResponse:
		l.handleGetFileResponse(v)
	}
}

func (l *Link) handleConnect(v gatewaycodec.Connect) {
	timeout := time.Duration(v.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = constants.DefaultDialTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := l.dialer(ctx, v.Remote, timeout)
	if err != nil {
		l.enqueue(gatewaycodec.ConnectionError{ConnID: v.ConnID, Msg: err.Error()})
		return
	}

	l.mu.Lock()
	if l.dead {
		l.mu.Unlock()
		conn.Close()
		return
	}
	l.acceptedConns[v.ConnID] = conn
	l.mu.Unlock()

	l.enqueue(gatewaycodec.Connected{ConnID: v.ConnID})
	go l.pumpAcceptedConn(v.ConnID, conn)
}

// pumpAcceptedConn relays bytes read from a peer-requested target back to
// the peer as BackwardPayload frames until the target closes or errors.
func (l *Link) pumpAcceptedConn(connID uint32, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			l.enqueue(gatewaycodec.BackwardPayload{ConnID: connID, Bytes: append([]byte(nil), buf[:n]...)})
		}
		if err != nil {
			break
		}
	}

	l.mu.Lock()
	delete(l.acceptedConns, connID)
	l.mu.Unlock()

	conn.Close()
	l.enqueue(gatewaycodec.ConnectionError{ConnID: connID, Msg: "forwarded connection closed"})
}

func (l *Link) handleConnected(v gatewaycodec.Connected) {
	l.mu.Lock()
	fc := l.forwardConns[v.ConnID]
	l.mu.Unlock()
	if fc != nil {
		fc.notifyConnected(nil)
	}
}

func (l *Link) handleConnectionError(v gatewaycodec.ConnectionError) {
	l.mu.Lock()
	fc, isForward := l.forwardConns[v.ConnID]
	if isForward {
		delete(l.forwardConns, v.ConnID)
	}
	conn, isAccepted := l.acceptedConns[v.ConnID]
	if isAccepted {
		delete(l.acceptedConns, v.ConnID)
	}
	l.mu.Unlock()

	if isForward {
		fc.notifyConnected(fmt.Errorf("%s", v.Msg))
		fc.abort(fmt.Errorf("%s", v.Msg))
	}
	if isAccepted {
		conn.Close()
	}
}

func (l *Link) handlePayload(v gatewaycodec.Payload) {
	l.mu.Lock()
	conn, ok := l.acceptedConns[v.ConnID]
	l.mu.Unlock()
	if !ok {
		l.log.WithField("conn_id", v.ConnID).Debug("payload for unknown accepted connection dropped")
		return
	}
	conn.SetWriteDeadline(time.Now().Add(constants.DefaultWriteTimeout))
	if _, err := conn.Write(v.Bytes); err != nil {
		l.mu.Lock()
		delete(l.acceptedConns, v.ConnID)
		l.mu.Unlock()
		conn.Close()
		l.enqueue(gatewaycodec.ConnectionError{ConnID: v.ConnID, Msg: err.Error()})
	}
}

func (l *Link) handleBackwardPayload(v gatewaycodec.BackwardPayload) {
	l.mu.Lock()
	fc, ok := l.forwardConns[v.ConnID]
	l.mu.Unlock()
	if !ok {
		l.log.WithField("conn_id", v.ConnID).Debug("backward payload for unknown forward connection dropped")
		return
	}
	fc.deliver(v.Bytes)
}

func (l *Link) handleGetFileRequest(v gatewaycodec.GetFileRequest) {
	if l.fileServer == nil {
		l.enqueue(gatewaycodec.GetFileResponse{ReqID: v.ReqID, Status: 1})
		return
	}
	data, err := l.fileServer.ReadFile(v.Path)
	if err != nil {
		l.enqueue(gatewaycodec.GetFileResponse{ReqID: v.ReqID, Status: 1})
		return
	}
	l.enqueue(gatewaycodec.GetFileResponse{ReqID: v.ReqID, Status: 0, Bytes: data})
}

func (l *Link) handleGetFileResponse(v gatewaycodec.GetFileResponse) {
	l.mu.Lock()
	ch, ok := l.fileAwaiters[v.ReqID]
	if ok {
		delete(l.fileAwaiters, v.ReqID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	if v.Status != 0 {
		ch <- fileResult{err: errors.NewGatewayError(errors.KindGatewayFileNotFound, "get_file", fmt.Errorf("request %d", v.ReqID))}
	} else {
		ch <- fileResult{data: v.Bytes}
	}
}

// ForwardConn allocates a new conn id, sends Connect and returns a stream
// once the peer replies Connected (or the error it replied with).
func (l *Link) ForwardConn(ctx context.Context, remote string, timeout time.Duration) (*forwardConn, error) {
	l.mu.Lock()
	if l.dead {
		l.mu.Unlock()
		return nil, errors.NewGatewayError(errors.KindGatewayLinkLost, "forward_conn", fmt.Errorf("link already closed"))
	}
	l.nextConnID++
	connID := l.nextConnID
	fc := newForwardConn(connID, l)
	l.forwardConns[connID] = fc
	l.mu.Unlock()

	if !l.enqueue(gatewaycodec.Connect{ConnID: connID, TimeoutMs: uint32(timeout.Milliseconds()), Remote: remote}) {
		l.mu.Lock()
		delete(l.forwardConns, connID)
		l.mu.Unlock()
		return nil, errors.NewGatewayError(errors.KindGatewayLinkLost, "forward_conn", fmt.Errorf("link closed"))
	}

	select {
	case err := <-fc.connectedCh:
		if err != nil {
			l.mu.Lock()
			delete(l.forwardConns, connID)
			l.mu.Unlock()
			return nil, errors.NewGatewayError(errors.KindGatewayProtocolViolation, "forward_conn", err)
		}
		return fc, nil
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.forwardConns, connID)
		l.mu.Unlock()
		return nil, ctx.Err()
	case <-l.closed:
		return nil, errors.NewGatewayError(errors.KindGatewayLinkLost, "forward_conn", fmt.Errorf("link closed while awaiting connect"))
	}
}

// RequestFile asks the peer to read path and returns its bytes.
func (l *Link) RequestFile(ctx context.Context, path string) ([]byte, error) {
	l.mu.Lock()
	if l.dead {
		l.mu.Unlock()
		return nil, errors.NewGatewayError(errors.KindGatewayLinkLost, "request_file", fmt.Errorf("link already closed"))
	}
	l.nextReqID++
	reqID := l.nextReqID
	ch := make(chan fileResult, 1)
	l.fileAwaiters[reqID] = ch
	l.mu.Unlock()

	if !l.enqueue(gatewaycodec.GetFileRequest{ReqID: reqID, Path: path}) {
		return nil, errors.NewGatewayError(errors.KindGatewayLinkLost, "request_file", fmt.Errorf("link closed"))
	}

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.fileAwaiters, reqID)
		l.mu.Unlock()
		return nil, ctx.Err()
	case <-l.closed:
		return nil, errors.NewGatewayError(errors.KindGatewayLinkLost, "request_file", fmt.Errorf("link closed while awaiting file response"))
	}
}

// Close tears the link down: the socket, the ping ticker, and every
// pending ForwardConn/file-request/accepted-connection table entry, each
// failed with gateway/link_lost.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.conn.Close()
		if l.pingTicker != nil {
			go l.pingTicker.Stop()
		}

		l.mu.Lock()
		l.dead = true
		forwardConns := l.forwardConns
		l.forwardConns = nil
		accepted := l.acceptedConns
		l.acceptedConns = nil
		awaiters := l.fileAwaiters
		l.fileAwaiters = nil
		l.mu.Unlock()

		lost := errors.NewGatewayError(errors.KindGatewayLinkLost, "close", io.ErrClosedPipe)
		for _, fc := range forwardConns {
			fc.notifyConnected(lost)
			fc.abort(lost)
		}
		for _, conn := range accepted {
			conn.Close()
		}
		for _, ch := range awaiters {
			ch <- fileResult{err: lost}
		}
	})
}
