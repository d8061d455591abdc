package gateway

import (
	"io"
	"sync"
	"time"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/constants"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/gatewaycodec"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/remoteconn"
)

func payloadPacket(connID uint32, bytes []byte) gatewaycodec.Packet {
	return gatewaycodec.Payload{ConnID: connID, Bytes: bytes}
}

func connectionErrorPacket(connID uint32, msg string) gatewaycodec.Packet {
	return gatewaycodec.ConnectionError{ConnID: connID, Msg: msg}
}

// forwardConn is the virtual stream a ForwardConn caller reads and writes.
// Outbound bytes become Payload frames sent to the peer; inbound bytes
// arrive as BackwardPayload frames and are piped to Read.
type forwardConn struct {
	id   uint32
	link *Link

	pr *io.PipeReader
	pw *io.PipeWriter

	connectedCh chan error
	connectOnce sync.Once

	incoming chan []byte
	stopped  chan struct{}
	stopOnce sync.Once

	closeOnce sync.Once
}

func newForwardConn(id uint32, link *Link) *forwardConn {
	pr, pw := io.Pipe()
	fc := &forwardConn{
		id:          id,
		link:        link,
		pr:          pr,
		pw:          pw,
		connectedCh: make(chan error, 1),
		incoming:    make(chan []byte, 64),
		stopped:     make(chan struct{}),
	}
	go fc.pump()
	return fc
}

// pump is the single goroutine allowed to write to pw, so BackwardPayload
// frames land on the read side in the order they were decoded even though
// a direct Write from the dispatch loop would block it on a slow reader.
func (fc *forwardConn) pump() {
	for {
		select {
		case <-fc.stopped:
			return
		case b := <-fc.incoming:
			if _, err := fc.pw.Write(b); err != nil {
				return
			}
		}
	}
}

func (fc *forwardConn) notifyConnected(err error) {
	fc.connectOnce.Do(func() {
		fc.connectedCh <- err
	})
}

// deliver is only ever called from the link's single read-dispatch
// goroutine, one BackwardPayload at a time, so a blocking send preserves
// frame order; a slow local reader backs pressure all the way up to the
// link's read loop instead of reordering or dropping bytes. It never
// blocks past the connection's own teardown, since stopPump also wins the
// select once closed.
func (fc *forwardConn) deliver(p []byte) {
	select {
	case fc.incoming <- append([]byte(nil), p...):
	case <-fc.stopped:
	}
}

func (fc *forwardConn) stopPump() {
	fc.stopOnce.Do(func() { close(fc.stopped) })
}

func (fc *forwardConn) abort(err error) {
	fc.pw.CloseWithError(err)
	fc.stopPump()
}

func (fc *forwardConn) Read(p []byte) (int, error) { return fc.pr.Read(p) }

func (fc *forwardConn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := constants.GatewayWriteChunkSize
		if n > len(p) {
			n = len(p)
		}
		chunk := append([]byte(nil), p[:n]...)
		if !fc.link.enqueue(payloadPacket(fc.id, chunk)) {
			return total, io.ErrClosedPipe
		}
		total += n
		p = p[n:]
	}
	return total, nil
}

func (fc *forwardConn) Close() error {
	fc.closeOnce.Do(func() {
		fc.link.mu.Lock()
		if fc.link.forwardConns != nil {
			delete(fc.link.forwardConns, fc.id)
		}
		fc.link.mu.Unlock()
		fc.link.enqueue(connectionErrorPacket(fc.id, "closed"))
		fc.stopPump()
		fc.pw.Close()
		fc.pr.Close()
	})
	return nil
}

// SetDeadline and its Read/Write variants are no-ops: a forwardConn is a
// virtual stream backed by an in-process pipe, not a socket, and its
// effective timeout is enforced at the underlying gateway Link's transport
// (see Link.writeFrameChunked and the ping/pong keepalive).
func (fc *forwardConn) SetDeadline(time.Time) error      { return nil }
func (fc *forwardConn) SetReadDeadline(time.Time) error  { return nil }
func (fc *forwardConn) SetWriteDeadline(time.Time) error { return nil }

var _ remoteconn.Conn = (*forwardConn)(nil)
