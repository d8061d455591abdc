package gateway

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/config"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/constants"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/gatewaycodec"
)

// Server accepts inbound gateway peer sockets, exchanges Hello and
// registers the resulting Link under the peer's id.
type Server struct {
	cfg        config.GatewayServerConfig
	registry   *Registry
	dialer     Dialer
	fileServer FileServer
	selfID     string

	listener net.Listener
	log      *logrus.Entry

	boundAddr chan net.Addr
}

// NewServer builds a Server that will register accepted links into
// registry. dialer/fileServer may be nil if this listener never needs to
// forward connections or serve files on behalf of its peers.
func NewServer(cfg config.GatewayServerConfig, selfID string, registry *Registry, dialer Dialer, fileServer FileServer) *Server {
	return &Server{
		cfg:        cfg,
		registry:   registry,
		dialer:     dialer,
		fileServer: fileServer,
		selfID:     selfID,
		log:        logrus.WithField("gateway_listen", cfg.ListenAddr),
		boundAddr:  make(chan net.Addr, 1),
	}
}

// BoundAddr yields the listener's actual address once Serve has bound it;
// mainly useful in tests that bind to port 0 and need the chosen port.
func (s *Server) BoundAddr() <-chan net.Addr { return s.boundAddr }

// Serve binds the listener and accepts connections until ctx is done or
// an unrecoverable accept error occurs.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gateway server: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.boundAddr <- ln.Addr()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	allowed, err := parseCIDRs(s.cfg.AllowedCIDRs)
	if err != nil {
		ln.Close()
		return err
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("gateway server: accept: %w", err)
			}
		}
		if !remoteAllowed(conn, allowed) {
			s.log.WithField("remote", conn.RemoteAddr()).Warn("gateway server rejected peer outside allowed CIDRs")
			conn.Close()
			continue
		}
		go s.handleAccepted(conn)
	}
}

func (s *Server) handleAccepted(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(constants.DefaultDialTimeout))

	peerID, err := exchangeHelloServerSide(conn, s.selfID)
	if err != nil {
		s.log.WithError(err).WithField("remote", conn.RemoteAddr()).Warn("gateway server handshake failed")
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	codec, err := gatewaycodec.NewCodec(s.cfg.SharedSecret, peerID, gatewaycodec.RoleServer, true)
	if err != nil {
		s.log.WithError(err).WithField("peer", peerID).Warn("gateway server could not build codec for peer")
		conn.Close()
		return
	}

	link := NewLink(conn, codec, peerID, s.dialer, s.fileServer)
	s.registry.Put(peerID, link)
	link.Start()

	go func() {
		<-link.Closed()
		s.registry.Remove(peerID, link)
	}()
}

func exchangeHelloServerSide(conn net.Conn, selfID string) (string, error) {
	peerID, err := readHello(conn)
	if err != nil {
		return "", err
	}
	if err := writeHello(conn, selfID); err != nil {
		return "", err
	}
	return peerID, nil
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, ipNet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("gateway server: invalid allowed CIDR %q: %w", c, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

func remoteAllowed(conn net.Conn, allowed []*net.IPNet) bool {
	if len(allowed) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range allowed {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// normalizePeerID trims whitespace an operator might accidentally leave in
// a Hello's peer id field.
func normalizePeerID(id string) string { return strings.TrimSpace(id) }
