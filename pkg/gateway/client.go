package gateway

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/config"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/constants"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/gatewaycodec"
)

// Client dials one configured gateway peer and keeps reconnecting with
// exponential backoff for as long as Run is active.
type Client struct {
	cfg        config.GatewayClientConfig
	selfID     string
	registry   *Registry
	dialer     Dialer
	fileServer FileServer
	log        *logrus.Entry
}

// NewClient builds a Client that dials cfg.DialAddr and registers the
// resulting Link into registry under cfg.PeerID.
func NewClient(cfg config.GatewayClientConfig, selfID string, registry *Registry, dialer Dialer, fileServer FileServer) *Client {
	return &Client{
		cfg:        cfg,
		selfID:     selfID,
		registry:   registry,
		dialer:     dialer,
		fileServer: fileServer,
		log:        logrus.WithField("gateway_peer", cfg.PeerID),
	}
}

// Run dials and reconnects to the peer until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	backoff := constants.GatewayMinBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		link, err := c.connectOnce(ctx)
		if err != nil {
			c.log.WithError(err).Warn("gateway client failed to connect, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > constants.GatewayMaxBackoff {
				backoff = constants.GatewayMaxBackoff
			}
			continue
		}

		backoff = constants.GatewayMinBackoff
		c.registry.Put(c.cfg.PeerID, link)
		link.Start()

		select {
		case <-link.Closed():
			c.registry.Remove(c.cfg.PeerID, link)
		case <-ctx.Done():
			link.Close()
			return
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) (*Link, error) {
	d := net.Dialer{Timeout: constants.DefaultDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.DialAddr)
	if err != nil {
		return nil, err
	}

	conn.SetDeadline(time.Now().Add(constants.DefaultDialTimeout))
	if err := writeHello(conn, c.selfID); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := readHello(conn); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	codec, err := gatewaycodec.NewCodec(c.cfg.SharedSecret, c.selfID, gatewaycodec.RoleClient, true)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return NewLink(conn, codec, c.cfg.PeerID, c.dialer, c.fileServer), nil
}
