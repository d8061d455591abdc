package http2adapter

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/config"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/tlscerts"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/tlsconfig"
)

// ListenerFor binds pc.Port for an https2 (TLS) port, advertising "h2" over
// ALPN so the client negotiates HTTP/2 during the handshake itself rather
// than needing prior-knowledge h2c — the TLS-side equivalent of what
// http2.ConfigureServer does to a *http.Server's TLSConfig, reproduced here
// by hand since Serve drives its own accept loop instead of net/http's.
// http2 (cleartext h2c) ports call ln, err := net.Listen("tcp", ...)
// directly and pass it straight to Serve.
func ListenerFor(pc config.PortConfig, store *tlscerts.Store) (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", pc.Port))
	if err != nil {
		return nil, fmt.Errorf("http2adapter: listen on port %d: %w", pc.Port, err)
	}
	if store == nil {
		ln.Close()
		return nil, fmt.Errorf("http2adapter: port %d requires TLS but no certificate store was configured", pc.Port)
	}

	cfg := &tls.Config{
		NextProtos: []string{"h2", "http/1.1"},
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			cert, clientCAs, err := store.ResolveEndpoint(pc.Port, hello.ServerName)
			if err != nil {
				return nil, err
			}
			clientCfg := &tls.Config{Certificates: []tls.Certificate{*cert}, NextProtos: []string{"h2", "http/1.1"}}
			tlsconfig.ApplyVersionProfile(clientCfg, tlsconfig.ProfileSecure)
			tlsconfig.ApplyCipherSuites(clientCfg, clientCfg.MinVersion)
			if clientCAs != nil {
				clientCfg.ClientCAs = clientCAs
				clientCfg.ClientAuth = tls.VerifyClientCertIfGiven
			}
			return clientCfg, nil
		},
	}
	return tls.NewListener(ln, cfg), nil
}
