package server

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/config"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/tlscerts"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/tlsconfig"
)

// ListenerFor binds pc.Port and, if any of its Endpoints speaks a TLS
// protocol variant, wraps the listener so each handshake resolves its
// certificate (and optional client-CA bundle) through store by SNI.
func ListenerFor(pc config.PortConfig, store *tlscerts.Store) (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", pc.Port))
	if err != nil {
		return nil, fmt.Errorf("server: listen on port %d: %w", pc.Port, err)
	}
	if !portIsTLS(pc) {
		return ln, nil
	}
	if store == nil {
		ln.Close()
		return nil, fmt.Errorf("server: port %d requires TLS but no certificate store was configured", pc.Port)
	}

	cfg := &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			cert, clientCAs, err := store.ResolveEndpoint(pc.Port, hello.ServerName)
			if err != nil {
				return nil, err
			}
			clientCfg := &tls.Config{Certificates: []tls.Certificate{*cert}}
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

func portIsTLS(pc config.PortConfig) bool {
	for _, ep := range pc.Endpoints {
		if ep.Protocol == config.ProtocolHTTPS1 || ep.Protocol == config.ProtocolHTTPS2 {
			return true
		}
	}
	return false
}
