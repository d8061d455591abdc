package config

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/errors"
)

// parseUpstream decodes a Location's upstream descriptor string, e.g.:
//
//	tcp://127.0.0.1:9000
//	tls://backend.internal:443?sni=backend.internal
//	unix:///var/run/app.sock
//	ssh://deploy@10.0.0.5:22
//	gateway://peer-b/127.0.0.1:9000
//	file:///var/www?default=index.html
//	static:200:text/plain:ok
func parseUpstream(raw string) (UpstreamDescriptor, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return UpstreamDescriptor{}, errors.NewConfigError(errors.KindConfigEndpointNotFound, "malformed upstream descriptor "+raw)
	}

	switch u.Scheme {
	case "tcp":
		return UpstreamDescriptor{Kind: UpstreamDirectTCP, Address: u.Host}, nil

	case "tls":
		sni := u.Query().Get("sni")
		if sni == "" {
			sni = u.Hostname()
		}
		return UpstreamDescriptor{Kind: UpstreamDirectTLS, Address: u.Host, SNI: sni}, nil

	case "unix":
		return UpstreamDescriptor{Kind: UpstreamUnixSocket, UnixPath: u.Path}, nil

	case "ssh":
		return UpstreamDescriptor{
			Kind:            UpstreamSSH,
			SSHCredentialID: u.User.Username(),
			SSHRemoteAddr:   u.Host,
		}, nil

	case "gateway":
		return UpstreamDescriptor{
			Kind:                  UpstreamGateway,
			GatewayID:             u.Host,
			GatewayRemoteEndpoint: strings.TrimPrefix(u.Path, "/"),
		}, nil

	case "file":
		return UpstreamDescriptor{
			Kind:        UpstreamLocalFiles,
			LocalDir:    u.Path,
			DefaultFile: u.Query().Get("default"),
		}, nil

	case "static":
		parts := strings.SplitN(u.Opaque, ":", 3)
		if len(parts) != 3 {
			return UpstreamDescriptor{}, errors.NewConfigError(errors.KindConfigEndpointNotFound, "malformed static upstream "+raw)
		}
		status, err := strconv.Atoi(parts[0])
		if err != nil {
			return UpstreamDescriptor{}, errors.NewConfigError(errors.KindConfigEndpointNotFound, "malformed static status "+raw)
		}
		return UpstreamDescriptor{
			Kind:              UpstreamStatic,
			StaticStatus:      status,
			StaticContentType: parts[1],
			StaticBody:        []byte(parts[2]),
		}, nil
	}

	return UpstreamDescriptor{}, errors.NewConfigError(errors.KindConfigEndpointNotFound, "unknown upstream scheme "+u.Scheme)
}
