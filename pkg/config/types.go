// Package config holds the immutable configuration Snapshot — the data
// model behind Endpoint/Location/UpstreamDescriptor — plus the Endpoint
// Resolver and a viper/fsnotify-backed Loader that produces and
// hot-reloads it.
package config

import (
	"time"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/rewrite"
)

// Protocol is the wire protocol an Endpoint's listener speaks.
type Protocol string

const (
	ProtocolHTTP1  Protocol = "http1"
	ProtocolHTTPS1 Protocol = "https1"
	ProtocolHTTP2  Protocol = "http2"
	ProtocolHTTPS2 Protocol = "https2"
	ProtocolTCP    Protocol = "tcp"
)

// UpstreamKind enumerates the closed set of upstream variants a Location
// may dial. Kept as a tagged value, never an interface — design note §9.
type UpstreamKind int

const (
	UpstreamDirectTCP UpstreamKind = iota
	UpstreamDirectTLS
	UpstreamUnixSocket
	UpstreamSSH
	UpstreamGateway
	UpstreamLocalFiles
	UpstreamStatic
)

// UpstreamDescriptor is the value-type variant payload for one Location's
// upstream. Only the fields relevant to Kind are populated.
type UpstreamDescriptor struct {
	Kind UpstreamKind

	// DirectTCP / DirectTLS
	Address string
	SNI     string

	// UnixSocket
	UnixPath string

	// SSH
	SSHCredentialID string
	SSHRemoteAddr   string

	// Gateway
	GatewayID             string
	GatewayRemoteEndpoint string

	// LocalFiles
	LocalDir    string
	DefaultFile string

	// Static
	StaticStatus      int
	StaticContentType string
	StaticBody        []byte
}

// Location is one path-prefix rule inside an Endpoint.
type Location struct {
	ID             int
	PathPrefix     string
	Upstream       UpstreamDescriptor
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// AuthKind is the authorization requirement an Endpoint declares, if any.
type AuthKind int

const (
	AuthNone AuthKind = iota
	AuthGoogle
	AuthClientCertificate
)

// Endpoint is a (listen-port, host-pattern) binding.
type Endpoint struct {
	ListenPort  int
	HostPattern string // "" matches no Host (reachable only as the port default); "*.example.com" wildcards
	Protocol    Protocol
	Debug       bool
	Locations   []Location

	Auth                 AuthKind
	GoogleAuthSettingsID string
	AllowedUsers         map[string]struct{} // nil means unrestricted

	Rewrite rewrite.RuleSet
}

// PortConfig is the ordered set of Endpoints bound to one listen port.
type PortConfig struct {
	Port               int
	Endpoints          []Endpoint
	DefaultEndpointIdx int // -1 when the port has no default Endpoint
}

// GatewayServerConfig describes one accepting gateway listener.
type GatewayServerConfig struct {
	ListenAddr    string
	SharedSecret  string
	AllowedCIDRs  []string
}

// GatewayClientConfig describes one outbound gateway peer to dial and
// reconnect to.
type GatewayClientConfig struct {
	PeerID       string
	DialAddr     string
	SharedSecret string
}

// SSHCredential is an SSH credential the Remote Connection's SSH variant
// dials with. A Password is loaded into the Snapshot as-is; passphrases for
// encrypted private keys are not, and come from the runtime PassKeyStore.
type SSHCredential struct {
	ID       string
	Host     string // SSH daemon address, host:port
	User     string
	KeyPath  string // private key file, preferred over Password when set
	Password string
}

// Timeouts holds the global defaults §4 names (per-call socket timeouts,
// dial timeout) that Locations may override.
type Timeouts struct {
	Read    time.Duration
	Write   time.Duration
	Dial    time.Duration
	Idle    time.Duration
}

// Snapshot is the immutable, atomically-swapped configuration the core
// holds (§6 "Configuration (consumed)"). Never mutated after Build; a
// reload produces a brand-new Snapshot.
type Snapshot struct {
	Generation int64
	Ports      map[int]PortConfig

	GatewayServers []GatewayServerConfig
	GatewayClients []GatewayClientConfig
	SSHCredentials map[string]SSHCredential

	ShowErrorDescription bool
	GlobalTimeouts       Timeouts
}
