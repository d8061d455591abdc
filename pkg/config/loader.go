package config

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/errors"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/rewrite"
)

type rawTimeouts struct {
	ReadSeconds  int `mapstructure:"read_seconds"`
	WriteSeconds int `mapstructure:"write_seconds"`
	DialSeconds  int `mapstructure:"dial_seconds"`
	IdleSeconds  int `mapstructure:"idle_seconds"`
}

type rawLocation struct {
	Path                  string `mapstructure:"path"`
	Upstream              string `mapstructure:"upstream"`
	ConnectTimeoutSeconds int    `mapstructure:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int    `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds   int    `mapstructure:"write_timeout_seconds"`
}

type rawEndpoint struct {
	Host                 string            `mapstructure:"host"`
	Protocol             string            `mapstructure:"protocol"`
	Debug                bool              `mapstructure:"debug"`
	Default              bool              `mapstructure:"default"`
	Auth                 string            `mapstructure:"auth"`
	GoogleAuthSettingsID string            `mapstructure:"google_auth_settings_id"`
	AllowedUsers         []string          `mapstructure:"allowed_users"`
	Locations            []rawLocation     `mapstructure:"locations"`
	RequestRemove        []string          `mapstructure:"request_remove_headers"`
	RequestAdd           map[string]string `mapstructure:"request_add_headers"`
	ResponseRemove       []string          `mapstructure:"response_remove_headers"`
	ResponseAdd          map[string]string `mapstructure:"response_add_headers"`
}

type rawPort struct {
	Port      int           `mapstructure:"port"`
	Endpoints []rawEndpoint `mapstructure:"endpoints"`
}

type rawGatewayServer struct {
	ListenAddr   string   `mapstructure:"listen_addr"`
	SharedSecret string   `mapstructure:"shared_secret"`
	AllowedCIDRs []string `mapstructure:"allowed_cidrs"`
}

type rawGatewayClient struct {
	PeerID       string `mapstructure:"peer_id"`
	DialAddr     string `mapstructure:"dial_addr"`
	SharedSecret string `mapstructure:"shared_secret"`
}

type rawSSHCredential struct {
	ID       string `mapstructure:"id"`
	User     string `mapstructure:"user"`
	KeyPath  string `mapstructure:"key_path"`
	Password string `mapstructure:"password"`
}

type rawFile struct {
	ShowErrorDescription bool               `mapstructure:"show_error_description"`
	Timeouts             rawTimeouts        `mapstructure:"timeouts"`
	Ports                []rawPort          `mapstructure:"ports"`
	GatewayServers       []rawGatewayServer `mapstructure:"gateway_servers"`
	GatewayClients       []rawGatewayClient `mapstructure:"gateway_clients"`
	SSHCredentials       []rawSSHCredential `mapstructure:"ssh_credentials"`
}

// Loader reads a viper-backed configuration file and produces immutable
// Snapshot values, hot-reloading on fsnotify change events.
type Loader struct {
	v          *viper.Viper
	mu         sync.RWMutex
	current    *Snapshot
	generation int64
	log        *logrus.Entry
}

// NewLoader reads path once, builds the initial Snapshot, and returns the
// Loader ready for Watch.
func NewLoader(path string) (*Loader, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.NewConfigError(errors.KindConfigEndpointNotFound, "reading config file: "+err.Error())
	}

	l := &Loader{v: v, log: logrus.WithField("component", "config.loader")}
	snap, err := l.build()
	if err != nil {
		return nil, err
	}
	l.current = snap
	return l, nil
}

// Current returns the most recently built Snapshot.
func (l *Loader) Current() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch starts fsnotify-driven hot reload; onChange is invoked with every
// successfully-built Snapshot. A reload that fails to parse keeps the
// previous Snapshot and only logs the error — a malformed edit in progress
// must never tear down a running listener.
func (l *Loader) Watch(onChange func(*Snapshot)) {
	l.v.OnConfigChange(func(fsnotify.Event) {
		if _, err := l.reload(onChange); err != nil {
			l.log.WithError(err).Error("configuration reload failed, keeping previous snapshot")
		}
	})
	l.v.WatchConfig()
}

// Reload re-reads the config file immediately rather than waiting for
// fsnotify, for the admin surface's manual reload endpoint. A failed
// reload leaves Current() pointing at the previous Snapshot.
func (l *Loader) Reload(onChange func(*Snapshot)) (*Snapshot, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, errors.NewConfigError(errors.KindConfigEndpointNotFound, "reading config file: "+err.Error())
	}
	return l.reload(onChange)
}

func (l *Loader) reload(onChange func(*Snapshot)) (*Snapshot, error) {
	snap, err := l.build()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = snap
	l.mu.Unlock()
	l.log.WithField("generation", snap.Generation).Info("configuration reloaded")
	if onChange != nil {
		onChange(snap)
	}
	return snap, nil
}

func (l *Loader) build() (*Snapshot, error) {
	var raw rawFile
	if err := l.v.Unmarshal(&raw); err != nil {
		return nil, errors.NewConfigError(errors.KindConfigEndpointNotFound, "decoding config: "+err.Error())
	}
	return fromRaw(&raw, atomic.AddInt64(&l.generation, 1))
}

func fromRaw(raw *rawFile, generation int64) (*Snapshot, error) {
	snap := &Snapshot{
		Generation:           generation,
		Ports:                make(map[int]PortConfig, len(raw.Ports)),
		ShowErrorDescription: raw.ShowErrorDescription,
		GlobalTimeouts: Timeouts{
			Read:  secondsOr(raw.Timeouts.ReadSeconds, 30) * time.Second,
			Write: secondsOr(raw.Timeouts.WriteSeconds, 30) * time.Second,
			Dial:  secondsOr(raw.Timeouts.DialSeconds, 5) * time.Second,
			Idle:  secondsOr(raw.Timeouts.IdleSeconds, 30) * time.Second,
		},
		SSHCredentials: make(map[string]SSHCredential, len(raw.SSHCredentials)),
	}

	for _, cred := range raw.SSHCredentials {
		snap.SSHCredentials[cred.ID] = SSHCredential{
			ID: cred.ID, User: cred.User, KeyPath: cred.KeyPath, Password: cred.Password,
		}
	}

	for _, gs := range raw.GatewayServers {
		snap.GatewayServers = append(snap.GatewayServers, GatewayServerConfig{
			ListenAddr: gs.ListenAddr, SharedSecret: gs.SharedSecret, AllowedCIDRs: gs.AllowedCIDRs,
		})
	}
	for _, gc := range raw.GatewayClients {
		snap.GatewayClients = append(snap.GatewayClients, GatewayClientConfig{
			PeerID: gc.PeerID, DialAddr: gc.DialAddr, SharedSecret: gc.SharedSecret,
		})
	}

	for _, rp := range raw.Ports {
		pc := PortConfig{Port: rp.Port, DefaultEndpointIdx: -1}
		for i, re := range rp.Endpoints {
			ep, err := buildEndpoint(rp.Port, &re)
			if err != nil {
				return nil, err
			}
			pc.Endpoints = append(pc.Endpoints, ep)
			if re.Default {
				pc.DefaultEndpointIdx = i
			}
		}
		snap.Ports[rp.Port] = pc
	}

	return snap, nil
}

func buildEndpoint(port int, re *rawEndpoint) (Endpoint, error) {
	ep := Endpoint{
		ListenPort:           port,
		HostPattern:          re.Host,
		Protocol:             Protocol(defaultString(re.Protocol, "http1")),
		Debug:                re.Debug,
		GoogleAuthSettingsID: re.GoogleAuthSettingsID,
		Rewrite: rewrite.RuleSet{
			Request:  rewrite.Rule{Remove: re.RequestRemove, Add: re.RequestAdd},
			Response: rewrite.Rule{Remove: re.ResponseRemove, Add: re.ResponseAdd},
		},
	}

	switch strings.ToLower(re.Auth) {
	case "google":
		ep.Auth = AuthGoogle
	case "client_certificate", "clientcertificate":
		ep.Auth = AuthClientCertificate
	default:
		ep.Auth = AuthNone
	}

	if len(re.AllowedUsers) > 0 {
		ep.AllowedUsers = make(map[string]struct{}, len(re.AllowedUsers))
		for _, u := range re.AllowedUsers {
			ep.AllowedUsers[strings.ToLower(u)] = struct{}{}
		}
	}

	for i, rl := range re.Locations {
		upstream, err := parseUpstream(rl.Upstream)
		if err != nil {
			return Endpoint{}, err
		}
		ep.Locations = append(ep.Locations, Location{
			ID:             i,
			PathPrefix:     rl.Path,
			Upstream:       upstream,
			ConnectTimeout: secondsOr(rl.ConnectTimeoutSeconds, 5) * time.Second,
			ReadTimeout:    secondsOr(rl.ReadTimeoutSeconds, 30) * time.Second,
			WriteTimeout:   secondsOr(rl.WriteTimeoutSeconds, 30) * time.Second,
		})
	}

	return ep, nil
}

func secondsOr(v, fallback int) time.Duration {
	if v <= 0 {
		return time.Duration(fallback)
	}
	return time.Duration(v)
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
