package config

import (
	"strings"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/errors"
)

// Resolve implements the Endpoint Resolver: (listen-port, Host, path) ->
// (Endpoint, Location).
func (s *Snapshot) Resolve(port int, host, path string) (*Endpoint, *Location, error) {
	pc, ok := s.Ports[port]
	if !ok {
		return nil, nil, errors.NewConfigError(errors.KindConfigEndpointNotFound, "no configuration for listen port")
	}

	idx := pc.matchEndpoint(host)
	if idx < 0 {
		return nil, nil, errors.NewConfigError(errors.KindConfigEndpointNotFound, "no endpoint matches host "+host)
	}
	ep := &pc.Endpoints[idx]

	loc := ep.matchLocation(path)
	if loc == nil {
		return nil, nil, errors.NewConfigError(errors.KindConfigLocationNotFound, "no location matches path "+path)
	}
	return ep, loc, nil
}

// matchEndpoint picks the first Endpoint whose HostPattern matches host
// (exact or wildcard), falling back to the port's default Endpoint when
// host is empty/unparseable or nothing matched.
func (pc *PortConfig) matchEndpoint(host string) int {
	host = normalizeHost(host)
	if host != "" {
		for i, ep := range pc.Endpoints {
			if hostMatches(ep.HostPattern, host) {
				return i
			}
		}
	}
	return pc.DefaultEndpointIdx
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.ToLower(host)
}

func hostMatches(pattern, host string) bool {
	if pattern == "" {
		return false
	}
	pattern = strings.ToLower(pattern)
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // ".example.com"
		return strings.HasSuffix(host, suffix) && host != suffix[1:]
	}
	return pattern == host
}

// matchLocation returns the first Location whose PathPrefix matches path
// case-insensitively, in definition order.
func (ep *Endpoint) matchLocation(path string) *Location {
	lowerPath := strings.ToLower(path)
	for i := range ep.Locations {
		prefix := strings.ToLower(ep.Locations[i].PathPrefix)
		if strings.HasPrefix(lowerPath, prefix) {
			return &ep.Locations[i]
		}
	}
	return nil
}
