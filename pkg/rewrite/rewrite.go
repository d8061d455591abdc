// Package rewrite implements the Header Rewriter and the HTTP/1
// Request/Response Builder: applying an add/remove rule set with
// "${VAR}" template substitution, then re-serializing the first line and
// headers for the outbound side.
package rewrite

import (
	"os"
	"sort"
	"strings"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/httpwire"
)

// Direction distinguishes request-bound from response-bound rule sets.
type Direction int

const (
	DirectionRequest Direction = iota
	DirectionResponse
)

// Rule is one direction's add/remove set for an Endpoint.
type Rule struct {
	// Remove lists header names (matched case-insensitively) to drop.
	Remove []string
	// Add maps a header name to a "${VAR}"-templated value.
	Add map[string]string
}

// RuleSet bundles the request and response Rules declared on an Endpoint.
type RuleSet struct {
	Request  Rule
	Response Rule
}

// Vars supplies the fixed placeholder set the Header Rewriter resolves
// before falling back to process environment variables. A field left at
// its zero value (empty string) is skipped, not force-included — for
// example a plaintext listener leaves ClientCertCN empty.
type Vars struct {
	Host           string
	HostPort       string
	PathAndQuery   string
	EndpointIP     string
	EndpointSchema string
	ClientCertCN   string
}

func (v Vars) lookup(name string) (string, bool) {
	switch name {
	case "HOST":
		return v.Host, true
	case "HOST_PORT":
		return v.HostPort, true
	case "PATH_AND_QUERY":
		return v.PathAndQuery, true
	case "ENDPOINT_IP":
		return v.EndpointIP, true
	case "ENDPOINT_SCHEMA":
		return v.EndpointSchema, true
	case "CLIENT_CERT_CN":
		return v.ClientCertCN, true
	}
	return "", false
}

// Expand resolves every "${NAME}" placeholder in tmpl against the fixed
// variable set, falling back to the process environment, and finally to
// the empty string for anything unresolved.
func Expand(tmpl string, vars Vars) string {
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		start := strings.Index(tmpl[i:], "${")
		if start < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		start += i
		b.WriteString(tmpl[i:start])
		end := strings.IndexByte(tmpl[start:], '}')
		if end < 0 {
			b.WriteString(tmpl[start:])
			break
		}
		end += start
		name := tmpl[start+2 : end]
		if v, ok := vars.lookup(name); ok {
			b.WriteString(v)
		} else if v, ok := os.LookupEnv(name); ok {
			b.WriteString(v)
		}
		i = end + 1
	}
	return b.String()
}

// Apply produces the rewritten header list for one direction: kept headers
// verbatim (in original order, minus removed names), followed by the
// added headers in ascending name order templated against vars. Add is
// keyed by name for lookup/config convenience, but a map has no iteration
// order of its own — sorting here is what makes Apply deterministic for a
// fixed Rule and headers, as required of the rewriter.
func Apply(headers httpwire.Headers, rule Rule, vars Vars) httpwire.Headers {
	out := make(httpwire.Headers, 0, len(headers)+len(rule.Add))
	for _, h := range headers {
		if containsFold(rule.Remove, h.Name) {
			continue
		}
		out = append(out, h)
	}

	names := make([]string, 0, len(rule.Add))
	for name := range rule.Add {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, httpwire.Header{Name: name, Value: Expand(rule.Add[name], vars)})
	}
	return out
}

func containsFold(names []string, name string) bool {
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// IsWebSocketUpgrade reports whether headers declare a WebSocket upgrade,
// matched case-insensitively against both Upgrade and Connection.
func IsWebSocketUpgrade(headers httpwire.Headers) bool {
	return headers.HasToken("Upgrade", "websocket") && headers.HasToken("Connection", "upgrade")
}
