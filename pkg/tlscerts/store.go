// Package tlscerts is the process-wide TLS cert/CRL cache the core
// consults during the TLS ClientHello (resolve_endpoint/resolve_cert) and
// after the handshake (peer_cn). Certificate file parsing is out of
// scope: the Store is handed already-parsed tls.Certificate values by the
// config loader and focuses purely on lookup, per-SNI override and a
// self-signed fallback for ports with no configured cert.
package tlscerts

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
)

type portCerts struct {
	defaultCert *tls.Certificate
	byHost      map[string]*tls.Certificate
	clientCAs   *x509.CertPool
}

// Store resolves per-port/per-SNI certificates and verified client CNs.
// Safe for concurrent use; a configuration reload calls Reset then
// re-populates it from the new snapshot.
type Store struct {
	mu            sync.RWMutex
	ports         map[int]*portCerts
	autoGenerate  bool
	generatedByCN map[string]*tls.Certificate
}

// NewStore builds an empty Store. When autoGenerate is true, ResolveCert
// and ResolveEndpoint fabricate and cache a self-signed certificate for
// any port/SNI that has no configured cert, instead of erroring.
func NewStore(autoGenerate bool) *Store {
	return &Store{
		ports:         make(map[int]*portCerts),
		autoGenerate:  autoGenerate,
		generatedByCN: make(map[string]*tls.Certificate),
	}
}

// Reset clears every configured cert and client-CA bundle, leaving any
// previously auto-generated self-signed certs in place.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports = make(map[int]*portCerts)
}

func (s *Store) portEntry(port int) *portCerts {
	pc, ok := s.ports[port]
	if !ok {
		pc = &portCerts{byHost: make(map[string]*tls.Certificate)}
		s.ports[port] = pc
	}
	return pc
}

// SetDefaultCert configures the fallback certificate served for a port
// when no SNI-specific override matches (or the client sent none).
func (s *Store) SetDefaultCert(port int, cert tls.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portEntry(port).defaultCert = &cert
}

// SetHostCert configures a certificate served only when the ClientHello's
// SNI matches host exactly.
func (s *Store) SetHostCert(port int, host string, cert tls.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portEntry(port).byHost[host] = &cert
}

// SetClientCAs configures the CA bundle used to verify client certificates
// on a port (mTLS). A nil pool disables client-cert verification.
func (s *Store) SetClientCAs(port int, pool *x509.CertPool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portEntry(port).clientCAs = pool
}

// ResolveEndpoint picks the certificate to present for (port, SNI) plus
// the client-CA bundle configured for that port, if any.
func (s *Store) ResolveEndpoint(port int, sni string) (*tls.Certificate, *x509.CertPool, error) {
	s.mu.RLock()
	pc, ok := s.ports[port]
	var clientCAs *x509.CertPool
	var cert *tls.Certificate
	if ok {
		clientCAs = pc.clientCAs
		if sni != "" {
			cert = pc.byHost[sni]
		}
		if cert == nil {
			cert = pc.defaultCert
		}
	}
	s.mu.RUnlock()

	if cert != nil {
		return cert, clientCAs, nil
	}
	if !s.autoGenerate {
		return nil, nil, fmt.Errorf("tlscerts: no certificate configured for port %d sni %q", port, sni)
	}

	generated, err := s.selfSignedFor(sni)
	if err != nil {
		return nil, nil, err
	}
	return generated, clientCAs, nil
}

// ResolveCert returns the certificate a port should present when the
// ClientHello carries no SNI at all.
func (s *Store) ResolveCert(port int) (*tls.Certificate, error) {
	cert, _, err := s.ResolveEndpoint(port, "")
	return cert, err
}

func (s *Store) selfSignedFor(sni string) (*tls.Certificate, error) {
	cn := sni
	if cn == "" {
		cn = "localhost"
	}

	s.mu.RLock()
	cached, ok := s.generatedByCN[cn]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	cert, err := GenerateSelfSigned(cn)
	if err != nil {
		return nil, fmt.Errorf("tlscerts: generating self-signed cert for %q: %w", cn, err)
	}

	s.mu.Lock()
	s.generatedByCN[cn] = &cert
	s.mu.Unlock()
	return &cert, nil
}

// PeerCN returns the verified client certificate's common name, if the
// handshake presented and verified one.
func (s *Store) PeerCN(state *tls.ConnectionState) (string, bool) {
	if state == nil || len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
		return "", false
	}
	return state.VerifiedChains[0][0].Subject.CommonName, true
}
