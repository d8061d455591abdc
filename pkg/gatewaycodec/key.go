package gatewaycodec

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/constants"
)

// keyInfoPrefix is the fixed HKDF info string distinguishing gateway-codec
// key material from any other secret derived from the same shared secret.
// A direction suffix ("client-to-server"/"server-to-client") keeps the two
// halves of a link from ever deriving the same key+nonce-prefix pair, so
// the implicit per-frame nonce counter (the "Nonce construction" note in
// DESIGN.md) never collides across directions.
const keyInfoPrefix = "mrp-gateway-codec-v1:"

// DeriveKey salt-expands sharedSecret into 48 bytes of key material for one
// direction of a link: 32 bytes for the AES-256 key and 16 bytes used as
// the GCM nonce's deterministic prefix. peerID salts the expansion so two
// links sharing one secret but different peer ids never reuse nonces.
func DeriveKey(sharedSecret, peerID, direction string) ([]byte, error) {
	if len(sharedSecret) < constants.GatewayMinSecretLength {
		return nil, fmt.Errorf("gatewaycodec: shared secret shorter than %d bytes", constants.GatewayMinSecretLength)
	}

	kdf := hkdf.New(sha256.New, []byte(sharedSecret), []byte(peerID), []byte(keyInfoPrefix+direction))
	key := make([]byte, constants.GatewayKeyLength)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("gatewaycodec: deriving key: %w", err)
	}
	return key, nil
}
