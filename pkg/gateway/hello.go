package gateway

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/gatewaycodec"
)

const helloVersion = 1

// writeHello and readHello exchange the link's very first packet in the
// clear: before it's sent, neither side yet knows the other's peer id, and
// the AES-GCM key for this link is derived FROM that id (see
// gatewaycodec.DeriveKey), so Hello can't itself be encrypted with it.
func writeHello(conn net.Conn, selfID string) error {
	encoded, err := gatewaycodec.Encode(gatewaycodec.Hello{
		Version:             helloVersion,
		PeerID:              selfID,
		SupportsCompression: true,
	})
	if err != nil {
		return fmt.Errorf("gateway: encoding hello: %w", err)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(encoded)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("gateway: writing hello length: %w", err)
	}
	if _, err := conn.Write(encoded); err != nil {
		return fmt.Errorf("gateway: writing hello body: %w", err)
	}
	return nil
}

func readHello(conn net.Conn) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return "", fmt.Errorf("gateway: reading hello length: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	const maxHelloSize = 4096
	if n == 0 || n > maxHelloSize {
		return "", fmt.Errorf("gateway: implausible hello length %d", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return "", fmt.Errorf("gateway: reading hello body: %w", err)
	}

	p, err := gatewaycodec.Decode(body)
	if err != nil {
		return "", fmt.Errorf("gateway: decoding hello: %w", err)
	}
	hello, ok := p.(gatewaycodec.Hello)
	if !ok {
		return "", fmt.Errorf("gateway: expected hello packet, got %T", p)
	}
	return normalizePeerID(hello.PeerID), nil
}
