package gatewaycodec

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/constants"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/errors"
)

// Role distinguishes which half of a link a Codec encodes/decodes for, so
// the two directions derive distinct key+nonce material from one shared
// secret (see DeriveKey).
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

const (
	directionClientToServer = "client-to-server"
	directionServerToClient = "server-to-client"
)

type directionCipher struct {
	aead    cipher.AEAD
	prefix  [16]byte
	counter uint64
}

func newDirectionCipher(sharedSecret, peerID, direction string) (*directionCipher, error) {
	key, err := DeriveKey(sharedSecret, peerID, direction)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, fmt.Errorf("gatewaycodec: building AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gatewaycodec: building GCM: %w", err)
	}
	dc := &directionCipher{aead: gcm}
	copy(dc.prefix[:], key[32:48])
	return dc, nil
}

// nonce builds the 12-byte GCM nonce for the n-th frame on this direction:
// the first 4 bytes of the derived prefix, XORed in the last 8 bytes with
// the frame counter. Frames are delivered in strict order over a reliable
// stream (§5 ordering guarantees), so sender and receiver counters always
// stay in lockstep without transmitting the nonce itself.
func (d *directionCipher) nonce(n uint64) []byte {
	nonce := make([]byte, 12)
	copy(nonce, d.prefix[:4])
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], n)
	for i := 0; i < 8; i++ {
		nonce[4+i] = d.prefix[4+i] ^ ctr[i]
	}
	return nonce
}

func (d *directionCipher) seal(plaintext []byte) []byte {
	n := atomic.AddUint64(&d.counter, 1) - 1
	return d.aead.Seal(nil, d.nonce(n), plaintext, nil)
}

func (d *directionCipher) open(ciphertext []byte) ([]byte, error) {
	n := atomic.AddUint64(&d.counter, 1) - 1
	return d.aead.Open(nil, d.nonce(n), ciphertext, nil)
}

// Codec frames, compresses and encrypts Packets for one gateway link.
// Encode/Decode use independent key material per direction (see Role);
// compression is chosen once at construction and fixed for the life of
// the link.
type Codec struct {
	send             *directionCipher
	recv             *directionCipher
	compress         bool
	encoder          *zstd.Encoder
	decoder          *zstd.Decoder
}

// NewCodec builds a Codec for one end of a link identified by peerID,
// deriving distinct per-direction key material from sharedSecret and role.
// compress enables zstd on both the outgoing and incoming path. The gateway
// Server and Client always pass true after the Hello exchange; the peer's
// supports-compression flag is not read, so compression is not negotiated.
func NewCodec(sharedSecret, peerID string, role Role, compress bool) (*Codec, error) {
	outDir, inDir := directionClientToServer, directionServerToClient
	if role == RoleServer {
		outDir, inDir = directionServerToClient, directionClientToServer
	}

	send, err := newDirectionCipher(sharedSecret, peerID, outDir)
	if err != nil {
		return nil, err
	}
	recv, err := newDirectionCipher(sharedSecret, peerID, inDir)
	if err != nil {
		return nil, err
	}

	c := &Codec{send: send, recv: recv, compress: compress}
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("gatewaycodec: building zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("gatewaycodec: building zstd decoder: %w", err)
		}
		c.encoder, c.decoder = enc, dec
	}
	return c, nil
}

// EncodeFrame turns p into a ready-to-write frame: u32 length prefix
// followed by (optionally compressed, then encrypted) payload.
func (c *Codec) EncodeFrame(p Packet) ([]byte, error) {
	payload, err := Encode(p)
	if err != nil {
		return nil, err
	}
	if c.compress {
		payload = c.encoder.EncodeAll(payload, nil)
	}
	sealed := c.send.seal(payload)

	if len(sealed) > constants.GatewayMaxFrameSize {
		return nil, errors.NewGatewayError(errors.KindGatewayProtocolViolation, "encode",
			fmt.Errorf("frame of %d bytes exceeds %d byte limit", len(sealed), constants.GatewayMaxFrameSize))
	}

	frame := make([]byte, 4+len(sealed))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(sealed)))
	copy(frame[4:], sealed)
	return frame, nil
}

// ReadFrame reads one length-prefixed frame from r, decrypts,
// decompresses and decodes it. A length exceeding the 16 MiB cap is a
// protocol violation that the caller must treat as link-closing.
func (c *Codec) ReadFrame(r io.Reader) (Packet, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errors.NewGatewayError(errors.KindGatewayLinkLost, "read_frame_length", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > constants.GatewayMaxFrameSize {
		return nil, errors.NewGatewayError(errors.KindGatewayProtocolViolation, "read_frame_length",
			fmt.Errorf("frame length %d exceeds %d byte limit", n, constants.GatewayMaxFrameSize))
	}

	sealed := make([]byte, n)
	if _, err := io.ReadFull(r, sealed); err != nil {
		return nil, errors.NewGatewayError(errors.KindGatewayLinkLost, "read_frame_body", err)
	}

	payload, err := c.recv.open(sealed)
	if err != nil {
		return nil, errors.NewGatewayError(errors.KindGatewayProtocolViolation, "decrypt", err)
	}
	if c.compress {
		payload, err = c.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, errors.NewGatewayError(errors.KindGatewayProtocolViolation, "decompress", err)
		}
	}
	return Decode(payload)
}

// Close releases the zstd encoder/decoder resources, if compression was
// enabled.
func (c *Codec) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}
