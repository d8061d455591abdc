// Package gatewaycodec implements the Gateway Codec: length-prefixed,
// optionally zstd-compressed and always AES-GCM-encrypted binary framing
// for the link between a gateway server and its peers.
package gatewaycodec

import (
	"encoding/binary"
	"fmt"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/errors"
)

// Kind is the one-byte packet discriminant.
type Kind byte

const (
	KindHello Kind = iota + 1
	KindPing
	KindPong
	KindConnect
	KindConnected
	KindConnectionError
	KindPayload
	KindBackwardPayload
	KindGetFileRequest
	KindGetFileResponse
)

// Packet is the closed set of gateway wire messages. Each concrete type
// below is a value, never an interface implementation beyond this tag —
// design note §9.
type Packet interface {
	PacketKind() Kind
}

type Hello struct {
	Version             uint8
	PeerID              string
	SupportsCompression bool
}

func (Hello) PacketKind() Kind { return KindHello }

type Ping struct{ Nonce uint64 }

func (Ping) PacketKind() Kind { return KindPing }

type Pong struct{ Nonce uint64 }

func (Pong) PacketKind() Kind { return KindPong }

type Connect struct {
	ConnID    uint32
	TimeoutMs uint32
	Remote    string
}

func (Connect) PacketKind() Kind { return KindConnect }

type Connected struct{ ConnID uint32 }

func (Connected) PacketKind() Kind { return KindConnected }

type ConnectionError struct {
	ConnID uint32
	Msg    string
}

func (ConnectionError) PacketKind() Kind { return KindConnectionError }

type Payload struct {
	ConnID uint32
	Bytes  []byte
}

func (Payload) PacketKind() Kind { return KindPayload }

type BackwardPayload struct {
	ConnID uint32
	Bytes  []byte
}

func (BackwardPayload) PacketKind() Kind { return KindBackwardPayload }

type GetFileRequest struct {
	ReqID uint32
	Path  string
}

func (GetFileRequest) PacketKind() Kind { return KindGetFileRequest }

type GetFileResponse struct {
	ReqID  uint32
	Status uint8 // 0 ok, 1 err
	Bytes  []byte
}

func (GetFileResponse) PacketKind() Kind { return KindGetFileResponse }

// Encode serializes p into its on-wire payload (kind byte + fields), not
// including the frame length prefix or any encryption/compression layer.
func Encode(p Packet) ([]byte, error) {
	w := newByteWriter()
	w.writeByte(byte(p.PacketKind()))

	switch v := p.(type) {
	case Hello:
		w.writeU8(v.Version)
		w.writeString(v.PeerID)
		w.writeBool(v.SupportsCompression)
	case Ping:
		w.writeU64(v.Nonce)
	case Pong:
		w.writeU64(v.Nonce)
	case Connect:
		w.writeU32(v.ConnID)
		w.writeU32(v.TimeoutMs)
		w.writeString(v.Remote)
	case Connected:
		w.writeU32(v.ConnID)
	case ConnectionError:
		w.writeU32(v.ConnID)
		w.writeString(v.Msg)
	case Payload:
		w.writeU32(v.ConnID)
		w.writeBlob(v.Bytes)
	case BackwardPayload:
		w.writeU32(v.ConnID)
		w.writeBlob(v.Bytes)
	case GetFileRequest:
		w.writeU32(v.ReqID)
		w.writeString(v.Path)
	case GetFileResponse:
		w.writeU32(v.ReqID)
		w.writeU8(v.Status)
		w.writeBlob(v.Bytes)
	default:
		return nil, fmt.Errorf("gatewaycodec: unencodable packet type %T", p)
	}
	return w.bytes(), nil
}

// Decode parses payload (post-decompression/decryption) into a Packet.
func Decode(payload []byte) (Packet, error) {
	r := newByteReader(payload)
	kindByte, err := r.readByte()
	if err != nil {
		return nil, errors.NewGatewayError(errors.KindGatewayProtocolViolation, "decode", err)
	}

	switch Kind(kindByte) {
	case KindHello:
		version, err := r.readU8()
		if err != nil {
			return nil, protocolErr(err)
		}
		peerID, err := r.readString()
		if err != nil {
			return nil, protocolErr(err)
		}
		compress, err := r.readBool()
		if err != nil {
			return nil, protocolErr(err)
		}
		return Hello{Version: version, PeerID: peerID, SupportsCompression: compress}, nil

	case KindPing:
		nonce, err := r.readU64()
		if err != nil {
			return nil, protocolErr(err)
		}
		return Ping{Nonce: nonce}, nil

	case KindPong:
		nonce, err := r.readU64()
		if err != nil {
			return nil, protocolErr(err)
		}
		return Pong{Nonce: nonce}, nil

	case KindConnect:
		connID, err := r.readU32()
		if err != nil {
			return nil, protocolErr(err)
		}
		timeoutMs, err := r.readU32()
		if err != nil {
			return nil, protocolErr(err)
		}
		remote, err := r.readString()
		if err != nil {
			return nil, protocolErr(err)
		}
		return Connect{ConnID: connID, TimeoutMs: timeoutMs, Remote: remote}, nil

	case KindConnected:
		connID, err := r.readU32()
		if err != nil {
			return nil, protocolErr(err)
		}
		return Connected{ConnID: connID}, nil

	case KindConnectionError:
		connID, err := r.readU32()
		if err != nil {
			return nil, protocolErr(err)
		}
		msg, err := r.readString()
		if err != nil {
			return nil, protocolErr(err)
		}
		return ConnectionError{ConnID: connID, Msg: msg}, nil

	case KindPayload:
		connID, err := r.readU32()
		if err != nil {
			return nil, protocolErr(err)
		}
		b, err := r.readBlob()
		if err != nil {
			return nil, protocolErr(err)
		}
		return Payload{ConnID: connID, Bytes: b}, nil

	case KindBackwardPayload:
		connID, err := r.readU32()
		if err != nil {
			return nil, protocolErr(err)
		}
		b, err := r.readBlob()
		if err != nil {
			return nil, protocolErr(err)
		}
		return BackwardPayload{ConnID: connID, Bytes: b}, nil

	case KindGetFileRequest:
		reqID, err := r.readU32()
		if err != nil {
			return nil, protocolErr(err)
		}
		path, err := r.readString()
		if err != nil {
			return nil, protocolErr(err)
		}
		return GetFileRequest{ReqID: reqID, Path: path}, nil

	case KindGetFileResponse:
		reqID, err := r.readU32()
		if err != nil {
			return nil, protocolErr(err)
		}
		status, err := r.readU8()
		if err != nil {
			return nil, protocolErr(err)
		}
		b, err := r.readBlob()
		if err != nil {
			return nil, protocolErr(err)
		}
		return GetFileResponse{ReqID: reqID, Status: status, Bytes: b}, nil

	default:
		return nil, errors.NewGatewayError(errors.KindGatewayProtocolViolation, "decode",
			fmt.Errorf("unknown packet kind %d", kindByte))
	}
}

func protocolErr(cause error) error {
	return errors.NewGatewayError(errors.KindGatewayProtocolViolation, "decode", cause)
}

// byteWriter/byteReader implement the spec's little-endian, u16-length
// string and u32-length blob encodings by hand, matching the manual
// scanning style pkg/httpwire already uses for chunk sizes.

type byteWriter struct {
	buf []byte
}

func newByteWriter() *byteWriter { return &byteWriter{} }

func (w *byteWriter) bytes() []byte { return w.buf }

func (w *byteWriter) writeByte(b byte) { w.buf = append(w.buf, b) }
func (w *byteWriter) writeU8(v uint8)  { w.buf = append(w.buf, v) }

func (w *byteWriter) writeBool(v bool) {
	if v {
		w.writeByte(1)
	} else {
		w.writeByte(0)
	}
}

func (w *byteWriter) writeU32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *byteWriter) writeU64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *byteWriter) writeString(s string) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], uint16(len(s)))
	w.buf = append(w.buf, tmp[:]...)
	w.buf = append(w.buf, s...)
}

func (w *byteWriter) writeBlob(b []byte) {
	w.writeU32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

type byteReader struct {
	buf []byte
	pos int
}

func newByteReader(buf []byte) *byteReader { return &byteReader{buf: buf} }

func (r *byteReader) remaining() int { return len(r.buf) - r.pos }

func (r *byteReader) readByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("gatewaycodec: unexpected end of packet")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) readU8() (uint8, error) { return r.readByte() }

func (r *byteReader) readBool() (bool, error) {
	b, err := r.readByte()
	return b != 0, err
}

func (r *byteReader) readU32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("gatewaycodec: unexpected end of packet reading u32")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *byteReader) readU64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, fmt.Errorf("gatewaycodec: unexpected end of packet reading u64")
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *byteReader) readString() (string, error) {
	if r.remaining() < 2 {
		return "", fmt.Errorf("gatewaycodec: unexpected end of packet reading string length")
	}
	n := int(binary.LittleEndian.Uint16(r.buf[r.pos : r.pos+2]))
	r.pos += 2
	if r.remaining() < n {
		return "", fmt.Errorf("gatewaycodec: truncated string")
	}
	s := string(r.buf[r.pos : r.pos+n])
	r.pos += n
	return s, nil
}

func (r *byteReader) readBlob() ([]byte, error) {
	n, err := r.readU32()
	if err != nil {
		return nil, err
	}
	if r.remaining() < int(n) {
		return nil, fmt.Errorf("gatewaycodec: truncated blob")
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return b, nil
}
