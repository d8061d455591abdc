// Package httpwire implements the HTTP/1 Parser and HTTP/1 Body Transfer
// components: extracting a request or response start-line and headers from
// a ringbuffer.Ring, classifying body framing, and streaming known-length
// or chunked bodies through to a writer without re-buffering.
package httpwire

import (
	"bytes"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/errors"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/ringbuffer"
)

// Framing classifies how a message body is delimited on the wire.
type Framing int

const (
	FramingNone Framing = iota
	FramingLength
	FramingChunked
	FramingUpgrade
)

var validMethods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "DELETE": {}, "HEAD": {},
	"OPTIONS": {}, "PATCH": {}, "TRACE": {}, "CONNECT": {}, "PRI": {},
}

// Header is a single (name, value) pair, preserved in wire order.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list with case-insensitive lookup.
type Headers []Header

// Get returns the first value for name, matched case-insensitively.
func (h Headers) Get(name string) (string, bool) {
	for _, kv := range h {
		if strings.EqualFold(kv.Name, name) {
			return kv.Value, true
		}
	}
	return "", false
}

// HasToken reports whether the named header's value contains token as a
// comma-separated element, matched case-insensitively (used for `Upgrade`
// and `Connection`).
func (h Headers) HasToken(name, token string) bool {
	v, ok := h.Get(name)
	if !ok {
		return false
	}
	for _, part := range strings.Split(v, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// RequestLine is a parsed, validated HTTP/1 request first line.
type RequestLine struct {
	Method  string
	Path    string
	Version string
}

// StatusLine is a parsed, validated HTTP/1 response first line.
type StatusLine struct {
	Version string
	Code    int
	Reason  string
}

// Message is one parsed HTTP/1 start-line + header block.
type Message struct {
	Request  *RequestLine
	Response *StatusLine
	Headers  Headers
	Framing  Framing
	Length   int64

	// IsUpgrade reports whether the Upgrade header names "websocket" and
	// the Connection header carries the "upgrade" token,
	// independent of Framing (a request can carry both a body and an
	// upgrade offer before the 101 response arrives).
	IsUpgrade bool
}

// ParseRequestLine validates and splits a raw request first line (without
// the trailing CRLF). Method must be one of the fixed set; version must be
// exactly "HTTP/1.1".
func ParseRequestLine(line []byte) (RequestLine, error) {
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) != 3 {
		return RequestLine{}, errors.NewParseError(errors.KindParseBadFirstLine, "parse.request_line", "malformed request line")
	}
	method, path, version := parts[0], parts[1], parts[2]
	if _, ok := validMethods[method]; !ok {
		return RequestLine{}, errors.NewParseError(errors.KindParseBadFirstLine, "parse.request_line", "unsupported method "+method)
	}
	if version != "HTTP/1.1" {
		return RequestLine{}, errors.NewParseError(errors.KindParseBadFirstLine, "parse.request_line", "unsupported version "+version)
	}
	return RequestLine{Method: method, Path: path, Version: version}, nil
}

// ParseStatusLine validates and splits a raw response first line (without
// the trailing CRLF). Status code must be in [100, 599].
func ParseStatusLine(line []byte) (StatusLine, error) {
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) < 2 {
		return StatusLine{}, errors.NewParseError(errors.KindParseBadFirstLine, "parse.status_line", "malformed status line")
	}
	version := parts[0]
	if version != "HTTP/1.1" {
		return StatusLine{}, errors.NewParseError(errors.KindParseBadFirstLine, "parse.status_line", "unsupported version "+version)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 599 {
		return StatusLine{}, errors.NewParseError(errors.KindParseBadFirstLine, "parse.status_line", "invalid status code")
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	return StatusLine{Version: version, Code: code, Reason: reason}, nil
}

// ReadRequest parses one request start-line + header block, refilling from
// conn via the Ring as needed.
func ReadRequest(ring *ringbuffer.Ring, conn DeadlineReader, timeout time.Duration, maxHeaderBytes int) (*Message, error) {
	line, err := nextLine(ring, conn, timeout, maxHeaderBytes)
	if err != nil {
		return nil, err
	}
	reqLine, err := ParseRequestLine(line)
	if err != nil {
		return nil, err
	}
	headers, err := readHeaderLines(ring, conn, timeout, maxHeaderBytes)
	if err != nil {
		return nil, err
	}
	msg := &Message{Request: &reqLine, Headers: headers}
	classifyFraming(msg)
	return msg, nil
}

// ReadResponse parses one response start-line + header block.
func ReadResponse(ring *ringbuffer.Ring, conn DeadlineReader, timeout time.Duration, maxHeaderBytes int) (*Message, error) {
	line, err := nextLine(ring, conn, timeout, maxHeaderBytes)
	if err != nil {
		return nil, err
	}
	statusLine, err := ParseStatusLine(line)
	if err != nil {
		return nil, err
	}
	headers, err := readHeaderLines(ring, conn, timeout, maxHeaderBytes)
	if err != nil {
		return nil, err
	}
	msg := &Message{Response: &statusLine, Headers: headers}
	if statusLine.Code == 204 || statusLine.Code == 304 || (statusLine.Code >= 100 && statusLine.Code < 200) {
		msg.Framing = FramingNone
		return msg, nil
	}
	classifyFraming(msg)
	return msg, nil
}

func readHeaderLines(ring *ringbuffer.Ring, conn DeadlineReader, timeout time.Duration, maxHeaderBytes int) (Headers, error) {
	var headers Headers
	for {
		line, err := nextLine(ring, conn, timeout, maxHeaderBytes)
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			return headers, nil
		}
		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			return nil, errors.NewParseError(errors.KindParseBadHeader, "parse.header", "missing colon")
		}
		name := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(string(line[:idx])))
		value := strings.TrimSpace(string(line[idx+1:]))
		headers = append(headers, Header{Name: name, Value: value})
	}
}

// classifyFraming fills in Framing, Length, and IsUpgrade from the parsed
// headers. Transfer-Encoding: chunked takes priority over Content-Length;
// the two are never both honored on the way out (invariant 5).
func classifyFraming(msg *Message) {
	msg.IsUpgrade = msg.Headers.HasToken("Upgrade", "websocket") && msg.Headers.HasToken("Connection", "upgrade")

	if te, ok := msg.Headers.Get("Transfer-Encoding"); ok && strings.EqualFold(strings.TrimSpace(te), "chunked") {
		msg.Framing = FramingChunked
		return
	}
	if cl, ok := msg.Headers.Get("Content-Length"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err == nil && n >= 0 {
			msg.Framing = FramingLength
			msg.Length = n
			return
		}
	}
	if msg.IsUpgrade {
		msg.Framing = FramingUpgrade
		return
	}
	msg.Framing = FramingNone
}
