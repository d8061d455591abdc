// Package errors provides the structured error taxonomy shared by every
// layer of the proxy core: parser, body transfer, upstream dial, pool,
// config resolution, authorization and the gateway.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies an Error into one of the fixed categories the core
// distinguishes on. Kinds are grouped by a "/"-separated namespace purely
// for readability in logs; callers should switch on the whole Kind value,
// never on the namespace prefix alone.
type Kind string

const (
	KindParseHeaderTooLarge Kind = "parse/header_too_large"
	KindParseBadFirstLine   Kind = "parse/bad_first_line"
	KindParseBadHeader      Kind = "parse/bad_header"
	KindParseBadChunkSize   Kind = "parse/bad_chunk_size"

	KindIOTimeout      Kind = "io/timeout"
	KindIODisconnected Kind = "io/disconnected"
	KindIOOther        Kind = "io/other"

	KindUpstreamCannotConnect Kind = "upstream/cannot_connect"
	KindUpstreamWriteFailed   Kind = "upstream/write_failed"
	KindUpstreamReadFailed    Kind = "upstream/read_failed"

	KindConfigEndpointNotFound Kind = "config/endpoint_not_found"
	KindConfigLocationNotFound Kind = "config/location_not_found"

	KindAuthNotAuthorized    Kind = "auth/not_authorized"
	KindAuthDisallowedDomain Kind = "auth/disallowed_domain"
	KindAuthShowPage         Kind = "auth/show_page"

	KindGatewayLinkLost          Kind = "gateway/link_lost"
	KindGatewayProtocolViolation Kind = "gateway/protocol_violation"
	KindGatewayFileNotFound      Kind = "gateway/file_not_found"
)

// Error is the structured error carried across every component boundary.
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	Cause     error
	Addr      string
	Timestamp time.Time
}

func (e *Error) Error() string {
	s := fmt.Sprintf("[%s]", e.Kind)
	if e.Op != "" {
		s += " " + e.Op
	}
	if e.Addr != "" {
		s += " " + e.Addr
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause, Timestamp: time.Now()}
}

// NewParseError builds a parse/* error for a malformed first line, header
// block, or chunk-size line.
func NewParseError(kind Kind, op, message string) *Error {
	return newErr(kind, op, message, nil)
}

// NewIOError builds an io/* error, classifying timeouts and net.ErrClosed
// style disconnects automatically when the caller doesn't already know
// which it is.
func NewIOError(op string, cause error) *Error {
	kind := KindIOOther
	switch {
	case isNetTimeout(cause):
		kind = KindIOTimeout
	case isDisconnect(cause):
		kind = KindIODisconnected
	}
	return newErr(kind, op, "", cause)
}

// NewUpstreamError builds an upstream/* error for a dial, write, or read
// failure against a remote endpoint.
func NewUpstreamError(kind Kind, addr string, cause error) *Error {
	e := newErr(kind, "", "", cause)
	e.Addr = addr
	return e
}

// NewConfigError builds a config/* lookup failure.
func NewConfigError(kind Kind, detail string) *Error {
	return newErr(kind, "resolve", detail, nil)
}

// NewAuthError builds an auth/not_authorized error.
func NewAuthError(message string) *Error {
	return newErr(KindAuthNotAuthorized, "authorize", message, nil)
}

// NewAuthDisallowedDomainError builds an auth/disallowed_domain error: a
// session cookie that parses and is still within its lifetime, but whose
// identity's email domain is no longer on the provider's allow-list. The
// server loops render this as 401 rather than the 403 every other
// authorization failure gets, since the session itself was once valid.
func NewAuthDisallowedDomainError(message string) *Error {
	return newErr(KindAuthDisallowedDomain, "authorize", message, nil)
}

// NewGatewayError builds a gateway/* error.
func NewGatewayError(kind Kind, op string, cause error) *Error {
	return newErr(kind, op, "", cause)
}

// ShowPage is non-error control flow: an Authorizer step that must render
// HTML instead of passing the request through raises ShowPage rather than
// an Error. Callers type-assert for it explicitly; it satisfies the error
// interface only so it can travel the same return path.
type ShowPage struct {
	PageKind string
	HTML     []byte
	Status   int
	Headers  map[string]string
}

func (s *ShowPage) Error() string {
	return fmt.Sprintf("auth/show_page(%s)", s.PageKind)
}

func isNetTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func isDisconnect(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled)
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// GetKind extracts the Kind of a structured error, or "" if err isn't one.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
