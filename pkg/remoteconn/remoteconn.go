// Package remoteconn implements the Remote Connection: dialing whatever an
// upstream Location names, dispatched on the closed UpstreamKind tag rather
// than any interface hierarchy, and tracking whether the result must be
// disposed of rather than returned to the HTTP Client Pool.
package remoteconn

import (
	"bytes"
	"context"
	"crypto/tls"
	errors_std "errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/buffer"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/config"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/errors"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/tlsconfig"
)

// Conn is the capability surface every dialed upstream offers, regardless
// of variant: a deadline-aware byte stream. net.Conn satisfies this
// directly; the SSH and Static variants wrap a narrower primitive to match
// it.
type Conn interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// GatewayDialer is the narrow surface pkg/gateway implements to hand back a
// forwarded stream for a Gateway upstream, kept as an interface here so
// pkg/remoteconn never imports pkg/gateway: pkg/gateway imports this
// package for the Conn type, so the reverse import would be a cycle.
type GatewayDialer interface {
	Forward(ctx context.Context, gatewayID, remoteEndpoint string) (Conn, error)
}

// DialOptions carries everything a particular UpstreamKind's dial needs
// beyond the descriptor itself.
type DialOptions struct {
	RequestPath    string // LocalFiles: path to resolve under LocalDir
	SSHCredentials map[string]config.SSHCredential
	PassKeys       *PassKeyStore // SSH: passphrases for encrypted private keys
	Gateway        GatewayDialer
	DialTimeout    time.Duration
}

// RemoteConn wraps a dialed Conn with the disposable-on-error/upgrade flag
// the HTTP Client Pool checks before deciding whether to keep it idle.
type RemoteConn struct {
	Conn
	disposed bool
}

// MarkDisposed flags the connection so Release never returns it to the
// pool — set after a protocol error or a WebSocket upgrade splice.
func (c *RemoteConn) MarkDisposed() { c.disposed = true }

// Disposed reports whether MarkDisposed was called.
func (c *RemoteConn) Disposed() bool { return c.disposed }

// Dial resolves desc to a live Conn, switching on its Kind. Every branch
// except Gateway returns an upstream/cannot_connect error on failure; the
// Gateway branch returns the GatewayDialer's own error unchanged (for
// example gateway/link_lost), apart from a missing dialer, which is
// upstream/cannot_connect.
func Dial(ctx context.Context, desc config.UpstreamDescriptor, opts DialOptions) (*RemoteConn, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	switch desc.Kind {
	case config.UpstreamDirectTCP:
		return dialDirect(ctx, desc.Address, timeout)
	case config.UpstreamDirectTLS:
		return dialTLS(ctx, desc.Address, desc.SNI, timeout)
	case config.UpstreamUnixSocket:
		return dialUnix(ctx, desc.UnixPath, timeout)
	case config.UpstreamSSH:
		return dialSSH(ctx, desc, opts.SSHCredentials, opts.PassKeys, timeout)
	case config.UpstreamGateway:
		return dialGateway(ctx, desc, opts.Gateway)
	case config.UpstreamLocalFiles:
		return dialLocalFile(desc, opts.RequestPath)
	case config.UpstreamStatic:
		return dialStatic(desc)
	default:
		return nil, errors.NewUpstreamError(errors.KindUpstreamCannotConnect, "", fmt.Errorf("unknown upstream kind %d", desc.Kind))
	}
}

func dialDirect(ctx context.Context, addr string, timeout time.Duration) (*RemoteConn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.NewUpstreamError(errors.KindUpstreamCannotConnect, addr, err)
	}
	return &RemoteConn{Conn: conn}, nil
}

func dialTLS(ctx context.Context, addr, sni string, timeout time.Duration) (*RemoteConn, error) {
	d := net.Dialer{Timeout: timeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.NewUpstreamError(errors.KindUpstreamCannotConnect, addr, err)
	}

	cfg := &tls.Config{ServerName: sni}
	tlsconfig.ApplyVersionProfile(cfg, tlsconfig.ProfileSecure)
	tlsconfig.ApplyCipherSuites(cfg, cfg.MinVersion)
	if sni == "" {
		host, _, splitErr := net.SplitHostPort(addr)
		if splitErr == nil {
			cfg.ServerName = host
		}
	}

	tlsConn := tls.Client(raw, cfg)
	tlsConn.SetDeadline(time.Now().Add(timeout))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, errors.NewUpstreamError(errors.KindUpstreamCannotConnect, addr, err)
	}
	tlsConn.SetDeadline(time.Time{})
	return &RemoteConn{Conn: tlsConn}, nil
}

func dialUnix(ctx context.Context, path string, timeout time.Duration) (*RemoteConn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, errors.NewUpstreamError(errors.KindUpstreamCannotConnect, path, err)
	}
	return &RemoteConn{Conn: conn}, nil
}

func dialSSH(ctx context.Context, desc config.UpstreamDescriptor, creds map[string]config.SSHCredential, passKeys *PassKeyStore, timeout time.Duration) (*RemoteConn, error) {
	cred, ok := creds[desc.SSHCredentialID]
	if !ok {
		return nil, errors.NewUpstreamError(errors.KindUpstreamCannotConnect, desc.SSHRemoteAddr,
			fmt.Errorf("unknown ssh credential %q", desc.SSHCredentialID))
	}

	auth, err := sshAuthMethod(cred, passKeys)
	if err != nil {
		return nil, errors.NewUpstreamError(errors.KindUpstreamCannotConnect, desc.SSHRemoteAddr, err)
	}

	sshConfig := &ssh.ClientConfig{
		User:            cred.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	client, err := ssh.Dial("tcp", cred.Host, sshConfig)
	if err != nil {
		return nil, errors.NewUpstreamError(errors.KindUpstreamCannotConnect, cred.Host, err)
	}

	channel, err := client.Dial("tcp", desc.SSHRemoteAddr)
	if err != nil {
		client.Close()
		return nil, errors.NewUpstreamError(errors.KindUpstreamCannotConnect, desc.SSHRemoteAddr, err)
	}

	return &RemoteConn{Conn: &sshTunnelConn{Conn: channel, client: client}}, nil
}

func sshAuthMethod(cred config.SSHCredential, passKeys *PassKeyStore) (ssh.AuthMethod, error) {
	if cred.KeyPath != "" {
		key, err := os.ReadFile(cred.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading ssh key %s: %w", cred.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err == nil {
			return ssh.PublicKeys(signer), nil
		}
		var passErr *ssh.PassphraseMissingError
		if !errors_std.As(err, &passErr) || passKeys == nil {
			return nil, fmt.Errorf("parsing ssh key %s: %w", cred.KeyPath, err)
		}
		passKey, ok := passKeys.Get(cred.ID)
		if !ok {
			return nil, fmt.Errorf("ssh key %s is passphrase-protected and no passkey was initialized for %q", cred.KeyPath, cred.ID)
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(passKey))
		if err != nil {
			return nil, fmt.Errorf("parsing ssh key %s with passkey: %w", cred.KeyPath, err)
		}
		return ssh.PublicKeys(signer), nil
	}
	if cred.Password != "" {
		return ssh.Password(cred.Password), nil
	}
	return nil, fmt.Errorf("ssh credential %q has no usable auth material", cred.ID)
}

// sshTunnelConn adapts a dialed net.Conn returned by ssh.Client.Dial (which
// already satisfies net.Conn) to also close the parent client once the
// tunneled connection is done with it.
type sshTunnelConn struct {
	net.Conn
	client *ssh.Client
}

func (c *sshTunnelConn) Close() error {
	err := c.Conn.Close()
	c.client.Close()
	return err
}

func dialGateway(ctx context.Context, desc config.UpstreamDescriptor, dialer GatewayDialer) (*RemoteConn, error) {
	if dialer == nil {
		return nil, errors.NewUpstreamError(errors.KindUpstreamCannotConnect, desc.GatewayID, fmt.Errorf("no gateway registry configured"))
	}
	conn, err := dialer.Forward(ctx, desc.GatewayID, desc.GatewayRemoteEndpoint)
	if err != nil {
		return nil, err
	}
	return &RemoteConn{Conn: conn}, nil
}

func dialLocalFile(desc config.UpstreamDescriptor, requestPath string) (*RemoteConn, error) {
	name := requestPath
	if name == "" {
		name = desc.DefaultFile
	}
	full := joinClean(desc.LocalDir, name)

	body, err := spoolFile(full)
	if err != nil {
		if desc.DefaultFile != "" && full != joinClean(desc.LocalDir, desc.DefaultFile) {
			full = joinClean(desc.LocalDir, desc.DefaultFile)
			body, err = spoolFile(full)
		}
		if err != nil {
			return nil, errors.NewUpstreamError(errors.KindUpstreamCannotConnect, full, err)
		}
	}

	conn, err := responseConn(200, contentTypeForExt(full), body)
	if err != nil {
		body.Close()
		return nil, errors.NewUpstreamError(errors.KindUpstreamCannotConnect, full, err)
	}
	return &RemoteConn{Conn: conn}, nil
}

func dialStatic(desc config.UpstreamDescriptor) (*RemoteConn, error) {
	status := desc.StaticStatus
	if status == 0 {
		status = 200
	}
	body := buffer.NewWithData(desc.StaticBody)
	conn, err := responseConn(status, desc.StaticContentType, body)
	if err != nil {
		body.Close()
		return nil, errors.NewUpstreamError(errors.KindUpstreamCannotConnect, "static", err)
	}
	return &RemoteConn{Conn: conn}, nil
}

// spoolFile reads path through a pkg/buffer.Buffer rather than loading it
// whole into a []byte, so a large local file (or one served repeatedly
// under load) spills to a temp file instead of growing heap usage
// unbounded; the buffer's running Trailer gives the caller a checksum over
// exactly what was spooled.
func spoolFile(path string) (*buffer.Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	body := buffer.New(buffer.DefaultMemoryLimit)
	if _, err := io.Copy(body, f); err != nil {
		body.Close()
		return nil, err
	}
	return body, nil
}

// responseConn builds a static HTTP response (status line + headers +
// body) over a spooled buffer's trailer and contents, wrapping it in a
// Conn whose Close releases the buffer — and, if it spilled, removes the
// temp file backing it.
func responseConn(status int, contentType string, body *buffer.Buffer) (*staticConn, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	size, _ := body.Trailer()

	var header bytes.Buffer
	fmt.Fprintf(&header, "HTTP/1.1 %d %s\r\n", status, statusText(status))
	fmt.Fprintf(&header, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(&header, "Content-Length: %d\r\n\r\n", size)

	bodyReader, err := body.Reader()
	if err != nil {
		return nil, err
	}
	return newStaticConn(&fileBody{Reader: io.MultiReader(&header, bodyReader), bodyCloser: bodyReader, buf: body}), nil
}

// fileBody pairs the header+body reader responseConn hands to staticConn
// with the buffer it was spooled from, so closing the connection both
// releases the reopened file handle (bodyCloser) and the buffer's own
// spilled temp file (buf).
type fileBody struct {
	io.Reader
	bodyCloser io.Closer
	buf        *buffer.Buffer
}

func (f *fileBody) Close() error {
	err := f.bodyCloser.Close()
	if cerr := f.buf.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	default:
		return "Status"
	}
}
