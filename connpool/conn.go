// Package connpool maintains pools of connections to backend remotes.
//
// A Map lazily creates one Pool per RemoteKey. Every Conn remembers the Pool
// that created it, so it can be released or discarded without the key. New
// connections are established by an externally supplied Bootstrap; the pool
// itself does not know about any transport.
package connpool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// RemoteKey identifies a backend remote and thereby a Pool.
type RemoteKey struct {
	Host   string
	Port   int
	UseTLS bool
}

// RemoteKeyFromURL derives the remote of an endpoint URL. Path and query are
// discarded; a missing port defaults to the scheme's well-known port.
func RemoteKeyFromURL(u *url.URL) (RemoteKey, error) {
	var key RemoteKey
	switch u.Scheme {
	case "https":
		key.UseTLS = true
		key.Port = 443
	case "http":
		key.Port = 80
	default:
		return RemoteKey{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	key.Host = u.Hostname()
	if key.Host == "" {
		return RemoteKey{}, errors.New("endpoint has no host")
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return RemoteKey{}, fmt.Errorf("invalid port %q", p)
		}
		key.Port = port
	}
	return key, nil
}

// Address returns the host:port dial address of the remote.
func (k RemoteKey) Address() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

func (k RemoteKey) String() string {
	if k.UseTLS {
		return "https://" + k.Address()
	}
	return "http://" + k.Address()
}

// Bootstrap establishes new connections to a remote. For remotes with UseTLS the
// returned connection is expected to perform its handshake lazily, see Conn.Ready.
type Bootstrap interface {
	Connect(ctx context.Context, key RemoteKey) (net.Conn, error)
}

// BootstrapFunc adapts a function to the Bootstrap interface.
type BootstrapFunc func(ctx context.Context, key RemoteKey) (net.Conn, error)

// Connect calls f(ctx, key).
func (f BootstrapFunc) Connect(ctx context.Context, key RemoteKey) (net.Conn, error) {
	return f(ctx, key)
}

type handshaker interface {
	HandshakeContext(ctx context.Context) error
}

// Conn is a pooled connection tagged with the Pool it belongs to.
type Conn struct {
	net.Conn

	// Reader and Writer buffer the connection. They are kept across requests
	// so that no read-ahead is lost while the connection is idle.
	Reader *bufio.Reader
	Writer *bufio.Writer

	pool     *Pool
	ready    chan struct{}
	readyErr error
	lastUsed time.Time
	reused   bool
}

func newConn(pool *Pool, nc net.Conn) *Conn {
	return &Conn{
		Conn:   nc,
		Reader: bufio.NewReaderSize(nc, pool.bufferSize),
		Writer: bufio.NewWriterSize(nc, pool.bufferSize),
		pool:   pool,
		ready:  make(chan struct{}),
	}
}

// startHandshake runs the TLS handshake of the connection, if it has one, and
// closes the readiness barrier once it is done.
func (c *Conn) startHandshake(ctx context.Context, cancel context.CancelFunc) {
	hs, ok := c.Conn.(handshaker)
	if !ok {
		cancel()
		close(c.ready)
		return
	}
	go func() {
		defer close(c.ready)
		defer cancel()
		if err := hs.HandshakeContext(ctx); err != nil {
			c.readyErr = fmt.Errorf("tls handshake with %s failed: %w", c.pool.key, err)
		}
	}()
}

// Ready blocks until the connection can be written to, that is until the TLS
// handshake of a new TLS connection has completed. It returns the handshake
// error, or ctx.Err() if ctx is done first.
func (c *Conn) Ready(ctx context.Context) error {
	select {
	case <-c.ready:
		return c.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pool returns the pool the connection belongs to.
func (c *Conn) Pool() *Pool {
	return c.pool
}

// Reused reports whether the connection was taken from the idle list rather
// than newly established.
func (c *Conn) Reused() bool {
	return c.reused
}

// Release returns the connection to its pool.
func (c *Conn) Release() error {
	return c.pool.Release(c)
}

// Discard closes the connection instead of returning it to its pool.
func (c *Conn) Discard() error {
	return c.pool.CloseAndDiscard(c)
}

// healthProbeWait bounds the read that probes an idle connection. The deadline
// must lie in the future: net.Conn reads with an expired deadline fail before
// looking at the socket and would miss a pending EOF.
const healthProbeWait = time.Millisecond

// healthy probes an idle connection. A connection is healthy if it is still
// open and has not received unsolicited data.
func (c *Conn) healthy() bool {
	if c.Reader.Buffered() > 0 {
		return false
	}
	if err := c.SetReadDeadline(time.Now().Add(healthProbeWait)); err != nil {
		return false
	}
	_, err := c.Reader.Peek(1)
	if err := c.SetReadDeadline(time.Time{}); err != nil {
		return false
	}

	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
