package proxy

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strings"
)

// Wiretap targets. HTTP taps the plaintext traffic of client and backend
// connections, SSL the encrypted bytes of TLS backend connections.
const (
	WiretapHTTP = "http"
	WiretapSSL  = "ssl"
	WiretapAll  = "all"
)

type wiretap struct {
	http   bool
	ssl    bool
	logger *slog.Logger
}

// newWiretap parses the configured targets. A nil wiretap taps nothing.
func newWiretap(targets []string, logger *slog.Logger) (*wiretap, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	w := &wiretap{logger: logger.With("component", "wiretap")}
	for _, t := range targets {
		switch strings.ToLower(strings.TrimSpace(t)) {
		case WiretapAll:
			w.http, w.ssl = true, true
		case WiretapHTTP:
			w.http = true
		case WiretapSSL:
			w.ssl = true
		default:
			return nil, fmt.Errorf("invalid wiretap target %q: must be a list of [%s, %s] or %q", t, WiretapHTTP, WiretapSSL, WiretapAll)
		}
	}
	return w, nil
}

func (w *wiretap) tapsHTTP() bool {
	return w != nil && w.http
}

func (w *wiretap) tapsSSL() bool {
	return w != nil && w.ssl
}

// tap wraps conn so every read and write is logged under name. A TLS client
// connection keeps its handshake method.
func (w *wiretap) tap(conn net.Conn, name string) net.Conn {
	tc := &tapConn{
		Conn:    conn,
		logger:  w.logger.With("tap", name),
		hexDump: name == WiretapSSL,
	}
	if tlsConn, ok := conn.(*tls.Conn); ok {
		return &tapTLSConn{tapConn: tc, tls: tlsConn}
	}
	return tc
}

type tapConn struct {
	net.Conn
	logger  *slog.Logger
	hexDump bool
}

func (c *tapConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.log("read", p[:n])
	}
	return n, err
}

func (c *tapConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.log("write", p[:n])
	}
	return n, err
}

func (c *tapConn) log(direction string, b []byte) {
	data := string(b)
	if c.hexDump {
		data = hex.Dump(b)
	}
	c.logger.Info(direction,
		"local_addr", c.LocalAddr().String(),
		"remote_addr", c.RemoteAddr().String(),
		"bytes", len(b),
		"data", data,
	)
}

type tapTLSConn struct {
	*tapConn
	tls *tls.Conn
}

func (c *tapTLSConn) HandshakeContext(ctx context.Context) error {
	return c.tls.HandshakeContext(ctx)
}

// tapListener taps every accepted connection.
type tapListener struct {
	net.Listener
	wiretap *wiretap
}

func (l *tapListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return l.wiretap.tap(conn, WiretapHTTP), nil
}
