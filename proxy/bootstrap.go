package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/davidalecrim/artifact-proxy/connpool"
)

// dialBootstrap opens TCP connections to repository endpoints. TLS remotes get
// a client connection whose handshake is left to the pool's readiness barrier.
type dialBootstrap struct {
	dialer    net.Dialer
	tlsConfig *tls.Config
	wiretap   *wiretap
}

func newDialBootstrap(dialTimeout time.Duration, insecureSkipVerify bool, w *wiretap) *dialBootstrap {
	return &dialBootstrap{
		dialer: net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		},
		tlsConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: insecureSkipVerify, //nolint:gosec
		},
		wiretap: w,
	}
}

func (b *dialBootstrap) Connect(ctx context.Context, key connpool.RemoteKey) (net.Conn, error) {
	conn, err := b.dialer.DialContext(ctx, "tcp", key.Address())
	if err != nil {
		return nil, err
	}
	if !key.UseTLS {
		if b.wiretap.tapsHTTP() {
			conn = b.wiretap.tap(conn, WiretapHTTP)
		}
		return conn, nil
	}

	if b.wiretap.tapsSSL() {
		conn = b.wiretap.tap(conn, WiretapSSL)
	}
	cfg := b.tlsConfig.Clone()
	cfg.ServerName = key.Host
	tlsConn := tls.Client(conn, cfg)
	if b.wiretap.tapsHTTP() {
		return b.wiretap.tap(tlsConn, WiretapHTTP), nil
	}
	return tlsConn, nil
}
