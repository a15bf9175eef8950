package connpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
)

var (
	// ErrPoolClosed is returned when acquiring from a closed pool or map.
	ErrPoolClosed = errors.New("connection pool closed")
	// ErrForeignConn is returned when a connection is handed to a pool that did
	// not create it.
	ErrForeignConn = errors.New("connection does not belong to this pool")
)

// Recorder observes connection lifecycle events, typically for metrics.
type Recorder interface {
	ConnCreated(remote string)
	ConnReused(remote string)
	ConnDiscarded(remote, reason string)
}

// Reasons passed to Recorder.ConnDiscarded.
const (
	ReasonUnhealthy = "unhealthy"
	ReasonExpired   = "expired"
	ReasonDiscarded = "discarded"
	ReasonOverflow  = "overflow"
	ReasonClosed    = "closed"
)

// Options configure the pools created by a Map.
type Options struct {
	// MaxIdle caps the number of idle connections kept per remote.
	// Zero or less keeps every released connection.
	MaxIdle int
	// IdleTimeout closes idle connections that were not used for longer.
	// Zero disables the timeout.
	IdleTimeout time.Duration
	// HandshakeTimeout bounds the TLS handshake of new connections.
	// Zero disables the timeout.
	HandshakeTimeout time.Duration
	// BufferSize is the size of the read and write buffers of each connection.
	BufferSize int

	Logger   *slog.Logger
	Recorder Recorder
}

const defaultBufferSize = 4096

// Pool is a LIFO pool of connections to one remote.
type Pool struct {
	key              RemoteKey
	bootstrap        Bootstrap
	maxIdle          int
	idleTimeout      time.Duration
	handshakeTimeout time.Duration
	bufferSize       int
	logger           *slog.Logger
	recorder         Recorder

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	idle   []*Conn
	closed bool
}

// NewPool creates a pool for key that establishes connections with bootstrap.
func NewPool(key RemoteKey, bootstrap Bootstrap, opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		key:              key,
		bootstrap:        bootstrap,
		maxIdle:          opts.MaxIdle,
		idleTimeout:      opts.IdleTimeout,
		handshakeTimeout: opts.HandshakeTimeout,
		bufferSize:       bufferSize,
		logger:           logger.With("remote", key.String()),
		recorder:         opts.Recorder,
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Key returns the remote of the pool.
func (p *Pool) Key() RemoteKey {
	return p.key
}

// Acquire returns an idle connection if a healthy one is available, and
// establishes a new connection otherwise. Unhealthy idle connections are closed
// and skipped. The returned connection may still be completing its TLS
// handshake; callers must wait for Conn.Ready before writing.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	for {
		c, err := p.popIdle()
		if err != nil {
			return nil, err
		}
		if c == nil {
			break
		}

		if p.idleTimeout > 0 && time.Since(c.lastUsed) > p.idleTimeout {
			p.discard(c, ReasonExpired)
			continue
		}
		if !c.healthy() {
			p.discard(c, ReasonUnhealthy)
			continue
		}

		c.reused = true
		if p.recorder != nil {
			p.recorder.ConnReused(p.key.String())
		}
		return c, nil
	}

	return p.connect(ctx)
}

func (p *Pool) popIdle() (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	n := len(p.idle)
	if n == 0 {
		return nil, nil
	}
	c := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	return c, nil
}

func (p *Pool) connect(ctx context.Context) (*Conn, error) {
	nc, err := p.bootstrap.Connect(ctx, p.key)
	if err != nil {
		return nil, err
	}

	c := newConn(p, nc)

	hsCtx, cancel := p.ctx, context.CancelFunc(func() {})
	if p.handshakeTimeout > 0 {
		hsCtx, cancel = context.WithTimeout(p.ctx, p.handshakeTimeout)
	}
	c.startHandshake(hsCtx, cancel)

	p.logger.Debug("opened backend connection", "local_addr", nc.LocalAddr().String())
	if p.recorder != nil {
		p.recorder.ConnCreated(p.key.String())
	}
	return c, nil
}

// Release returns c to the idle list. Connections with unread data, and
// connections released after the pool was closed or when the idle list is full,
// are closed instead.
func (p *Pool) Release(c *Conn) error {
	if c.pool != p {
		return ErrForeignConn
	}
	if c.Reader.Buffered() > 0 || c.Writer.Buffered() > 0 {
		p.discard(c, ReasonUnhealthy)
		return nil
	}

	c.lastUsed = time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.discard(c, ReasonClosed)
		return nil
	}
	if p.maxIdle > 0 && len(p.idle) >= p.maxIdle {
		p.mu.Unlock()
		p.discard(c, ReasonOverflow)
		return nil
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
	return nil
}

// CloseAndDiscard closes c instead of reusing it. It is used when the protocol
// state of the connection is uncertain. The next Acquire establishes a
// replacement.
func (p *Pool) CloseAndDiscard(c *Conn) error {
	if c.pool != p {
		return ErrForeignConn
	}
	return p.discard(c, ReasonDiscarded)
}

func (p *Pool) discard(c *Conn, reason string) error {
	p.logger.Debug("closing backend connection", "reason", reason)
	if p.recorder != nil {
		p.recorder.ConnDiscarded(p.key.String(), reason)
	}
	return c.Close()
}

// Idle returns the number of idle connections.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close closes all idle connections and rejects further acquires. Connections
// that are still acquired are closed when they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	p.cancel()

	var err error
	for _, c := range idle {
		err = multierr.Append(err, c.Close())
	}
	return err
}
