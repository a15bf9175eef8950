// Package proxy implements the artifact repository reverse proxy using fasthttp.
// It routes each request to the repository endpoint named by its path, injects a
// short-lived authorization token and streams the exchange over a pooled backend
// connection.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/davidalecrim/artifact-proxy/config"
	"github.com/davidalecrim/artifact-proxy/connpool"
	"github.com/davidalecrim/artifact-proxy/lookup"
	"github.com/davidalecrim/artifact-proxy/metrics"
	proxyproto "github.com/pires/go-proxyproto"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"github.com/valyala/fasthttp"
	"go.uber.org/multierr"
)

var (
	// ErrServerStarted is returned by Start if the server is already running.
	ErrServerStarted = errors.New("proxy server already started")
	// ErrServerStopped is returned by Start after Stop was called.
	ErrServerStopped = errors.New("proxy server stopped")
)

// Option customizes a Server.
type Option func(*Server)

// WithBootstrap replaces the TCP/TLS dialer used for backend connections.
func WithBootstrap(b connpool.Bootstrap) Option {
	return func(s *Server) {
		s.bootstrap = b
	}
}

// WithMetrics records request, session and pool metrics on m.
func WithMetrics(m *metrics.Prometheus) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// Server represents the proxy server.
// It accepts client connections, maintains one forwarding session per
// connection and owns the backend connection pools.
type Server struct {
	config     *config.Config
	logger     *slog.Logger
	logEnabled bool
	metrics    *metrics.Prometheus
	bootstrap  connpool.Bootstrap

	pools        *connpool.Map
	orchestrator *Orchestrator
	headers      *headerPolicy
	wiretap      *wiretap
	server       *fasthttp.Server
	sessions     sync.Map

	fragmentSize            int
	maxBufferedRequestBytes int
	backendReadTimeout      time.Duration
	backendWriteTimeout     time.Duration

	baseCtx    context.Context
	cancelBase context.CancelFunc
	background conc.WaitGroup

	mu        sync.Mutex
	ln        net.Listener
	serveDone chan struct{}
	serveErr  error

	stopOnce sync.Once
	stopped  chan struct{}
	stopErr  error
}

// New creates a Server from cfg. Repository endpoints are resolved with
// endpoints and authorization tokens are obtained from tokens; both are
// expected to cache their results.
func New(cfg *config.Config, endpoints lookup.EndpointResolver, tokens lookup.TokenIssuer, logger *slog.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	headers, err := newHeaderPolicy(cfg.Response.StripHeaders)
	if err != nil {
		return nil, err
	}
	tap, err := newWiretap(cfg.Logging.Wiretap, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:                  cfg,
		logger:                  logger,
		logEnabled:              cfg.Logging.Enabled,
		headers:                 headers,
		wiretap:                 tap,
		fragmentSize:            cfg.Server.FragmentSize,
		maxBufferedRequestBytes: cfg.Server.MaxBufferedRequestBytes,
		backendReadTimeout:      cfg.Backend.ReadTimeout,
		backendWriteTimeout:     cfg.Backend.WriteTimeout,
		stopped:                 make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fragmentSize <= 0 {
		s.fragmentSize = config.DefaultFragmentSize
	}
	if s.maxBufferedRequestBytes <= 0 {
		s.maxBufferedRequestBytes = config.DefaultMaxBufferedRequestBytes
	}
	if s.bootstrap == nil {
		s.bootstrap = newDialBootstrap(cfg.Backend.DialTimeout, cfg.Backend.InsecureSkipVerify, s.wiretap)
	}

	poolOpts := connpool.Options{
		MaxIdle:          cfg.Backend.MaxIdleConnsPerHost,
		IdleTimeout:      cfg.Backend.IdleTimeout,
		HandshakeTimeout: cfg.Backend.DialTimeout,
		Logger:           logger.With("component", "connpool"),
	}
	if s.metrics != nil {
		poolOpts.Recorder = s.metrics
	}
	s.pools = connpool.NewMap(s.bootstrap, poolOpts)

	username := cfg.Backend.Username
	if username == "" {
		username = config.DefaultUsername
	}
	s.orchestrator = NewOrchestrator(endpoints, tokens, s.pools, username, logger.With("component", "orchestrator"))

	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	s.server = &fasthttp.Server{
		Handler:     s.handleRequest,
		ConnState:   s.connState,
		Logger:      fasthttpLogger{logger: logger.With("component", "fasthttp")},
		Concurrency: cfg.Server.Concurrency,

		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,

		StreamRequestBody:            true,
		DisablePreParseMultipartForm: true,
		NoDefaultServerHeader:        true,
		NoDefaultContentType:         true,
		CloseOnShutdown:              true,
	}

	return s, nil
}

// Start binds the configured address and begins accepting connections in the
// background. It returns once the listener is bound.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.stopped:
		return ErrServerStopped
	default:
	}
	if s.ln != nil {
		return ErrServerStarted
	}

	ln, err := net.Listen("tcp", s.config.Server.ListenAddress())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Server.ListenAddress(), err)
	}
	if s.config.Server.ProxyProtocol {
		ln = &proxyproto.Listener{
			Listener:          ln,
			ReadHeaderTimeout: s.config.Server.ReadTimeout,
		}
	}
	if s.wiretap.tapsHTTP() {
		ln = &tapListener{Listener: ln, wiretap: s.wiretap}
	}

	s.ln = ln
	s.serveDone = make(chan struct{})
	go func() {
		defer close(s.serveDone)
		s.serveErr = s.server.Serve(ln)
	}()

	if s.logEnabled {
		s.logger.Info("starting proxy server",
			"address", ln.Addr().String(),
			"proxy_protocol", s.config.Server.ProxyProtocol,
		)
	}

	if s.config.PreWarm.Enabled && len(s.config.PreWarm.Repositories) > 0 {
		s.background.Go(func() {
			s.preWarm(s.baseCtx)
		})
	}
	return nil
}

// Addr returns the address the server is listening on, or nil if it was not
// started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) handleRequest(ctx *fasthttp.RequestCtx) {
	s.sessionFor(ctx.Conn()).serve(ctx)
}

func (s *Server) sessionFor(conn net.Conn) *session {
	if v, ok := s.sessions.Load(conn); ok {
		return v.(*session)
	}
	v, _ := s.sessions.LoadOrStore(conn, newSession(s, conn))
	return v.(*session)
}

func (s *Server) connState(conn net.Conn, st fasthttp.ConnState) {
	switch st {
	case fasthttp.StateNew:
		s.sessions.Store(conn, newSession(s, conn))
		s.metrics.SessionOpened()
	case fasthttp.StateClosed, fasthttp.StateHijacked:
		v, ok := s.sessions.LoadAndDelete(conn)
		if !ok {
			return
		}
		v.(*session).teardown()
		s.metrics.SessionClosed()
	}
}

// preWarm resolves the configured repositories and opens connections to their
// endpoints ahead of the first request.
func (s *Server) preWarm(ctx context.Context) {
	n := s.config.PreWarm.ConnectionsPerBackend
	if n <= 0 {
		n = config.DefaultPreWarmConnections
	}

	wg := pool.New().WithErrors().WithContext(ctx)
	for _, path := range s.config.PreWarm.Repositories {
		wg.Go(func(ctx context.Context) error {
			if err := s.orchestrator.Warm(ctx, path, n); err != nil {
				s.logger.Warn("failed to pre-warm repository",
					"path", path,
					"error", err,
				)
				return err
			}
			if s.logEnabled {
				s.logger.Debug("pre-warmed repository", "path", path, "connections", n)
			}
			return nil
		})
	}
	_ = wg.Wait()
}

// Stop closes the listener, waits for active exchanges to finish and closes
// all backend connection pools. It returns ctx.Err() if ctx is done before the
// shutdown completes; the shutdown itself continues and Join waits for it.
// Stop may be called more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		if s.logEnabled {
			s.logger.Info("shutting down proxy server")
		}
		go s.shutdown(ctx)
	})

	select {
	case <-s.stopped:
		return s.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) shutdown(ctx context.Context) {
	defer close(s.stopped)

	s.mu.Lock()
	ln, serveDone := s.ln, s.serveDone
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = s.server.ShutdownWithContext(ctx)
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	s.cancelBase()
	s.background.Wait()
	if serveDone != nil {
		<-serveDone
		err = multierr.Append(err, s.serveErr)
	}

	err = multierr.Append(err, s.pools.Close())
	s.stopErr = err
}

// Join blocks until the server has been stopped and every pool is closed.
func (s *Server) Join() error {
	<-s.stopped
	return s.stopErr
}

// fasthttpLogger adapts slog to the fasthttp logger interface.
type fasthttpLogger struct {
	logger *slog.Logger
}

func (l fasthttpLogger) Printf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
