package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/davidalecrim/artifact-proxy/config"
	"github.com/davidalecrim/artifact-proxy/connpool"
	"github.com/davidalecrim/artifact-proxy/lookup"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

const (
	testEndpoint = "https://d-123.example.com/maven/my-repo-1"
	testToken    = "abc123"
	artifactPath = "/mydomain/default/my-repo/com/acme/lib/1.0/lib.jar"
)

type backendRequest struct {
	Method        string
	URI           string
	Host          string
	Authorization string
	Expect        string
	Body          string
}

// testBackend is a repository endpoint served over in-memory connections. It
// doubles as the bootstrap of the proxy's connection pools.
type testBackend struct {
	ln      *fasthttputil.InmemoryListener
	server  *fasthttp.Server
	handler fasthttp.RequestHandler
	done    chan struct{}

	// refuse is the number of connects that fail before dialing succeeds.
	refuse atomic.Int32
	dials  atomic.Int32

	mu       sync.Mutex
	remotes  []connpool.RemoteKey
	requests []backendRequest
}

func startBackend(t *testing.T, handler fasthttp.RequestHandler) *testBackend {
	t.Helper()

	b := &testBackend{
		ln:      fasthttputil.NewInmemoryListener(),
		handler: handler,
		done:    make(chan struct{}),
	}
	b.server = &fasthttp.Server{
		Handler:               b.handle,
		NoDefaultServerHeader: true,
	}
	go func() {
		defer close(b.done)
		_ = b.server.Serve(b.ln)
	}()
	t.Cleanup(func() {
		b.ln.Close()
		<-b.done
	})
	return b
}

func (b *testBackend) Connect(ctx context.Context, key connpool.RemoteKey) (net.Conn, error) {
	b.mu.Lock()
	b.remotes = append(b.remotes, key)
	b.mu.Unlock()

	if b.refuse.Add(-1) >= 0 {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	}
	b.dials.Add(1)
	return b.ln.Dial()
}

func (b *testBackend) handle(ctx *fasthttp.RequestCtx) {
	b.mu.Lock()
	b.requests = append(b.requests, backendRequest{
		Method:        string(ctx.Method()),
		URI:           string(ctx.RequestURI()),
		Host:          string(ctx.Host()),
		Authorization: string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)),
		Expect:        string(ctx.Request.Header.Peek(fasthttp.HeaderExpect)),
		Body:          string(ctx.Request.Body()),
	})
	b.mu.Unlock()

	if b.handler != nil {
		b.handler(ctx)
		return
	}
	ctx.SetContentType("application/java-archive")
	ctx.SetBodyString("artifact")
}

func (b *testBackend) received() []backendRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backendRequest(nil), b.requests...)
}

func (b *testBackend) remoteKeys() []connpool.RemoteKey {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]connpool.RemoteKey(nil), b.remotes...)
}

type recordingEndpoints struct {
	mu   sync.Mutex
	keys []lookup.EndpointKey
	raw  string
	err  error
	wait chan struct{}
}

func (r *recordingEndpoints) ResolveEndpoint(ctx context.Context, key lookup.EndpointKey) (*url.URL, error) {
	r.mu.Lock()
	r.keys = append(r.keys, key)
	r.mu.Unlock()

	if r.wait != nil {
		select {
		case <-r.wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return url.Parse(r.raw)
}

func (r *recordingEndpoints) resolved() []lookup.EndpointKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]lookup.EndpointKey(nil), r.keys...)
}

func staticTokens(value string) lookup.TokenIssuer {
	return lookup.TokenIssuerFunc(func(context.Context, lookup.TokenKey) (lookup.Token, error) {
		return lookup.Token{Value: value, ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			BindAddress:             "127.0.0.1",
			FragmentSize:            1024,
			MaxBufferedRequestBytes: 1024 * 1024,
		},
		Backend: config.BackendConfig{
			Username:            "aws",
			MaxIdleConnsPerHost: 8,
		},
	}
}

type testEnv struct {
	server    *Server
	backend   *testBackend
	endpoints *recordingEndpoints
	client    *fasthttp.HostClient
}

func newTestEnv(t *testing.T, cfg *config.Config, handler fasthttp.RequestHandler) *testEnv {
	t.Helper()
	return newTestEnvWith(t, cfg, handler, &recordingEndpoints{raw: testEndpoint})
}

func newTestEnvWith(t *testing.T, cfg *config.Config, handler fasthttp.RequestHandler, endpoints *recordingEndpoints) *testEnv {
	t.Helper()

	backend := startBackend(t, handler)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := New(cfg, endpoints, staticTokens(testToken), logger, WithBootstrap(backend))
	require.NoError(t, err)
	require.NoError(t, s.Start())

	client := &fasthttp.HostClient{
		Addr:                   s.Addr().String(),
		DisablePathNormalizing: true,
		ReadTimeout:            5 * time.Second,
	}
	t.Cleanup(func() {
		client.CloseIdleConnections()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Stop(ctx))
	})

	return &testEnv{server: s, backend: backend, endpoints: endpoints, client: client}
}

func (e *testEnv) do(t *testing.T, method, uri string, body []byte) *fasthttp.Response {
	t.Helper()

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	req.Header.SetHost("proxy.local")
	if body != nil {
		req.SetBody(body)
	}

	resp := &fasthttp.Response{}
	if method == fasthttp.MethodHead {
		resp.SkipBody = true
	}
	require.NoError(t, e.client.Do(req, resp))
	return resp
}

func rawExchange(t *testing.T, conn net.Conn, br *bufio.Reader, request string) *fasthttp.Response {
	t.Helper()

	_, err := io.WriteString(conn, request)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	resp := &fasthttp.Response{}
	require.NoError(t, resp.Read(br))
	return resp
}

func TestForwardsRewrittenRequest(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	resp := env.do(t, fasthttp.MethodGet, artifactPath, nil)
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.Equal(t, "artifact", string(resp.Body()))
	assert.Equal(t, "application/java-archive", string(resp.Header.ContentType()))

	want := []backendRequest{{
		Method:        fasthttp.MethodGet,
		URI:           "/maven/my-repo-1/com/acme/lib/1.0/lib.jar",
		Host:          "d-123.example.com",
		Authorization: "Basic " + base64.StdEncoding.EncodeToString([]byte("aws:abc123")),
	}}
	if diff := cmp.Diff(want, env.backend.received()); diff != "" {
		t.Errorf("backend requests mismatch (-want +got):\n%s", diff)
	}

	wantKeys := []lookup.EndpointKey{{Domain: "mydomain", Repository: "my-repo"}}
	if diff := cmp.Diff(wantKeys, env.endpoints.resolved()); diff != "" {
		t.Errorf("endpoint keys mismatch (-want +got):\n%s", diff)
	}

	wantRemotes := []connpool.RemoteKey{{Host: "d-123.example.com", Port: 443, UseTLS: true}}
	if diff := cmp.Diff(wantRemotes, env.backend.remoteKeys()); diff != "" {
		t.Errorf("remotes mismatch (-want +got):\n%s", diff)
	}
}

func TestForwardsQueryAndOwner(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	resp := env.do(t, fasthttp.MethodGet, "/mydomain/123456789012/my-repo/a/b%20c/maven-metadata.xml?x=1&y=2", nil)
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())

	got := env.backend.received()
	require.Len(t, got, 1)
	assert.Equal(t, "/maven/my-repo-1/a/b%20c/maven-metadata.xml?x=1&y=2", got[0].URI)
	assert.Equal(t, []lookup.EndpointKey{{Domain: "mydomain", Owner: "123456789012", Repository: "my-repo"}}, env.endpoints.resolved())
}

func TestRejectsUnmatchedPath(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	for _, path := range []string{
		"/Invalid_Domain/default/repo/x",
		"/mydomain/12345/my-repo/x",
		"/mydomain/default",
		"/",
	} {
		resp := env.do(t, fasthttp.MethodGet, path, nil)
		assert.Equal(t, fasthttp.StatusNotFound, resp.StatusCode(), path)
		assert.Equal(t, errorContentType, string(resp.Header.ContentType()), path)
		assert.Contains(t, string(resp.Body()), "does not match repository pattern", path)
		assert.Equal(t, serverHeaderValue, string(resp.Header.Server()), path)
	}
	assert.Empty(t, env.endpoints.resolved())
	assert.Zero(t, env.backend.dials.Load())
}

func TestUpstreamErrorStatus(t *testing.T) {
	tests := []struct {
		kind lookup.ErrorKind
		want int
	}{
		{lookup.KindValidation, fasthttp.StatusBadRequest},
		{lookup.KindNotFound, fasthttp.StatusNotFound},
		{lookup.KindUnavailable, fasthttp.StatusServiceUnavailable},
		{lookup.KindOther, fasthttp.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			upstreamErr := lookup.WithOp(lookup.NewUpstreamError(tt.kind, errors.New("boom")), "get repository endpoint")
			env := newTestEnvWith(t, testConfig(), nil, &recordingEndpoints{err: upstreamErr})

			resp := env.do(t, fasthttp.MethodGet, artifactPath, nil)
			assert.Equal(t, tt.want, resp.StatusCode())
			assert.Equal(t, upstreamErr.Error(), string(resp.Body()))
			assert.Equal(t, tt.want == fasthttp.StatusInternalServerError, resp.ConnectionClose())
			assert.Zero(t, env.backend.dials.Load())
		})
	}
}

func TestBackendConnectRefusedKeepsClientConnection(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	env.backend.refuse.Store(1)

	conn, err := net.Dial("tcp", env.server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	br := bufio.NewReader(conn)

	request := "GET " + artifactPath + " HTTP/1.1\r\nHost: proxy.local\r\n\r\n"

	resp := rawExchange(t, conn, br, request)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), "failed to connect to https://d-123.example.com:443")
	assert.False(t, resp.ConnectionClose())

	resp = rawExchange(t, conn, br, request)
	assert.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.Equal(t, "artifact", string(resp.Body()))
	assert.Equal(t, int32(1), env.backend.dials.Load())
}

func TestRequestBodyBufferedDuringSetup(t *testing.T) {
	body := bytes.Repeat([]byte("0123456789abcdef"), 4096)

	for _, maxBuffered := range []int{1024 * 1024, 2048} {
		t.Run("", func(t *testing.T) {
			cfg := testConfig()
			cfg.Server.MaxBufferedRequestBytes = maxBuffered

			endpoints := &recordingEndpoints{raw: testEndpoint, wait: make(chan struct{})}
			env := newTestEnvWith(t, cfg, nil, endpoints)
			time.AfterFunc(50*time.Millisecond, func() { close(endpoints.wait) })

			resp := env.do(t, fasthttp.MethodPut, "/mydomain/default/my-repo/com/acme/lib/1.0/lib-1.0.jar", body)
			require.Equal(t, fasthttp.StatusOK, resp.StatusCode())

			got := env.backend.received()
			require.Len(t, got, 1)
			assert.Equal(t, fasthttp.MethodPut, got[0].Method)
			assert.True(t, string(body) == got[0].Body, "request body must arrive unchanged and in order")
		})
	}
}

func TestChunkedRequestBody(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	conn, err := net.Dial("tcp", env.server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	resp := rawExchange(t, conn, bufio.NewReader(conn),
		"POST /mydomain/default/my-repo/upload HTTP/1.1\r\n"+
			"Host: proxy.local\r\n"+
			"Transfer-Encoding: chunked\r\n"+
			"\r\n"+
			"5\r\nhello\r\n"+
			"6\r\n world\r\n"+
			"0\r\n\r\n")
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())

	got := env.backend.received()
	require.Len(t, got, 1)
	assert.Equal(t, "hello world", got[0].Body)
}

func TestExpectContinueNotForwarded(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	conn, err := net.Dial("tcp", env.server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	br := bufio.NewReader(conn)

	_, err = io.WriteString(conn, "PUT /mydomain/default/my-repo/x.pom HTTP/1.1\r\n"+
		"Host: proxy.local\r\n"+
		"Content-Length: 5\r\n"+
		"Expect: 100-continue\r\n"+
		"\r\n")
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "100 Continue")
	_, err = br.ReadString('\n')
	require.NoError(t, err)

	resp := rawExchange(t, conn, br, "<pom>")
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())

	got := env.backend.received()
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Expect)
	assert.Equal(t, "<pom>", got[0].Body)
}

func TestResponseHeaderPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Response.StripHeaders = []string{"x-amz-*"}

	env := newTestEnv(t, cfg, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == "/maven/my-repo-1/proxied" {
			ctx.Response.Header.SetServer("backend/1.0")
		}
		ctx.Response.Header.Set("X-Amz-Request-Id", "1")
		ctx.Response.Header.Set("X-Checksum-Sha1", "da39a3ee")
		ctx.Response.Header.Set(fasthttp.HeaderKeepAlive, "timeout=5")
		ctx.SetBodyString("ok")
	})

	resp := env.do(t, fasthttp.MethodGet, "/mydomain/default/my-repo/generated", nil)
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.Equal(t, serverHeaderValue, string(resp.Header.Server()))
	assert.Empty(t, resp.Header.Peek(fasthttp.HeaderVia))
	assert.Empty(t, resp.Header.Peek("X-Amz-Request-Id"))
	assert.Empty(t, resp.Header.Peek(fasthttp.HeaderKeepAlive))
	assert.Equal(t, "da39a3ee", string(resp.Header.Peek("X-Checksum-Sha1")))

	resp = env.do(t, fasthttp.MethodGet, "/mydomain/default/my-repo/proxied", nil)
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.Equal(t, "backend/1.0", string(resp.Header.Server()))
	assert.Equal(t, viaHeaderValue, string(resp.Header.Peek(fasthttp.HeaderVia)))
}

func TestBackendConnectionReused(t *testing.T) {
	large := bytes.Repeat([]byte("x"), 4*streamThreshold)
	env := newTestEnv(t, testConfig(), func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == "/maven/my-repo-1/large.jar" {
			ctx.SetBody(large)
			return
		}
		ctx.SetBodyString("small")
	})

	for range 3 {
		resp := env.do(t, fasthttp.MethodGet, "/mydomain/default/my-repo/small.jar", nil)
		require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
		assert.Equal(t, "small", string(resp.Body()))
	}
	for range 2 {
		resp := env.do(t, fasthttp.MethodGet, "/mydomain/default/my-repo/large.jar", nil)
		require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
		assert.Equal(t, len(large), len(resp.Body()))
	}
	resp := env.do(t, fasthttp.MethodHead, "/mydomain/default/my-repo/large.jar", nil)
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.Equal(t, len(large), resp.Header.ContentLength())

	assert.Equal(t, int32(1), env.backend.dials.Load())
	assert.Len(t, env.backend.received(), 6)
}

func TestBackendConnectionCloseDiscardsConnection(t *testing.T) {
	env := newTestEnv(t, testConfig(), func(ctx *fasthttp.RequestCtx) {
		ctx.SetConnectionClose()
		ctx.SetBodyString("bye")
	})

	for range 2 {
		resp := env.do(t, fasthttp.MethodGet, artifactPath, nil)
		require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
		assert.Equal(t, "bye", string(resp.Body()))
		assert.False(t, resp.ConnectionClose(), "client keep-alive does not follow the backend")
	}
	assert.Equal(t, int32(2), env.backend.dials.Load())
}

func TestPreWarm(t *testing.T) {
	cfg := testConfig()
	cfg.PreWarm = config.PreWarmConfig{
		Enabled:               true,
		Repositories:          []string{"/mydomain/default/my-repo"},
		ConnectionsPerBackend: 3,
	}
	env := newTestEnv(t, cfg, nil)

	remote := connpool.RemoteKey{Host: "d-123.example.com", Port: 443, UseTLS: true}
	require.Eventually(t, func() bool {
		p, err := env.server.pools.Get(remote)
		return err == nil && p.Idle() == 3
	}, 5*time.Second, 10*time.Millisecond)

	resp := env.do(t, fasthttp.MethodGet, artifactPath, nil)
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.Equal(t, int32(3), env.backend.dials.Load())
}

func TestStopAndJoin(t *testing.T) {
	backend := startBackend(t, nil)
	s, err := New(testConfig(), &recordingEndpoints{raw: testEndpoint}, staticTokens(testToken), nil, WithBootstrap(backend))
	require.NoError(t, err)

	assert.Nil(t, s.Addr())
	require.NoError(t, s.Start())
	require.NotNil(t, s.Addr())
	assert.NotEqual(t, 0, s.Addr().(*net.TCPAddr).Port)
	assert.ErrorIs(t, s.Start(), ErrServerStarted)

	joined := make(chan error, 1)
	go func() { joined <- s.Join() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, <-joined)

	assert.ErrorIs(t, s.Start(), ErrServerStopped)
	_, err = net.Dial("tcp", s.Addr().String())
	assert.Error(t, err)
}

// brokenBodyStream yields n bytes and then fails.
type brokenBodyStream struct {
	n int
}

func (r *brokenBodyStream) Read(p []byte) (int, error) {
	if r.n == 0 {
		return 0, errors.New("backend storage failed")
	}
	n := min(len(p), r.n)
	for i := range n {
		p[i] = 'x'
	}
	r.n -= n
	return n, nil
}

func TestBackendFailureAfterResponseStarted(t *testing.T) {
	const size = 4 * streamThreshold
	env := newTestEnv(t, testConfig(), func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == "/maven/my-repo-1/broken.jar" {
			ctx.SetBodyStream(&brokenBodyStream{n: size / 2}, size)
			return
		}
		ctx.SetBodyString("ok")
	})

	conn, err := net.Dial("tcp", env.server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	br := bufio.NewReader(conn)

	_, err = io.WriteString(conn, "GET /mydomain/default/my-repo/broken.jar HTTP/1.1\r\nHost: proxy.local\r\n\r\n")
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var header fasthttp.ResponseHeader
	require.NoError(t, header.Read(br))
	assert.Equal(t, fasthttp.StatusOK, header.StatusCode())
	assert.Equal(t, size, header.ContentLength())

	received, err := io.Copy(io.Discard, br)
	require.NoError(t, err, "the client connection is closed")
	assert.Less(t, received, int64(size))

	resp := env.do(t, fasthttp.MethodGet, "/mydomain/default/my-repo/next.jar", nil)
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.Equal(t, "ok", string(resp.Body()))
	assert.Equal(t, int32(2), env.backend.dials.Load(), "the broken backend connection is not reused")
}

// writeLimitedConn accepts limit bytes and fails every later write.
type writeLimitedConn struct {
	net.Conn
	mu    sync.Mutex
	limit int
}

func (c *writeLimitedConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(p) > c.limit {
		return 0, syscall.EPIPE
	}
	c.limit -= len(p)
	return len(p), nil
}

// brokenFirstBootstrap hands out one connection that breaks while the request
// is written, and connects to the backend afterwards.
type brokenFirstBootstrap struct {
	backend *testBackend
	limit   int
	used    atomic.Bool
	pipes   []net.Conn
	mu      sync.Mutex
}

func (b *brokenFirstBootstrap) Connect(ctx context.Context, key connpool.RemoteKey) (net.Conn, error) {
	if b.used.Swap(true) {
		return b.backend.Connect(ctx, key)
	}
	client, server := net.Pipe()
	b.mu.Lock()
	b.pipes = append(b.pipes, client, server)
	b.mu.Unlock()
	return &writeLimitedConn{Conn: client, limit: b.limit}, nil
}

func (b *brokenFirstBootstrap) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.pipes {
		c.Close()
	}
}

func TestBackendWriteFailure(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		body  []byte
	}{
		{"request header", 0, nil},
		{"request body", 2048, bytes.Repeat([]byte("0123456789abcdef"), 4096)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := startBackend(t, nil)
			bootstrap := &brokenFirstBootstrap{backend: backend, limit: tt.limit}
			t.Cleanup(bootstrap.close)

			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			s, err := New(testConfig(), &recordingEndpoints{raw: testEndpoint}, staticTokens(testToken), logger, WithBootstrap(bootstrap))
			require.NoError(t, err)
			require.NoError(t, s.Start())
			env := &testEnv{
				server:  s,
				backend: backend,
				client: &fasthttp.HostClient{
					Addr:                   s.Addr().String(),
					DisablePathNormalizing: true,
					ReadTimeout:            5 * time.Second,
				},
			}
			t.Cleanup(func() {
				env.client.CloseIdleConnections()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				assert.NoError(t, s.Stop(ctx))
			})

			method := fasthttp.MethodGet
			if tt.body != nil {
				method = fasthttp.MethodPut
			}
			resp := env.do(t, method, artifactPath, tt.body)
			assert.Equal(t, fasthttp.StatusInternalServerError, resp.StatusCode())
			assert.True(t, resp.ConnectionClose())
			assert.Equal(t, errorContentType, string(resp.Header.ContentType()))
			assert.Contains(t, string(resp.Body()), "failed to write request to backend")

			resp = env.do(t, method, artifactPath, tt.body)
			assert.Equal(t, fasthttp.StatusOK, resp.StatusCode())
			assert.Equal(t, "artifact", string(resp.Body()))
			require.Len(t, backend.received(), 1)
			assert.Equal(t, string(tt.body), backend.received()[0].Body)
		})
	}
}

func TestNoBodyResponses(t *testing.T) {
	env := newTestEnv(t, testConfig(), func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/maven/my-repo-1/cached.pom":
			ctx.Response.Header.Set(fasthttp.HeaderETag, `"v1"`)
			ctx.SetStatusCode(fasthttp.StatusNotModified)
		default:
			ctx.SetStatusCode(fasthttp.StatusNoContent)
		}
	})

	for range 2 {
		resp := env.do(t, fasthttp.MethodGet, "/mydomain/default/my-repo/cached.pom", nil)
		assert.Equal(t, fasthttp.StatusNotModified, resp.StatusCode())
		assert.Equal(t, `"v1"`, string(resp.Header.Peek(fasthttp.HeaderETag)))
		assert.Empty(t, resp.Body())

		resp = env.do(t, fasthttp.MethodPut, "/mydomain/default/my-repo/com/acme/lib/1.0/lib.pom", []byte("<project/>"))
		assert.Equal(t, fasthttp.StatusNoContent, resp.StatusCode())
		assert.Empty(t, resp.Body())
	}
	assert.Equal(t, int32(1), env.backend.dials.Load())
	assert.Len(t, env.backend.received(), 4)
}

func TestStartAfterStopWithoutStart(t *testing.T) {
	s, err := New(testConfig(), &recordingEndpoints{raw: testEndpoint}, staticTokens(testToken), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.ErrorIs(t, s.Start(), ErrServerStopped)
	assert.Nil(t, s.Addr())
}
