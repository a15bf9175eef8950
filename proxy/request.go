package proxy

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/davidalecrim/artifact-proxy/connpool"
	"github.com/davidalecrim/artifact-proxy/lookup"
	"github.com/davidalecrim/artifact-proxy/route"
	"github.com/sourcegraph/conc/pool"
	"github.com/valyala/fasthttp"
)

// Orchestrator resolves the backend of a request and binds it to a pooled
// connection.
type Orchestrator struct {
	endpoints lookup.EndpointResolver
	tokens    lookup.TokenIssuer
	pools     *connpool.Map
	username  string
	logger    *slog.Logger
}

// NewOrchestrator creates an orchestrator that authenticates forwarded
// requests as username.
func NewOrchestrator(endpoints lookup.EndpointResolver, tokens lookup.TokenIssuer, pools *connpool.Map, username string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		endpoints: endpoints,
		tokens:    tokens,
		pools:     pools,
		username:  username,
		logger:    logger,
	}
}

// Target is a request ready to be written to its backend.
type Target struct {
	Coordinates route.Coordinates
	Endpoint    *url.URL
	// Header is the rewritten request header.
	Header *fasthttp.RequestHeader
	// Conn is acquired and ready to be written to. The caller owns it and must
	// release or discard it.
	Conn *connpool.Conn
}

type backend struct {
	coords   route.Coordinates
	endpoint *url.URL
	token    lookup.Token
	remote   connpool.RemoteKey
}

func (o *Orchestrator) resolve(ctx context.Context, path string) (backend, error) {
	coords, err := route.Parse(path)
	if err != nil {
		return backend{}, &NotFoundError{Path: path}
	}

	endpoint, err := o.endpoints.ResolveEndpoint(ctx, lookup.EndpointKey{
		Domain:     coords.Domain,
		Owner:      coords.Owner,
		Repository: coords.Repository,
	})
	if err != nil {
		return backend{}, err
	}

	token, err := o.tokens.IssueToken(ctx, lookup.TokenKey{
		Domain: coords.Domain,
		Owner:  coords.Owner,
	})
	if err != nil {
		return backend{}, err
	}

	remote, err := connpool.RemoteKeyFromURL(endpoint)
	if err != nil {
		return backend{}, fmt.Errorf("invalid endpoint %s for repository %s: %w", endpoint, coords.Repository, err)
	}

	return backend{coords: coords, endpoint: endpoint, token: token, remote: remote}, nil
}

func (o *Orchestrator) acquire(ctx context.Context, remote connpool.RemoteKey) (*connpool.Conn, error) {
	conn, err := o.pools.Acquire(ctx, remote)
	if err != nil {
		return nil, &BackendConnectError{Remote: remote, Err: err}
	}
	if err := conn.Ready(ctx); err != nil {
		_ = conn.Discard()
		return nil, &BackendConnectError{Remote: remote, Err: err}
	}
	return conn, nil
}

// Prepare routes the request with header h, raw path and raw query to its
// repository endpoint. The header is rewritten in place for the backend.
func (o *Orchestrator) Prepare(ctx context.Context, h *fasthttp.RequestHeader, path, query string) (*Target, error) {
	b, err := o.resolve(ctx, path)
	if err != nil {
		return nil, err
	}

	conn, err := o.acquire(ctx, b.remote)
	if err != nil {
		return nil, err
	}

	basePath := b.endpoint.EscapedPath()
	rewriteRequestHeader(h,
		route.ForwardPath(basePath, b.coords.SubPath, query),
		b.endpoint.Host,
		basicAuth(o.username, b.token.Value),
	)

	o.logger.Debug("bound request to backend",
		"domain", b.coords.Domain,
		"repository", b.coords.Repository,
		"remote", b.remote.String(),
		"reused", conn.Reused(),
	)

	return &Target{
		Coordinates: b.coords,
		Endpoint:    b.endpoint,
		Header:      h,
		Conn:        conn,
	}, nil
}

// Warm resolves the repository at path and opens n connections to its
// endpoint, which are returned to the pool idle.
func (o *Orchestrator) Warm(ctx context.Context, path string, n int) error {
	b, err := o.resolve(ctx, path)
	if err != nil {
		return err
	}

	wg := pool.NewWithResults[*connpool.Conn]().WithErrors().WithContext(ctx)
	for range n {
		wg.Go(func(ctx context.Context) (*connpool.Conn, error) {
			return o.acquire(ctx, b.remote)
		})
	}
	conns, err := wg.Wait()
	for _, c := range conns {
		_ = c.Release()
	}
	return err
}

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
