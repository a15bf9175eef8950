package lookup

import (
	"context"
	"net/url"
	"time"
)

// EndpointKey identifies a repository whose endpoint is resolved.
//
// An empty Owner means the owner is inferred from the caller identity. It is a
// different key than the explicit owner it resolves to, which saves an identity
// lookup per request.
type EndpointKey struct {
	Domain     string
	Owner      string
	Repository string
}

func (k EndpointKey) String() string {
	return k.Domain + "/" + ownerString(k.Owner) + "/" + k.Repository
}

// EndpointResolver resolves the base URI of a repository.
type EndpointResolver interface {
	ResolveEndpoint(ctx context.Context, key EndpointKey) (*url.URL, error)
}

// EndpointResolverFunc adapts a function to the EndpointResolver interface.
type EndpointResolverFunc func(ctx context.Context, key EndpointKey) (*url.URL, error)

// ResolveEndpoint calls f(ctx, key).
func (f EndpointResolverFunc) ResolveEndpoint(ctx context.Context, key EndpointKey) (*url.URL, error) {
	return f(ctx, key)
}

// CachingEndpointResolver decorates an EndpointResolver with a single-flight cache.
//
// Successful and failed resolutions are both kept for the configured TTL. A
// transient failure therefore keeps failing until its entry expires; with an
// unbounded TTL that is until the process restarts.
type CachingEndpointResolver struct {
	cache *Cache[EndpointKey, *url.URL]
}

// CacheEndpoints wraps resolver in a cache whose entries expire ttl after they
// were written. A ttl of zero keeps entries forever.
func CacheEndpoints(resolver EndpointResolver, ttl time.Duration, opts ...CacheOption) *CachingEndpointResolver {
	expiry := func(_ *url.URL, _ error, now time.Time) time.Time {
		if ttl <= 0 {
			return time.Time{}
		}
		return now.Add(ttl)
	}
	return &CachingEndpointResolver{
		cache: NewCache("endpoint", resolver.ResolveEndpoint, expiry, opts...),
	}
}

// ResolveEndpoint returns the cached endpoint for key. The returned URL is a
// copy and may be modified by the caller.
func (r *CachingEndpointResolver) ResolveEndpoint(ctx context.Context, key EndpointKey) (*url.URL, error) {
	u, err := r.cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c := *u
	return &c, nil
}

// Purge drops every cached endpoint.
func (r *CachingEndpointResolver) Purge() {
	r.cache.Purge()
}

func ownerString(owner string) string {
	if owner == "" {
		return "(default)"
	}
	return owner
}
