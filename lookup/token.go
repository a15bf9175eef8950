package lookup

import (
	"context"
	"fmt"
	"time"
)

// TokenKey identifies the scope of an authorization token. Tokens are scoped to a
// domain and owner, never to a single repository.
type TokenKey struct {
	Domain string
	Owner  string
}

func (k TokenKey) String() string {
	return k.Domain + "/" + ownerString(k.Owner)
}

// Token is a short-lived bearer credential.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenIssuer issues authorization tokens.
type TokenIssuer interface {
	IssueToken(ctx context.Context, key TokenKey) (Token, error)
}

// TokenIssuerFunc adapts a function to the TokenIssuer interface.
type TokenIssuerFunc func(ctx context.Context, key TokenKey) (Token, error)

// IssueToken calls f(ctx, key).
func (f TokenIssuerFunc) IssueToken(ctx context.Context, key TokenKey) (Token, error) {
	return f(ctx, key)
}

// CachingTokenIssuer decorates a TokenIssuer with a single-flight cache.
//
// Each token is kept for its remaining lifetime at the time it was fetched,
// max(0, ExpiresAt-now). Reads never extend that lifetime. A failed fetch has no
// lifetime and is retried by the next caller.
type CachingTokenIssuer struct {
	cache *Cache[TokenKey, Token]
	now   func() time.Time
}

// CacheTokens wraps issuer in a token cache.
func CacheTokens(issuer TokenIssuer, opts ...CacheOption) *CachingTokenIssuer {
	o := cacheOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	t := &CachingTokenIssuer{now: o.now}
	t.cache = NewCache("token", t.fetcher(issuer), tokenExpiry, opts...)
	return t
}

// IssueToken returns a cached token for key, fetching a new one once the cached
// token has expired.
func (t *CachingTokenIssuer) IssueToken(ctx context.Context, key TokenKey) (Token, error) {
	return t.cache.Get(ctx, key)
}

// Purge drops every cached token.
func (t *CachingTokenIssuer) Purge() {
	t.cache.Purge()
}

func (t *CachingTokenIssuer) fetcher(issuer TokenIssuer) FetchFunc[TokenKey, Token] {
	return func(ctx context.Context, key TokenKey) (Token, error) {
		tok, err := issuer.IssueToken(ctx, key)
		if err != nil {
			return Token{}, err
		}
		if !tok.ExpiresAt.After(t.now()) {
			return Token{}, NewUpstreamError(KindOther, fmt.Errorf("token for %s expired at %s", key, tok.ExpiresAt.Format(time.RFC3339)))
		}
		return tok, nil
	}
}

func tokenExpiry(tok Token, err error, now time.Time) time.Time {
	if err != nil {
		return now
	}
	if tok.ExpiresAt.Before(now) {
		return now
	}
	return tok.ExpiresAt
}
