// Package codeartifact resolves repository endpoints and issues authorization
// tokens using the AWS CodeArtifact API.
package codeartifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/codeartifact"
	"github.com/aws/aws-sdk-go-v2/service/codeartifact/types"

	"github.com/davidalecrim/artifact-proxy/lookup"
)

// Operation names reported in errors, logs and metrics.
const (
	OpGetEndpoint = "get repository endpoint"
	OpGetToken    = "get authorization token"
)

// API is the subset of the CodeArtifact client used by the proxy.
type API interface {
	GetRepositoryEndpoint(ctx context.Context, params *codeartifact.GetRepositoryEndpointInput, optFns ...func(*codeartifact.Options)) (*codeartifact.GetRepositoryEndpointOutput, error)
	GetAuthorizationToken(ctx context.Context, params *codeartifact.GetAuthorizationTokenInput, optFns ...func(*codeartifact.Options)) (*codeartifact.GetAuthorizationTokenOutput, error)
}

// Recorder observes calls made to the CodeArtifact API.
type Recorder interface {
	UpstreamCall(op string, kind string, elapsed time.Duration)
}

// Options configures a Client.
type Options struct {
	// Region overrides the region from the default AWS configuration chain.
	Region string
	// EndpointOverride replaces the CodeArtifact service endpoint, e.g. for a local emulator.
	EndpointOverride string
	// TokenTTL is the requested token lifetime. It is only sent when SendTokenTTL is set.
	// Zero ties the token to the lifetime of the caller's credentials.
	TokenTTL     time.Duration
	SendTokenTTL bool
	// Eager creates the AWS client in New instead of on first use.
	Eager bool
	// Debug logs AWS SDK requests, responses and retries at debug level.
	Debug bool

	Logger   *slog.Logger
	Recorder Recorder
}

// Client implements lookup.EndpointResolver and lookup.TokenIssuer.
type Client struct {
	api             func() (API, error)
	durationSeconds *int64
	logger          *slog.Logger
	recorder        Recorder
}

// New creates a Client backed by the AWS SDK. With Options.Eager the AWS
// configuration is loaded immediately and any error is returned; otherwise it is
// loaded on the first call and errors surface from that call.
func New(ctx context.Context, opts Options) (*Client, error) {
	lazy := &lazyAPI{load: func() (API, error) {
		return newAPI(context.WithoutCancel(ctx), opts)
	}}

	c := newClient(lazy.get, opts)
	if opts.Eager {
		if _, err := lazy.get(); err != nil {
			return nil, err
		}
		c.logger.Debug("created CodeArtifact client", "region", opts.Region)
	}
	return c, nil
}

// lazyAPI creates the AWS client on first use. Only a successful creation is
// kept; after a failure the next caller tries again.
type lazyAPI struct {
	mu   sync.Mutex
	api  API
	load func() (API, error)
}

func (l *lazyAPI) get() (API, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.api != nil {
		return l.api, nil
	}
	api, err := l.load()
	if err != nil {
		return nil, err
	}
	l.api = api
	return api, nil
}

// NewWithAPI creates a Client that calls api directly.
func NewWithAPI(api API, opts Options) *Client {
	return newClient(func() (API, error) { return api, nil }, opts)
}

func newClient(api func() (API, error), opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		api:      api,
		logger:   logger.With("component", "codeartifact"),
		recorder: opts.Recorder,
	}
	if opts.SendTokenTTL {
		c.durationSeconds = aws.Int64(int64(opts.TokenTTL / time.Second))
	}
	return c
}

func newAPI(ctx context.Context, opts Options) (API, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.Debug {
		loadOpts = append(loadOpts,
			awsconfig.WithLogger(sdkLogger{logger: sdkLogOutput(opts.Logger)}),
			awsconfig.WithClientLogMode(aws.LogRequest|aws.LogResponse|aws.LogRetries|aws.LogSigning),
		)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return codeartifact.NewFromConfig(cfg, func(o *codeartifact.Options) {
		if opts.EndpointOverride != "" {
			o.BaseEndpoint = aws.String(opts.EndpointOverride)
		}
	}), nil
}

// ResolveEndpoint returns the maven endpoint of the repository identified by key.
func (c *Client) ResolveEndpoint(ctx context.Context, key lookup.EndpointKey) (u *url.URL, err error) {
	c.logger.Info("requesting CodeArtifact endpoint",
		"domain", key.Domain,
		"domain_owner", ownerAttr(key.Owner),
		"repository", key.Repository,
	)

	defer c.observe(OpGetEndpoint, time.Now(), &err)

	api, err := c.api()
	if err != nil {
		return nil, lookup.WithOp(err, OpGetEndpoint)
	}

	out, err := api.GetRepositoryEndpoint(ctx, &codeartifact.GetRepositoryEndpointInput{
		Domain:      aws.String(key.Domain),
		DomainOwner: optionalString(key.Owner),
		Repository:  aws.String(key.Repository),
		Format:      types.PackageFormatMaven,
	})
	if err != nil {
		return nil, lookup.WithOp(Classify(err), OpGetEndpoint)
	}

	endpoint := aws.ToString(out.RepositoryEndpoint)
	if endpoint == "" {
		return nil, lookup.WithOp(errors.New("empty repository endpoint in response"), OpGetEndpoint)
	}

	u, err = url.Parse(endpoint)
	if err != nil {
		return nil, lookup.WithOp(fmt.Errorf("invalid repository endpoint: %w", err), OpGetEndpoint)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, lookup.WithOp(fmt.Errorf("unsupported repository endpoint scheme %q", u.Scheme), OpGetEndpoint)
	}

	c.logger.Info("resolved CodeArtifact endpoint", "endpoint", u.String())
	return u, nil
}

// IssueToken requests an authorization token for the domain identified by key.
func (c *Client) IssueToken(ctx context.Context, key lookup.TokenKey) (tok lookup.Token, err error) {
	c.logger.Info("requesting CodeArtifact authorization token",
		"domain", key.Domain,
		"domain_owner", ownerAttr(key.Owner),
	)

	defer c.observe(OpGetToken, time.Now(), &err)

	api, err := c.api()
	if err != nil {
		return lookup.Token{}, lookup.WithOp(err, OpGetToken)
	}

	out, err := api.GetAuthorizationToken(ctx, &codeartifact.GetAuthorizationTokenInput{
		Domain:          aws.String(key.Domain),
		DomainOwner:     optionalString(key.Owner),
		DurationSeconds: c.durationSeconds,
	})
	if err != nil {
		return lookup.Token{}, lookup.WithOp(Classify(err), OpGetToken)
	}
	if out.AuthorizationToken == nil || out.Expiration == nil {
		return lookup.Token{}, lookup.WithOp(errors.New("incomplete authorization token in response"), OpGetToken)
	}

	tok = lookup.Token{
		Value:     aws.ToString(out.AuthorizationToken),
		ExpiresAt: aws.ToTime(out.Expiration),
	}
	c.logger.Info("retrieved authorization token", "expires_at", tok.ExpiresAt)
	return tok, nil
}

func (c *Client) observe(op string, start time.Time, errp *error) {
	elapsed := time.Since(start)
	kind := "ok"
	if *errp != nil {
		kind = KindOf(*errp).String()
		c.logger.Warn("CodeArtifact call failed", "operation", op, "error", *errp, "duration", elapsed)
	}
	if c.recorder != nil {
		c.recorder.UpstreamCall(op, kind, elapsed)
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

func ownerAttr(owner string) string {
	if owner == "" {
		return "(default)"
	}
	return owner
}
