package config

import (
	"time"

	"github.com/spf13/viper"
)

// MinTokenTTL and MaxTokenTTL bound the authorization token lifetime that may be
// requested from CodeArtifact. A lifetime of zero is also accepted and ties the
// token to the lifetime of the caller's credentials.
const (
	MinTokenTTL = 15 * time.Minute
	MaxTokenTTL = 12 * time.Hour
)

// DefaultBindAddress keeps the proxy local unless configured otherwise.
const DefaultBindAddress = "127.0.0.1"

// DefaultMaxBufferedRequestBytes is the request body budget held while a backend
// connection is being set up (1MB).
const DefaultMaxBufferedRequestBytes = 1024 * 1024

// DefaultFragmentSize is the unit in which request bodies are read and forwarded.
const DefaultFragmentSize = 32 * 1024

// DefaultUsername is the user name paired with the authorization token in the
// Basic credentials sent to the repository.
const DefaultUsername = "aws"

// DefaultDialTimeout is the TCP dial timeout for backend connections.
const DefaultDialTimeout = 30 * time.Second

// DefaultMaxIdleConnsPerHost caps idle pooled connections per backend remote.
const DefaultMaxIdleConnsPerHost = 64

// DefaultBackendIdleTimeout drops pooled connections that were idle for too long.
const DefaultBackendIdleTimeout = 90 * time.Second

// DefaultPreWarmConnections is the number of connections opened per pre-warmed backend.
const DefaultPreWarmConnections = 2

// SetDefaults registers the default value of every configuration key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.bind_address", DefaultBindAddress)
	v.SetDefault("server.port", 0)
	v.SetDefault("server.read_timeout", time.Duration(0))
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.idle_timeout", time.Duration(0))
	v.SetDefault("server.concurrency", 0)
	v.SetDefault("server.workers", 0)
	v.SetDefault("server.proxy_protocol", false)
	v.SetDefault("server.max_buffered_request_bytes", DefaultMaxBufferedRequestBytes)
	v.SetDefault("server.fragment_size", DefaultFragmentSize)

	v.SetDefault("codeartifact.region", "")
	v.SetDefault("codeartifact.endpoint_override", "")
	v.SetDefault("codeartifact.token_ttl", "")
	v.SetDefault("codeartifact.endpoint_cache_ttl", time.Duration(0))
	v.SetDefault("codeartifact.eager_init", false)
	v.SetDefault("codeartifact.debug", false)

	v.SetDefault("backend.username", DefaultUsername)
	v.SetDefault("backend.dial_timeout", DefaultDialTimeout)
	v.SetDefault("backend.max_idle_conns_per_host", DefaultMaxIdleConnsPerHost)
	v.SetDefault("backend.idle_timeout", DefaultBackendIdleTimeout)
	v.SetDefault("backend.read_timeout", time.Duration(0))
	v.SetDefault("backend.write_timeout", time.Duration(0))
	v.SetDefault("backend.insecure_skip_verify", false)

	v.SetDefault("response.strip_headers", []string{})

	v.SetDefault("pre_warm.enabled", false)
	v.SetDefault("pre_warm.repositories", []string{})
	v.SetDefault("pre_warm.connections_per_backend", DefaultPreWarmConnections)

	v.SetDefault("logging.enabled", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.debug", false)
	v.SetDefault("logging.wiretap", []string{})

	v.SetDefault("metrics.listen_address", "")
}
