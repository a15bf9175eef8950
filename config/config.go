// Package config provides configuration management for the artifact repository proxy.
// It handles loading and parsing of YAML configuration files, environment variables and
// command-line flags using the viper library, and provides strongly typed configuration
// structures for all proxy settings.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variables that override configuration keys.
// The key "codeartifact.token_ttl" is read from ARTIFACT_PROXY_CODEARTIFACT_TOKEN_TTL.
const EnvPrefix = "ARTIFACT_PROXY"

// Config represents the complete proxy server configuration.
// It contains all settings necessary for running the proxy server,
// including server parameters, the CodeArtifact directory client, backend
// connection pooling options, response header policy and logging preferences.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	CodeArtifact CodeArtifactConfig `mapstructure:"codeartifact"`
	Backend      BackendConfig      `mapstructure:"backend"`
	Response     ResponseConfig     `mapstructure:"response"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	PreWarm      PreWarmConfig      `mapstructure:"pre_warm"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// ServerConfig defines the frontend listener settings including address binding,
// timeouts, connection limits and request buffering bounds.
type ServerConfig struct {
	BindAddress   string        `mapstructure:"bind_address"`
	Port          int           `mapstructure:"port"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	Concurrency   int           `mapstructure:"concurrency"`
	Workers       int           `mapstructure:"workers"`
	ProxyProtocol bool          `mapstructure:"proxy_protocol"`

	// MaxBufferedRequestBytes bounds the request body bytes held in memory while
	// the backend connection for a request is still being set up.
	MaxBufferedRequestBytes int `mapstructure:"max_buffered_request_bytes"`
	FragmentSize            int `mapstructure:"fragment_size"`
}

// ListenAddress returns the host:port pair the proxy listens on.
func (s *ServerConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.Port)
}

// CodeArtifactConfig holds the settings of the AWS CodeArtifact client used to
// resolve repository endpoints and issue authorization tokens.
type CodeArtifactConfig struct {
	Region           string        `mapstructure:"region"`
	EndpointOverride string        `mapstructure:"endpoint_override"`
	TokenTTL         string        `mapstructure:"token_ttl"`
	EndpointCacheTTL time.Duration `mapstructure:"endpoint_cache_ttl"`
	EagerInit        bool          `mapstructure:"eager_init"`
	// Debug logs the requests, responses and retries of the AWS SDK client.
	Debug bool `mapstructure:"debug"`
}

// TokenTTLHint parses the requested token lifetime. The second return value is false
// when no lifetime is configured, in which case the service default applies.
func (c *CodeArtifactConfig) TokenTTLHint() (time.Duration, bool, error) {
	if strings.TrimSpace(c.TokenTTL) == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(c.TokenTTL)
	if err != nil {
		return 0, false, fmt.Errorf("invalid token ttl %q: %w", c.TokenTTL, err)
	}
	if d != 0 && (d < MinTokenTTL || d > MaxTokenTTL) {
		return 0, false, fmt.Errorf("token ttl %s must be 0 or between %s and %s", d, MinTokenTTL, MaxTokenTTL)
	}
	return d, true, nil
}

// BackendConfig defines how connections to the resolved repository endpoints
// are established and pooled.
type BackendConfig struct {
	Username            string        `mapstructure:"username"`
	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	InsecureSkipVerify  bool          `mapstructure:"insecure_skip_verify"`
}

// ResponseConfig controls which backend response headers are removed before a
// response is passed on to the client. Entries are glob patterns matched
// case-insensitively against header names.
type ResponseConfig struct {
	StripHeaders []string `mapstructure:"strip_headers"`
}

// PreWarmConfig defines the settings for pre-warming caches and connections.
// Each configured repository path is resolved once on startup, and the given number
// of connections is opened to its backend.
type PreWarmConfig struct {
	Enabled               bool     `mapstructure:"enabled"`
	Repositories          []string `mapstructure:"repositories"`
	ConnectionsPerBackend int      `mapstructure:"connections_per_backend"`
}

// LoggingConfig contains settings for controlling the proxy's logging behavior,
// including enabling/disabling logging and setting the log level.
type LoggingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Level   string `mapstructure:"level"`
	Debug   bool   `mapstructure:"debug"`
	// Wiretap lists the traffic logged byte for byte: "http", "ssl" or "all".
	Wiretap []string `mapstructure:"wiretap"`
}

// GetLevel converts the string log level from the configuration
// into a slog.Level value. If an invalid level is specified,
// it defaults to slog.LevelInfo. Debug overrides the configured level.
func (l *LoggingConfig) GetLevel() slog.Level {
	if l.Debug {
		return slog.LevelDebug
	}
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MetricsConfig holds the address of the prometheus metrics listener.
// An empty address disables the metrics endpoint.
type MetricsConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"bind":            "server.bind_address",
	"port":            "server.port",
	"workers":         "server.workers",
	"token-ttl":       "codeartifact.token_ttl",
	"endpoint-ttl":    "codeartifact.endpoint_cache_ttl",
	"eager-init":      "codeartifact.eager_init",
	"region":          "codeartifact.region",
	"endpoint":        "codeartifact.endpoint_override",
	"debug":           "logging.debug",
	"aws-debug":       "codeartifact.debug",
	"wiretap":         "logging.wiretap",
	"metrics-address": "metrics.listen_address",
}

// LoadConfig reads and parses the configuration. The configuration file is optional;
// when configPath is empty only defaults, environment variables and flags are used.
// Flags that were set explicitly take precedence over every other source.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the configuration for values the proxy cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxBufferedRequestBytes <= 0 {
		errs = append(errs, errors.New("server.max_buffered_request_bytes must be positive"))
	}
	if c.Server.FragmentSize <= 0 {
		errs = append(errs, errors.New("server.fragment_size must be positive"))
	}
	if c.CodeArtifact.EndpointCacheTTL < 0 {
		errs = append(errs, errors.New("codeartifact.endpoint_cache_ttl must not be negative"))
	}
	if _, _, err := c.CodeArtifact.TokenTTLHint(); err != nil {
		errs = append(errs, err)
	}
	if c.Backend.Username == "" {
		errs = append(errs, errors.New("backend.username must not be empty"))
	}
	return errors.Join(errs...)
}
