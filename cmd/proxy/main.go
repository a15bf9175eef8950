package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/davidalecrim/artifact-proxy/codeartifact"
	"github.com/davidalecrim/artifact-proxy/config"
	"github.com/davidalecrim/artifact-proxy/lookup"
	"github.com/davidalecrim/artifact-proxy/metrics"
	"github.com/davidalecrim/artifact-proxy/proxy"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "artifact-proxy",
		Short:        "Maven proxy for AWS CodeArtifact repositories",
		Long:         "artifact-proxy serves /<domain>/<domain-owner>/<repository>/... and forwards each request to the CodeArtifact repository endpoint with a short-lived authorization token.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath, cmd.Flags())
			if err != nil {
				slog.Error("failed to load configuration", "error", err)
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	flags.StringP("bind", "b", config.DefaultBindAddress, "Host name or IP address to listen on")
	flags.IntP("port", "p", 0, "HTTP port to listen on")
	flags.Int("workers", 0, "Number of worker threads (0 uses every CPU)")
	flags.StringP("token-ttl", "t", "", "Time-to-live for CodeArtifact authorization tokens")
	flags.Duration("endpoint-ttl", 0, "Cache TTL for CodeArtifact repository endpoints (0 caches forever)")
	flags.Bool("eager-init", false, "Initialize the AWS client on startup instead of on the first request")
	flags.String("region", "", "AWS region of the CodeArtifact service")
	flags.String("endpoint", "", "Override the CodeArtifact service endpoint")
	flags.Bool("debug", false, "Enable debug logging")
	flags.Bool("aws-debug", false, "Log the requests and responses of the AWS SDK client")
	flags.StringSlice("wiretap", nil, `Traffic to log byte for byte: "all" (default without a value) or a comma-separated list of "http", "ssl"`)
	flags.Lookup("wiretap").NoOptDefVal = "all"
	flags.String("metrics-address", "", "Address of the prometheus metrics listener")

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logOpts := &slog.HandlerOptions{
		Level: cfg.Logging.GetLevel(),
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, logOpts))
	slog.SetDefault(logger)

	if cfg.Server.Workers > 0 {
		runtime.GOMAXPROCS(cfg.Server.Workers)
	}

	var (
		m         *metrics.Prometheus
		metricsLn net.Listener
		cacheOpts []lookup.CacheOption
		proxyOpts []proxy.Option
	)
	if cfg.Metrics.ListenAddress != "" {
		m = metrics.NewPrometheus(metrics.Options{EnableRuntimeMetrics: true})
		ln, err := net.Listen("tcp", cfg.Metrics.ListenAddress)
		if err != nil {
			logger.Error("failed to listen for metrics", "address", cfg.Metrics.ListenAddress, "error", err)
			return err
		}
		metricsLn = ln
		defer metricsLn.Close()
		go func() {
			if err := m.Serve(ln); err != nil && !errors.Is(err, net.ErrClosed) {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
		logger.Info("serving metrics", "address", ln.Addr().String())

		cacheOpts = append(cacheOpts, lookup.WithRecorder(m))
		proxyOpts = append(proxyOpts, proxy.WithMetrics(m))
	}

	tokenTTL, sendTokenTTL, err := cfg.CodeArtifact.TokenTTLHint()
	if err != nil {
		return err
	}
	caOpts := codeartifact.Options{
		Region:           cfg.CodeArtifact.Region,
		EndpointOverride: cfg.CodeArtifact.EndpointOverride,
		TokenTTL:         tokenTTL,
		SendTokenTTL:     sendTokenTTL,
		Eager:            cfg.CodeArtifact.EagerInit,
		Debug:            cfg.CodeArtifact.Debug,
		Logger:           logger,
	}
	if m != nil {
		caOpts.Recorder = m
	}
	client, err := codeartifact.New(ctx, caOpts)
	if err != nil {
		logger.Error("failed to create CodeArtifact client", "error", err)
		return err
	}

	endpoints := lookup.CacheEndpoints(client, cfg.CodeArtifact.EndpointCacheTTL, cacheOpts...)
	tokens := lookup.CacheTokens(client, cacheOpts...)

	p, err := proxy.New(cfg, endpoints, tokens, logger, proxyOpts...)
	if err != nil {
		logger.Error("failed to create proxy", "error", err)
		return err
	}
	if err := p.Start(); err != nil {
		logger.Error("failed to start proxy", "error", err)
		return err
	}
	logger.Info("proxy listening", "address", p.Addr().String())

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		logger.Error("error during shutdown", "error", err)
		return err
	}
	return p.Join()
}
