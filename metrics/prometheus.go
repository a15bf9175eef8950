// Package metrics exposes the proxy's prometheus metrics.
//
// All recording methods are safe to call on a nil *Prometheus, which records
// nothing.
package metrics

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	promNamespace        = "artifact_proxy"
	promServeSubsystem   = "serve"
	promCacheSubsystem   = "cache"
	promPoolSubsystem    = "backend_pool"
	promUpstreamSubystem = "codeartifact"
)

// Options configure the metrics backend.
type Options struct {
	// Registry is used instead of a new registry when set.
	Registry *prometheus.Registry
	// EnableRuntimeMetrics adds the process and Go runtime collectors.
	EnableRuntimeMetrics bool
	HistogramBuckets     []float64
}

// Prometheus implements the recorder interfaces of the proxy components.
type Prometheus struct {
	requestsM        *prometheus.CounterVec
	requestDurationM *prometheus.HistogramVec
	sessionsM        prometheus.Gauge
	cacheLookupsM    *prometheus.CounterVec
	connCreatedM     *prometheus.CounterVec
	connReusedM      *prometheus.CounterVec
	connDiscardedM   *prometheus.CounterVec
	upstreamM        *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewPrometheus creates and registers all collectors.
func NewPrometheus(opts Options) *Prometheus {
	buckets := opts.HistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	p := &Prometheus{
		requestsM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: promServeSubsystem,
			Name:      "requests_total",
			Help:      "Total number of proxied requests by response status code.",
		}, []string{"code", "method"}),
		requestDurationM: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Subsystem: promServeSubsystem,
			Name:      "request_duration_seconds",
			Help:      "Duration in seconds of a request/response exchange.",
			Buckets:   buckets,
		}, []string{"method"}),
		sessionsM: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Subsystem: promServeSubsystem,
			Name:      "active_sessions",
			Help:      "Number of open frontend connections.",
		}),
		cacheLookupsM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: promCacheSubsystem,
			Name:      "lookups_total",
			Help:      "Total number of cache lookups by cache and result.",
		}, []string{"cache", "result"}),
		connCreatedM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: promPoolSubsystem,
			Name:      "connections_created_total",
			Help:      "Total number of backend connections established.",
		}, []string{"remote"}),
		connReusedM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: promPoolSubsystem,
			Name:      "connections_reused_total",
			Help:      "Total number of idle backend connections reused.",
		}, []string{"remote"}),
		connDiscardedM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: promPoolSubsystem,
			Name:      "connections_discarded_total",
			Help:      "Total number of backend connections closed by the pool.",
		}, []string{"remote", "reason"}),
		upstreamM: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Subsystem: promUpstreamSubystem,
			Name:      "call_duration_seconds",
			Help:      "Duration in seconds of CodeArtifact API calls.",
			Buckets:   buckets,
		}, []string{"operation", "result"}),
		registry: opts.Registry,
	}

	if p.registry == nil {
		p.registry = prometheus.NewRegistry()
	}

	p.registry.MustRegister(
		p.requestsM,
		p.requestDurationM,
		p.sessionsM,
		p.cacheLookupsM,
		p.connCreatedM,
		p.connReusedM,
		p.connDiscardedM,
		p.upstreamM,
	)
	if opts.EnableRuntimeMetrics {
		p.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		p.registry.MustRegister(collectors.NewGoCollector())
	}
	return p
}

// Registry returns the registry the collectors are registered with.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// CreateHandler returns an http.Handler serving the registry.
func (p *Prometheus) CreateHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Serve serves the metrics on ln until the listener is closed.
func (p *Prometheus) Serve(ln net.Listener) error {
	s := &fasthttp.Server{
		Handler:               fasthttpadaptor.NewFastHTTPHandler(p.CreateHandler()),
		NoDefaultServerHeader: true,
	}
	return s.Serve(ln)
}

// Request records a completed request/response exchange.
func (p *Prometheus) Request(method string, code int, elapsed time.Duration) {
	if p == nil {
		return
	}
	p.requestsM.WithLabelValues(strconv.Itoa(code), method).Inc()
	p.requestDurationM.WithLabelValues(method).Observe(elapsed.Seconds())
}

// SessionOpened records a new frontend connection.
func (p *Prometheus) SessionOpened() {
	if p == nil {
		return
	}
	p.sessionsM.Inc()
}

// SessionClosed records a closed frontend connection.
func (p *Prometheus) SessionClosed() {
	if p == nil {
		return
	}
	p.sessionsM.Dec()
}

// CacheLookup records the result of a lookup cache access.
func (p *Prometheus) CacheLookup(cache, result string) {
	if p == nil {
		return
	}
	p.cacheLookupsM.WithLabelValues(cache, result).Inc()
}

// ConnCreated records a newly established backend connection.
func (p *Prometheus) ConnCreated(remote string) {
	if p == nil {
		return
	}
	p.connCreatedM.WithLabelValues(remote).Inc()
}

// ConnReused records an idle backend connection taken from its pool.
func (p *Prometheus) ConnReused(remote string) {
	if p == nil {
		return
	}
	p.connReusedM.WithLabelValues(remote).Inc()
}

// ConnDiscarded records a backend connection closed by its pool.
func (p *Prometheus) ConnDiscarded(remote, reason string) {
	if p == nil {
		return
	}
	p.connDiscardedM.WithLabelValues(remote, reason).Inc()
}

// UpstreamCall records a CodeArtifact API call.
func (p *Prometheus) UpstreamCall(op string, kind string, elapsed time.Duration) {
	if p == nil {
		return
	}
	p.upstreamM.WithLabelValues(op, kind).Observe(elapsed.Seconds())
}
