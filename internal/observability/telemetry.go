// Package observability provides logging and metrics capabilities
package observability

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Telemetry provides unified observability for idrisk
type Telemetry struct {
	logger       *zap.Logger
	metrics      *Metrics
	registry     *prometheus.Registry
	config       Config
	shutdownOnce sync.Once
}

// Config configures telemetry
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json, console

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// Metrics holds Prometheus metrics for idrisk
type Metrics struct {
	// Assessment metrics
	AccountsAssessed   *prometheus.CounterVec
	AssessmentDuration prometheus.Histogram
	FindingsTriggered  *prometheus.CounterVec

	// Enrichment metrics
	ReputationLookups *prometheus.CounterVec

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// Health metrics
	HealthStatus    *prometheus.GaugeVec
	LastHealthCheck prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates a new Telemetry instance
func New(cfg Config) (*Telemetry, error) {
	t := &Telemetry{
		config: cfg,
	}

	// Initialize logger
	logger, err := t.initLogger()
	if err != nil {
		return nil, err
	}
	t.logger = logger

	// Initialize metrics
	if cfg.MetricsEnabled {
		t.registry = prometheus.NewRegistry()
		t.registry.MustRegister(collectors.NewGoCollector())
		t.metrics = newMetrics(t.registry)
	}

	return t, nil
}

// NewNop returns telemetry that logs nowhere and records metrics on a private
// registry.
func NewNop() *Telemetry {
	reg := prometheus.NewRegistry()
	return &Telemetry{
		logger:   zap.NewNop(),
		registry: reg,
		metrics:  newMetrics(reg),
	}
}

// initLogger initializes structured logging
func (t *Telemetry) initLogger() (*zap.Logger, error) {
	var config zap.Config

	if t.config.LogFormat == "console" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	// Set log level
	switch t.config.LogLevel {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	// Add standard fields
	config.InitialFields = map[string]interface{}{
		"service":     t.config.ServiceName,
		"version":     t.config.ServiceVersion,
		"environment": t.config.Environment,
	}

	return config.Build()
}

// newMetrics registers the idrisk metrics on reg
func newMetrics(reg prometheus.Registerer) *Metrics {
	namespace := "idrisk"
	factory := promauto.With(reg)

	return &Metrics{
		AccountsAssessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accounts_assessed_total",
				Help:      "Accounts assessed by outcome",
			},
			[]string{"status"},
		),
		AssessmentDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "assessment_duration_seconds",
				Help:      "Per-account assessment duration",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		FindingsTriggered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "findings_triggered_total",
				Help:      "Triggered findings by indicator",
			},
			[]string{"indicator"},
		),
		ReputationLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reputation_lookups_total",
				Help:      "IP reputation lookups by result",
			},
			[]string{"result"},
		),
		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		HealthStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "health_status",
				Help:      "Health status of components (1=healthy, 0=unhealthy)",
			},
			[]string{"component"},
		),
		LastHealthCheck: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_health_check_timestamp",
				Help:      "Timestamp of last health check",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
	}
}

// Logger returns the logger
func (t *Telemetry) Logger() *zap.Logger {
	return t.logger
}

// Metrics returns the metrics, or nil when metrics are disabled
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// Gatherer returns the private registry, or nil when metrics are disabled
func (t *Telemetry) Gatherer() prometheus.Gatherer {
	if t.registry == nil {
		return nil
	}
	return t.registry
}

// RecordReputationLookup counts one reputation lookup by result
// (hit, miss, degraded, budget_exhausted).
func (t *Telemetry) RecordReputationLookup(result string) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.ReputationLookups.WithLabelValues(result).Inc()
}

// RecordAssessment counts one finished account assessment
func (t *Telemetry) RecordAssessment(status string, d time.Duration) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.AccountsAssessed.WithLabelValues(status).Inc()
	t.metrics.AssessmentDuration.Observe(d.Seconds())
}

// RecordFindingTriggered counts one triggered finding
func (t *Telemetry) RecordFindingTriggered(indicatorID string) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.FindingsTriggered.WithLabelValues(indicatorID).Inc()
}

// RecordRequest counts one served HTTP request
func (t *Telemetry) RecordRequest(method, path string, status int, d time.Duration) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	t.metrics.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// SetHealth records a component health check result
func (t *Telemetry) SetHealth(component string, healthy bool) {
	if t == nil || t.metrics == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	t.metrics.HealthStatus.WithLabelValues(component).Set(v)
	t.metrics.LastHealthCheck.SetToCurrentTime()
}

// MetricsHandler returns the Prometheus metrics handler
func (t *Telemetry) MetricsHandler() http.Handler {
	if t.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

// StartSystemMetricsCollector starts collecting system metrics
func (t *Telemetry) StartSystemMetricsCollector(ctx context.Context) {
	if t.metrics == nil {
		return
	}

	ticker := time.NewTicker(15 * time.Second)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				t.metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))
				var m runtime.MemStats
				runtime.ReadMemStats(&m)
				t.metrics.MemoryUsage.Set(float64(m.Alloc))
			}
		}
	}()
}

// Shutdown flushes the logger
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		_ = t.logger.Sync()
	})
	return nil
}
