// Package metrics records cache outcomes, chain calls and monitor progress
// through OpenTelemetry, exported for Prometheus scraping and optionally
// pushed over OTLP/HTTP.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	api "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Request outcomes.
const (
	OutcomeHit     = "hit"
	OutcomeMiss    = "miss"
	OutcomeStale   = "stale"
	OutcomeRefresh = "refresh"
	OutcomeError   = "error"
	OutcomeInvalid = "invalid"
)

type Config struct {
	Service          string
	ChainID          string
	EnablePrometheus bool
	OTLPEndpoint     string
	OTLPInsecure     bool
	OTLPInterval     time.Duration
}

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	registry *prom.Registry

	requests      api.Int64Counter
	chainCalls    api.Int64Counter
	chainDuration api.Float64Histogram
	storeErrors   api.Int64Counter
	invalidations api.Int64Counter
	monitorRuns   api.Int64Counter
	watermark     api.Int64ObservableGauge

	mu         sync.RWMutex
	watermarks map[string]int64
}

func sanitizeEndpoint(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}

func New(ctx context.Context, cfg Config) (*Metrics, error) {
	if cfg.Service == "" {
		cfg.Service = "ca-casher"
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.Service),
		attribute.String("chain_id", cfg.ChainID),
	)

	m := &Metrics{watermarks: make(map[string]int64)}
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.EnablePrometheus {
		m.registry = prom.NewRegistry()
		promExporter, err := prometheus.New(
			prometheus.WithRegisterer(m.registry),
			prometheus.WithoutScopeInfo(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(promExporter))
	}

	if cfg.OTLPEndpoint != "" {
		options := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(sanitizeEndpoint(cfg.OTLPEndpoint)),
		}
		if cfg.OTLPInsecure || strings.HasPrefix(cfg.OTLPEndpoint, "http://") {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		otlpExporter, err := otlpmetrichttp.New(ctx, options...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		interval := cfg.OTLPInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter, sdkmetric.WithInterval(interval))))
	}

	m.provider = sdkmetric.NewMeterProvider(opts...)
	meter := m.provider.Meter("ca-casher", api.WithInstrumentationVersion("0.1.0"))

	if err := m.createInstruments(meter); err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}
	return m, nil
}

func (m *Metrics) createInstruments(meter api.Meter) error {
	var err error

	if m.requests, err = meter.Int64Counter("ca_casher_requests",
		api.WithDescription("Contract read requests by method, function and outcome")); err != nil {
		return err
	}
	if m.chainCalls, err = meter.Int64Counter("ca_casher_chain_calls",
		api.WithDescription("Chain reads by function and result")); err != nil {
		return err
	}
	if m.chainDuration, err = meter.Float64Histogram("ca_casher_chain_call_duration_seconds",
		api.WithDescription("Latency of chain reads")); err != nil {
		return err
	}
	if m.storeErrors, err = meter.Int64Counter("ca_casher_store_errors",
		api.WithDescription("Cache store failures by operation")); err != nil {
		return err
	}
	if m.invalidations, err = meter.Int64Counter("ca_casher_invalidated_entries",
		api.WithDescription("Cache entries purged by function")); err != nil {
		return err
	}
	if m.monitorRuns, err = meter.Int64Counter("ca_casher_monitor_runs",
		api.WithDescription("Event monitor runs by result")); err != nil {
		return err
	}
	if m.watermark, err = meter.Int64ObservableGauge("ca_casher_monitor_watermark",
		api.WithDescription("Last block processed by the event monitor")); err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o api.Observer) error {
		m.mu.RLock()
		defer m.mu.RUnlock()
		for chainID, height := range m.watermarks {
			o.ObserveInt64(m.watermark, height, api.WithAttributes(attribute.String("chain", chainID)))
		}
		return nil
	}, m.watermark)
	return err
}

// Handler serves the Prometheus exposition, or 404 when Prometheus is disabled.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	if err := m.provider.Shutdown(ctx); err != nil && !errors.Is(err, sdkmetric.ErrReaderShutdown) {
		return err
	}
	return nil
}

func (m *Metrics) RecordRequest(ctx context.Context, method, function, outcome string) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1, api.WithAttributes(
		attribute.String("method", method),
		attribute.String("function", function),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordChainCall(ctx context.Context, function string, took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	attrs := api.WithAttributes(attribute.String("function", function), attribute.String("result", result))
	m.chainCalls.Add(ctx, 1, attrs)
	m.chainDuration.Record(ctx, took.Seconds(), attrs)
}

func (m *Metrics) RecordStoreError(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.storeErrors.Add(ctx, 1, api.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) RecordInvalidation(ctx context.Context, function string, deleted int) {
	if m == nil {
		return
	}
	m.invalidations.Add(ctx, int64(deleted), api.WithAttributes(attribute.String("function", function)))
}

func (m *Metrics) RecordMonitorRun(ctx context.Context, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.monitorRuns.Add(ctx, 1, api.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) SetWatermark(chainID string, height uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermarks[chainID] = int64(height)
}
