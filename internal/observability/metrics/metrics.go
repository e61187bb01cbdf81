package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	llmCalls        metric.Int64Counter
	postsSubmitted  metric.Int64Counter
	trackingChecks  metric.Int64Counter
	providerFailure metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("otel metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "threadscout"
	}
	meter := provider.Meter(name)

	llmCalls, err := meter.Int64Counter("threadscout_llm_calls_total")
	if err != nil {
		return nil, err
	}
	postsSubmitted, err := meter.Int64Counter("threadscout_posts_submitted_total")
	if err != nil {
		return nil, err
	}
	trackingChecks, err := meter.Int64Counter("threadscout_tracking_checks_total")
	if err != nil {
		return nil, err
	}
	providerFailure, err := meter.Int64Counter("threadscout_provider_failures_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		llmCalls:        llmCalls,
		postsSubmitted:  postsSubmitted,
		trackingChecks:  trackingChecks,
		providerFailure: providerFailure,
	}, nil
}

// RecordLLMCall counts a model invocation by purpose and outcome.
func (m *Metrics) RecordLLMCall(ctx context.Context, purpose, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("purpose", strings.TrimSpace(purpose)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.llmCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPost counts a submitted comment by provider and outcome.
func (m *Metrics) RecordPost(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.postsSubmitted.Add(ctx, 1, metric.WithAttributes(attrs...))
	if outcome != "success" {
		m.providerFailure.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordTrackingCheck counts a performance check by provider and whether removal was seen.
func (m *Metrics) RecordTrackingCheck(ctx context.Context, provider string, removed bool) {
	if m == nil {
		return
	}
	outcome := "live"
	if removed {
		outcome = "removed"
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("outcome", outcome),
	)
	m.trackingChecks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"purpose":     {},
	"outcome":     {},
	"provider":    {},
	"queue":       {},
	"route":       {},
	"method":      {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
