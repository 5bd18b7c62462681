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

// Ingest outcomes recorded on railhook_webhook_events_total.
const (
	OutcomeQueued           = "queued"
	OutcomeDuplicate        = "duplicate"
	OutcomeInvalidSignature = "invalid_signature"
	OutcomeRateLimited      = "rate_limited"
	OutcomeTooLarge         = "too_large"
	OutcomeError            = "error"
)

// Signature check results.
const (
	SignatureValid   = "valid"
	SignatureInvalid = "invalid"
	SignatureSkipped = "skipped"
	SignatureAbsent  = "absent"
)

// Metrics exposes application-level instruments.
type Metrics struct {
	webhookEvents   metric.Int64Counter
	signatureChecks metric.Int64Counter
	ingestDuration  metric.Float64Histogram
	forwarded       metric.Int64Counter
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
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the webhook instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "railhook"
	}
	meter := provider.Meter(name)

	webhookEvents, err := meter.Int64Counter("railhook_webhook_events_total",
		metric.WithDescription("Inbound webhook requests by source and outcome."))
	if err != nil {
		return nil, err
	}
	signatureChecks, err := meter.Int64Counter("railhook_signature_checks_total",
		metric.WithDescription("Signature verification results by source and scheme."))
	if err != nil {
		return nil, err
	}
	ingestDuration, err := meter.Float64Histogram("railhook_ingest_duration_seconds",
		metric.WithDescription("Time spent verifying, storing and enqueueing a webhook."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	forwarded, err := meter.Int64Counter("railhook_events_forwarded_total",
		metric.WithDescription("Queue items forwarded downstream by source and status."))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhookEvents:   webhookEvents,
		signatureChecks: signatureChecks,
		ingestDuration:  ingestDuration,
		forwarded:       forwarded,
	}, nil
}

// RecordWebhookEvent counts an ingest outcome.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, source, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source", strings.TrimSpace(source)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSignatureCheck counts a signature verification result.
func (m *Metrics) RecordSignatureCheck(ctx context.Context, source, scheme, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source", strings.TrimSpace(source)),
		attribute.String("scheme", strings.TrimSpace(scheme)),
		attribute.String("result", strings.TrimSpace(result)),
	)
	m.signatureChecks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// ObserveIngest records the ingest latency.
func (m *Metrics) ObserveIngest(ctx context.Context, source string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source", strings.TrimSpace(source)))
	m.ingestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

// RecordForward counts a downstream forward attempt.
func (m *Metrics) RecordForward(ctx context.Context, source, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source", strings.TrimSpace(source)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.forwarded.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
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
	"source":  {},
	"outcome": {},
	"scheme":  {},
	"result":  {},
	"status":  {},
	"reason":  {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
// Event ids and payload-derived values never pass.
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
