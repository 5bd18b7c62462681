package forward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/segmentio/kafka-go"
	"github.com/smallbiznis/railhook/internal/clock"
	"github.com/smallbiznis/railhook/internal/config"
	obsmetrics "github.com/smallbiznis/railhook/internal/observability/metrics"
	"github.com/smallbiznis/railhook/internal/webhook/domain"
	"github.com/smallbiznis/railhook/internal/webhook/worker"
	"github.com/smallbiznis/railhook/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	sourcePrefix = "railhook/"

	statusPublished = "published"
	statusFailed    = "failed"
)

// MessageWriter is the subset of *kafka.Writer used for publishing.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Forwarder publishes claimed webhook events to Kafka as CloudEvents.
type Forwarder struct {
	writer  MessageWriter
	log     *zap.Logger
	clock   clock.Clock
	metrics *obsmetrics.Metrics
}

func NewForwarder(writer MessageWriter, log *zap.Logger, clk clock.Clock, metrics *obsmetrics.Metrics) *Forwarder {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Forwarder{
		writer:  writer,
		log:     log.Named("webhook.forward"),
		clock:   clk,
		metrics: metrics,
	}
}

// NewKafkaWriter builds a synchronous writer that waits for all replicas.
func NewKafkaWriter(cfg config.KafkaConfig) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka topic is required")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}, nil
}

// Handle implements domain.Handler. A write error leaves the item for retry.
func (f *Forwarder) Handle(ctx context.Context, ev domain.WebhookEvent) error {
	ctx, _ = correlation.EnsureCorrelationID(ctx)

	ce, err := f.ToCloudEvent(ctx, ev)
	if err != nil {
		f.metrics.RecordForward(ctx, ev.Source, statusFailed)
		return fmt.Errorf("build cloudevent: %w", err)
	}
	value, err := json.Marshal(ce)
	if err != nil {
		f.metrics.RecordForward(ctx, ev.Source, statusFailed)
		return fmt.Errorf("encode cloudevent: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(ev.Source + ":" + ev.EventID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "ce_id", Value: []byte(ce.ID())},
			{Key: "ce_type", Value: []byte(ce.Type())},
			{Key: "ce_source", Value: []byte(ce.Source())},
			{Key: "content-type", Value: []byte(cloudevents.ApplicationCloudEventsJSON)},
			{Key: correlation.Header, Value: []byte(correlation.ExtractCorrelationID(ctx))},
		},
	}

	if err := f.writer.WriteMessages(ctx, message); err != nil {
		f.metrics.RecordForward(ctx, ev.Source, statusFailed)
		f.log.Warn("failed to forward webhook event",
			zap.String("source", ev.Source),
			zap.String("event_id", ev.EventID),
			zap.Error(err),
		)
		return err
	}

	f.metrics.RecordForward(ctx, ev.Source, statusPublished)
	f.log.Debug("webhook event forwarded",
		zap.String("source", ev.Source),
		zap.String("event_id", ev.EventID),
	)
	return nil
}

// ToCloudEvent wraps the stored payload: type is the event type, source is
// railhook/{source} and id is the provider event id.
func (f *Forwarder) ToCloudEvent(ctx context.Context, ev domain.WebhookEvent) (event.Event, error) {
	ce := cloudevents.NewEvent()
	ce.SetID(ev.EventID)
	ce.SetSource(sourcePrefix + ev.Source)
	ce.SetType(ev.EventType)
	ce.SetTime(ev.CreatedAt)

	ce.SetExtension("webhookeventid", ev.ID.String())
	for key, value := range correlation.Metadata(ctx, f.clock.Now()) {
		if value == "" {
			continue
		}
		ce.SetExtension(extensionName(key), value)
	}

	payload := json.RawMessage(ev.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if err := ce.SetData(cloudevents.ApplicationJSON, payload); err != nil {
		return ce, err
	}
	if err := ce.Validate(); err != nil {
		return ce, err
	}
	return ce, nil
}

// extensionName maps metadata keys to CloudEvents attribute names, which are
// limited to lowercase letters and digits.
func extensionName(key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type RegistrationParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
	Clock     clock.Clock
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type RegistrationResult struct {
	fx.Out

	Registration worker.Registration `group:"webhook_handlers"`
}

// ProvideRegistration registers the forwarder as the fallback handler when
// Kafka is enabled and contributes an empty registration otherwise.
func ProvideRegistration(p RegistrationParams) (RegistrationResult, error) {
	if !p.Config.Kafka.Enabled {
		return RegistrationResult{}, nil
	}

	writer, err := NewKafkaWriter(p.Config.Kafka)
	if err != nil {
		return RegistrationResult{}, err
	}
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return writer.Close()
		},
	})

	p.Log.Info("forwarding webhook events to kafka",
		zap.Strings("brokers", p.Config.Kafka.Brokers),
		zap.String("topic", p.Config.Kafka.Topic),
	)
	return RegistrationResult{
		Registration: worker.Registration{
			Handler: NewForwarder(writer, p.Log, p.Clock, p.Metrics),
		},
	}, nil
}

var Module = fx.Module("webhook.forward",
	fx.Provide(ProvideRegistration),
)
