package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/railhook/internal/clock"
	obscontext "github.com/smallbiznis/railhook/internal/observability/context"
	"github.com/smallbiznis/railhook/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/railhook/internal/observability/metrics"
	"github.com/smallbiznis/railhook/internal/observability/tracing"
	"github.com/smallbiznis/railhook/internal/ratelimit"
	"github.com/smallbiznis/railhook/internal/webhook/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const recoverStaleLockKey = "railhook:worker:recover_stale"

var ErrInvalidConfig = errors.New("invalid worker config")

type Params struct {
	fx.In

	Queue    domain.Queue
	Registry *Registry
	Log      *zap.Logger
	Clock    clock.Clock
	Config   Config                   `optional:"true"`
	Locker   *ratelimit.Locker        `optional:"true"`
	Metrics  *obsmetrics.QueueMetrics `optional:"true"`
}

// Worker claims queue items and dispatches them to handlers.
type Worker struct {
	queue    domain.Queue
	registry *Registry
	log      *zap.Logger
	clock    clock.Clock
	cfg      Config
	locker   *ratelimit.Locker
	metrics  *obsmetrics.QueueMetrics
}

func New(p Params) (*Worker, error) {
	if p.Queue == nil || p.Registry == nil || p.Log == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Worker{
		queue:    p.Queue,
		registry: p.Registry,
		log:      p.Log.Named("webhook.worker").With(zap.String("worker_id", cfg.WorkerID)),
		clock:    p.Clock,
		cfg:      cfg,
		locker:   p.Locker,
		metrics:  p.Metrics,
	}, nil
}

// RunOnce recovers stale items, then claims and handles one batch. It returns
// the number of items handled.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if err := w.recoverStale(ctx); err != nil {
		w.log.Warn("stale recovery failed", zap.Error(err))
	}

	claimed, err := w.queue.Claim(ctx, w.cfg.WorkerID, w.cfg.BatchSize)
	if err != nil {
		w.metrics.IncError("", err)
		return 0, fmt.Errorf("claim: %w", err)
	}

	var errs error
	for _, item := range claimed {
		errs = errors.Join(errs, w.process(ctx, item))
	}

	w.publishDepth(ctx)
	return len(claimed), errs
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	nextRun := w.clock.Now().Add(w.cfg.PollInterval)

	for {
		if lag := w.clock.Now().Sub(nextRun); lag > 0 {
			w.metrics.ObserveRunLoopLag(lag)
		}
		handled, err := w.RunOnce(ctx)
		if err != nil {
			w.log.Warn("worker run failed", zap.Error(err))
		}
		nextRun = w.clock.Now().Add(w.cfg.PollInterval)

		// A full batch usually means more work is ready.
		if handled >= w.cfg.BatchSize && ctx.Err() == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) process(parent context.Context, claimed domain.ClaimedItem) error {
	event := claimed.Event
	item := claimed.Item
	source := event.Source

	ctx := obscontext.WithSource(parent, source)
	ctx = obscontext.WithWebhookEventID(ctx, event.ID.String())
	ctx, span := otel.Tracer("railhook/worker").Start(ctx, "webhook.process")
	defer span.End()
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("webhook.source", source),
		attribute.String("webhook.event_type", event.EventType),
		attribute.Int("queue.attempts", item.Attempts),
	)...)

	log := logger.WithContext(ctx, w.log)
	w.metrics.IncClaimed(source)
	w.metrics.ObserveQueueDelay(w.clock.Now().Sub(item.NextRetryAt))

	handler, ok := w.registry.Lookup(domain.Source(source))
	if !ok {
		return w.fail(ctx, log, claimed, obsmetrics.ErrNoHandler)
	}

	handleCtx, cancel := context.WithTimeout(ctx, w.cfg.HandlerTimeout)
	started := w.clock.Now()
	err := handler.Handle(handleCtx, event)
	cancel()
	w.metrics.ObserveHandle(source, w.clock.Now().Sub(started))

	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "handler failed")
		return w.fail(ctx, log, claimed, err)
	}

	if err := w.queue.Complete(ctx, item.ID); err != nil {
		log.Error("failed to complete queue item", zap.String("queue_item_id", item.ID.String()), zap.Error(err))
		w.metrics.IncError(source, err)
		return err
	}
	w.metrics.IncProcessed(source, obsmetrics.QueueResultCompleted)
	log.Debug("queue item completed", zap.String("queue_item_id", item.ID.String()))
	return nil
}

func (w *Worker) fail(ctx context.Context, log *zap.Logger, claimed domain.ClaimedItem, cause error) error {
	source := claimed.Event.Source
	w.metrics.IncError(source, cause)
	log.Warn("webhook handler failed",
		zap.String("queue_item_id", claimed.Item.ID.String()),
		zap.Int("attempts", claimed.Item.Attempts+1),
		zap.Error(cause),
	)

	if err := w.queue.Fail(ctx, claimed.Item.ID, cause); err != nil {
		log.Error("failed to record queue failure", zap.String("queue_item_id", claimed.Item.ID.String()), zap.Error(err))
		return err
	}
	w.metrics.IncProcessed(source, obsmetrics.QueueResultRetried)
	return nil
}

// recoverStale runs under a redis lock when one is configured so only one
// replica sweeps per interval. The sweep is idempotent, so it still runs when
// redis is unreachable.
func (w *Worker) recoverStale(ctx context.Context) error {
	sweep := func(ctx context.Context) error {
		recovered, err := w.queue.RecoverStale(ctx, w.cfg.VisibilityTimeout)
		if err != nil {
			return err
		}
		if recovered > 0 {
			w.metrics.AddRecovered(recovered)
			w.log.Warn("recovered stale queue items", zap.Int64("count", recovered))
		}
		return nil
	}

	if w.locker == nil {
		return sweep(ctx)
	}
	ran, err := w.locker.WithLock(ctx, recoverStaleLockKey, w.cfg.PollInterval, sweep)
	if err != nil && !ran {
		w.log.Debug("recovery lock unavailable, sweeping without it", zap.Error(err))
		return sweep(ctx)
	}
	return err
}

func (w *Worker) publishDepth(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	depth, err := w.queue.Depth(ctx)
	if err != nil {
		w.log.Debug("queue depth unavailable", zap.Error(err))
		return
	}
	for status, count := range depth {
		w.metrics.SetDepth(string(status), count)
	}
}
