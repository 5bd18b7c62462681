package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/railhook/internal/clock"
	"github.com/smallbiznis/railhook/internal/config"
	obsmetrics "github.com/smallbiznis/railhook/internal/observability/metrics"
	"github.com/smallbiznis/railhook/internal/webhook/domain"
	"github.com/smallbiznis/railhook/internal/webhook/normalize"
	"github.com/smallbiznis/railhook/internal/webhook/repository"
	"github.com/smallbiznis/railhook/internal/webhook/service"
	"github.com/smallbiznis/railhook/internal/webhook/signature"
	webhooktesting "github.com/smallbiznis/railhook/internal/webhook/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type harness struct {
	db        *gorm.DB
	registry  *prometheus.Registry
	ingest    domain.Service
	queue     domain.Queue
	repo      domain.Repository
	clock     *clock.FakeClock
	inspector *webhooktesting.QueueInspector
	metrics   *obsmetrics.QueueMetrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := webhooktesting.SetupDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	repo := repository.Provide()

	ingest := service.NewService(service.Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Repo:       repo,
		Clock:      clk,
		Verifier:   signature.NewVerifier(config.NewStaticSecrets(nil), clk),
		Normalizer: normalize.New(clk),
	})
	queue := service.NewQueue(service.QueueParams{
		DB:     db,
		Log:    zap.NewNop(),
		Repo:   repo,
		Clock:  clk,
		Policy: service.RetryPolicy{MaxAttempts: 3, BackoffBase: time.Minute, BackoffMax: time.Hour},
	})

	registry := prometheus.NewRegistry()
	return &harness{
		db:        db,
		registry:  registry,
		ingest:    ingest,
		queue:     queue,
		repo:      repo,
		clock:     clk,
		inspector: webhooktesting.NewQueueInspector(db),
		metrics:   obsmetrics.NewQueueMetrics(registry, obsmetrics.Config{ServiceName: "railhook"}),
	}
}

func (h *harness) newWorker(t *testing.T, registry *Registry) *Worker {
	t.Helper()
	w, err := New(Params{
		Queue:    h.queue,
		Registry: registry,
		Log:      zap.NewNop(),
		Clock:    h.clock,
		Config:   Config{WorkerID: "test-worker", BatchSize: 10, HandlerTimeout: time.Second, VisibilityTimeout: 5 * time.Minute},
		Metrics:  h.metrics,
	})
	require.NoError(t, err)
	return w
}

// value returns the current value of the series of name matching labels.
func (h *harness) value(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := h.registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			if !matchLabels(m.GetLabel(), labels) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	for key, value := range want {
		found := false
		for _, pair := range pairs {
			if pair.GetName() == key && pair.GetValue() == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (h *harness) send(t *testing.T, source domain.Source, body string) *domain.IngestResult {
	t.Helper()
	res, err := h.ingest.Ingest(context.Background(), domain.IngestRequest{Source: source, Body: []byte(body)})
	require.NoError(t, err)
	return res
}

func TestWorkerDispatchesBySourceWithFallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var mu sync.Mutex
	seen := map[string]string{}
	record := func(name string) domain.Handler {
		return domain.HandlerFunc(func(_ context.Context, event domain.WebhookEvent) error {
			mu.Lock()
			defer mu.Unlock()
			seen[event.EventID] = name
			return nil
		})
	}

	registry := NewEmptyRegistry()
	registry.Register(domain.SourceStripe, record("stripe"))
	registry.Register("", record("fallback"))

	stripeRes := h.send(t, domain.SourceStripe, `{"id":"evt_1","type":"invoice.paid"}`)
	zapierRes := h.send(t, domain.SourceZapier, `{"id":"z_1","type":"zap"}`)

	handled, err := h.newWorker(t, registry).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, handled)
	assert.Equal(t, "stripe", seen["evt_1"])
	assert.Equal(t, "fallback", seen["z_1"])

	for _, res := range []*domain.IngestResult{stripeRes, zapierRes} {
		item, err := h.inspector.ItemForEvent(ctx, res.WebhookEventID)
		require.NoError(t, err)
		assert.Equal(t, domain.QueueStatusCompleted, item.Status)
	}
	assert.Equal(t, float64(1), h.value(t, "railhook_queue_processed_total", map[string]string{"source": "stripe", "result": obsmetrics.QueueResultCompleted}))
	assert.Equal(t, float64(2), h.value(t, "railhook_queue_depth", map[string]string{"status": string(domain.QueueStatusCompleted)}))
}

func TestWorkerHandlerErrorSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	calls := 0
	registry := NewEmptyRegistry()
	registry.Register("", domain.HandlerFunc(func(context.Context, domain.WebhookEvent) error {
		calls++
		if calls == 1 {
			return errors.New("downstream unavailable")
		}
		return nil
	}))
	w := h.newWorker(t, registry)

	res := h.send(t, domain.SourcePlaid, `{"webhook_type":"TRANSACTIONS","webhook_code":"SYNC","item_id":"it_1"}`)

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	item, err := h.inspector.ItemForEvent(ctx, res.WebhookEventID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusFailed, item.Status)
	assert.Equal(t, 1, item.Attempts)
	require.NotNil(t, item.LastError)
	assert.Equal(t, "downstream unavailable", *item.LastError)

	handled, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, handled, "retry is not due yet")

	h.clock.Advance(time.Minute)
	handled, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	item, err = h.inspector.ItemForEvent(ctx, res.WebhookEventID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusCompleted, item.Status)

	event, err := h.repo.FindEvent(ctx, h.db, res.WebhookEventID)
	require.NoError(t, err)
	assert.Equal(t, 1, event.RetryCount)
	assert.True(t, event.Processed)
}

func TestWorkerWithoutHandlerFailsItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.send(t, domain.SourceStripe, `{"id":"evt_nohandler","type":"x"}`)

	_, err := h.newWorker(t, NewEmptyRegistry()).RunOnce(ctx)
	require.NoError(t, err)

	item, err := h.inspector.ItemForEvent(ctx, res.WebhookEventID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusFailed, item.Status)
	require.NotNil(t, item.LastError)
	assert.Equal(t, obsmetrics.ErrNoHandler.Error(), *item.LastError)
	assert.Equal(t, float64(1), h.value(t, "railhook_queue_errors_total", map[string]string{"source": "stripe", "reason": obsmetrics.QueueReasonNoHandler}))
}

func TestWorkerHandlerTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	registry := NewEmptyRegistry()
	registry.Register("", domain.HandlerFunc(func(ctx context.Context, _ domain.WebhookEvent) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	w, err := New(Params{
		Queue:    h.queue,
		Registry: registry,
		Log:      zap.NewNop(),
		Clock:    h.clock,
		Config:   Config{WorkerID: "w", BatchSize: 1, HandlerTimeout: 10 * time.Millisecond},
		Metrics:  h.metrics,
	})
	require.NoError(t, err)

	res := h.send(t, domain.SourceStripe, `{"id":"evt_slow","type":"x"}`)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	item, err := h.inspector.ItemForEvent(ctx, res.WebhookEventID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusFailed, item.Status)
	assert.Equal(t, float64(1), h.value(t, "railhook_queue_errors_total", map[string]string{"source": "stripe", "reason": obsmetrics.QueueReasonDeadlineExceeded}))
}

func TestWorkerRecoversStaleItemsBeforeClaiming(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.send(t, domain.SourceStripe, `{"id":"evt_stale","type":"x"}`)
	claimed, err := h.queue.Claim(ctx, "crashed", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	h.clock.Advance(10 * time.Minute)

	registry := NewEmptyRegistry()
	registry.Register("", domain.HandlerFunc(func(context.Context, domain.WebhookEvent) error { return nil }))
	handled, err := h.newWorker(t, registry).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	item, err := h.inspector.ItemForEvent(ctx, res.WebhookEventID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusCompleted, item.Status)
	assert.Equal(t, float64(1), h.value(t, "railhook_queue_recovered_total", nil))
}

func TestNewRegistryDefaultsToLogHandler(t *testing.T) {
	registry := NewRegistry(RegistryParams{Log: zap.NewNop()})
	handler, ok := registry.Lookup(domain.SourceQuickBooks)
	require.True(t, ok)
	require.NoError(t, handler.Handle(context.Background(), domain.WebhookEvent{EventID: "x"}))
}

func TestProvideConfigDefaults(t *testing.T) {
	cfg := ProvideConfig(config.Config{})
	assert.Equal(t, DefaultConfig().PollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultConfig().BatchSize, cfg.BatchSize)
	assert.NotEmpty(t, cfg.WorkerID)
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRegistryChainsHandlersForSameSource(t *testing.T) {
	ctx := context.Background()
	var order []string
	step := func(name string, err error) domain.Handler {
		return domain.HandlerFunc(func(context.Context, domain.WebhookEvent) error {
			order = append(order, name)
			return err
		})
	}

	registry := NewEmptyRegistry()
	registry.Register("", step("archive", nil))
	registry.Register("", step("forward", nil))
	registry.Register(domain.SourcePlaid, step("plaid-a", errors.New("boom")))
	registry.Register(domain.SourcePlaid, step("plaid-b", nil))

	fallback, ok := registry.Lookup(domain.SourceZapier)
	require.True(t, ok)
	require.NoError(t, fallback.Handle(ctx, domain.WebhookEvent{Source: "zapier"}))
	assert.Equal(t, []string{"archive", "forward"}, order)

	order = nil
	plaid, ok := registry.Lookup(domain.SourcePlaid)
	require.True(t, ok)
	require.Error(t, plaid.Handle(ctx, domain.WebhookEvent{Source: "plaid"}))
	assert.Equal(t, []string{"plaid-a"}, order)
}
