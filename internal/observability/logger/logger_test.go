package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	obscontext "github.com/smallbiznis/railhook/internal/observability/context"
	"github.com/smallbiznis/railhook/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestWithContextAddsRequestFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithSource(ctx, "stripe")
	ctx = correlation.ContextWithCorrelationID(ctx, "cid-1")

	WithContext(ctx, base).Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "stripe", fields["source"])
	assert.Equal(t, "cid-1", fields["correlation_id"])
	_, hasTrace := fields["trace_id"]
	assert.False(t, hasTrace)
}

func TestSQLVerbAndTable(t *testing.T) {
	assert.Equal(t, "INSERT", sqlVerb("insert into webhook_events (id) values (1)"))
	assert.Equal(t, "UPDATE", sqlVerb("  update webhook_processing_queue set status = 'done'"))
	assert.Equal(t, "SELECT", sqlVerb("WITH due AS (SELECT id FROM webhook_processing_queue) SELECT * FROM due"))
	assert.Equal(t, "UNKNOWN", sqlVerb(""))
	assert.Equal(t, "webhook_processing_queue", webhookTable("UPDATE webhook_processing_queue SET status = 'x'"))
	assert.Equal(t, "other", webhookTable("SELECT 1"))
}

func TestStoreLoggerTraceLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	store := NewStoreLogger(zap.New(core), 500*time.Millisecond)
	query := func() (string, int64) { return "SELECT * FROM webhook_events WHERE id = ?", 1 }
	ctx := context.Background()

	store.Trace(ctx, time.Now(), query, nil)
	assert.Equal(t, 0, logs.Len())

	store.Trace(ctx, time.Now(), query, gormlogger.ErrRecordNotFound)
	assert.Equal(t, 0, logs.Len())

	store.Trace(ctx, time.Now().Add(-time.Second), query, nil)
	store.Trace(ctx, time.Now(), query, errors.New("boom"))

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, zap.WarnLevel, entries[0].Level)
		assert.Equal(t, zap.ErrorLevel, entries[1].Level)
		fields := entries[1].ContextMap()
		assert.Equal(t, "webhook_events", fields["table"])
		assert.Equal(t, "SELECT", fields["operation"])
		assert.Equal(t, "boom", fields["error"])
	}

	store.LogMode(gormlogger.Silent).Trace(ctx, time.Now(), query, errors.New("boom"))
	assert.Equal(t, 2, logs.Len())
}

func TestStoreLoggerDropsParams(t *testing.T) {
	sql, params := NewStoreLogger(nil, 0).ParamsFilter(context.Background(), "SELECT ?", "secret")
	assert.Equal(t, "SELECT ?", sql)
	assert.Nil(t, params)
}

func TestNormalizeFormat(t *testing.T) {
	assert.Equal(t, "console", normalizeFormat(" Console "))
	assert.Equal(t, "json", normalizeFormat("logfmt"))
}
