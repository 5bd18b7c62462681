package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifyQueueReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: QueueReasonDeadlineExceeded},
		{name: "no_handler", err: fmt.Errorf("stripe: %w", ErrNoHandler), want: QueueReasonNoHandler},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: QueueReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: QueueReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: QueueReasonUniqueViolation},
		{name: "handler", err: errors.New("boom"), want: QueueReasonHandler},
		{name: "nil", err: nil, want: QueueReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyQueueReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestQueueMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewQueueMetrics(registry, Config{ServiceName: "railhook", Environment: "test"})

	m.IncClaimed("stripe")
	m.IncClaimed("stripe")
	m.IncProcessed("stripe", QueueResultCompleted)
	m.AddRecovered(3)
	m.AddRecovered(-1)
	m.SetDepth("pending", 7)

	if got := testutil.ToFloat64(m.claimed.WithLabelValues("stripe")); got != 2 {
		t.Fatalf("expected claimed 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.processed.WithLabelValues("stripe", QueueResultCompleted)); got != 1 {
		t.Fatalf("expected processed 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.recovered); got != 3 {
		t.Fatalf("expected recovered 3, got %v", got)
	}
	if got := testutil.ToFloat64(m.depth.WithLabelValues("pending")); got != 7 {
		t.Fatalf("expected depth 7, got %v", got)
	}
}
