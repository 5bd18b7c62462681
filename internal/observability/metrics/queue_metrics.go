package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	QueueReasonDeadlineExceeded     = "deadline_exceeded"
	QueueReasonDBLockTimeout        = "db_lock_timeout"
	QueueReasonSerializationFailure = "serialization_failure"
	QueueReasonUniqueViolation      = "unique_violation"
	QueueReasonNoHandler            = "no_handler"
	QueueReasonHandler              = "handler"
	QueueReasonUnknown              = "unknown"
)

const (
	QueueResultCompleted = "completed"
	QueueResultRetried   = "retried"
	QueueResultFailed    = "failed"
)

// ErrNoHandler is returned by a dispatcher that has nothing registered for a source.
var ErrNoHandler = errors.New("no_handler")

// QueueMetrics captures webhook queue health for the consumer side.
type QueueMetrics struct {
	claimed       *prometheus.CounterVec
	processed     *prometheus.CounterVec
	errors        *prometheus.CounterVec
	handleLatency *prometheus.HistogramVec
	queueDelay    prometheus.Histogram
	recovered     prometheus.Counter
	depth         *prometheus.GaugeVec
	runLoopLag    prometheus.Histogram
}

var (
	queueMetricsOnce sync.Once
	queueMetrics     *QueueMetrics
)

// QueueWithConfig returns the singleton queue metrics registry using config labels.
func QueueWithConfig(cfg Config) *QueueMetrics {
	queueMetricsOnce.Do(func() {
		queueMetrics = NewQueueMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return queueMetrics
}

// NewQueueMetrics registers the queue collectors on registerer.
func NewQueueMetrics(registerer prometheus.Registerer, cfg Config) *QueueMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "railhook"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &QueueMetrics{
		claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "railhook_queue_claimed_total",
			Help:        "Queue items claimed by source.",
			ConstLabels: constLabels,
		}, []string{"source"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "railhook_queue_processed_total",
			Help:        "Queue items finished by source and result.",
			ConstLabels: constLabels,
		}, []string{"source", "result"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "railhook_queue_errors_total",
			Help:        "Queue processing errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"source", "reason"}),
		handleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "railhook_queue_handle_duration_seconds",
			Help:        "Handler latency per queue item.",
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			ConstLabels: constLabels,
		}, []string{"source"}),
		queueDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "railhook_queue_delay_seconds",
			Help:        "Time between enqueue and claim.",
			Buckets:     []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
			ConstLabels: constLabels,
		}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "railhook_queue_recovered_total",
			Help:        "Stale in-progress items released back to pending.",
			ConstLabels: constLabels,
		}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "railhook_queue_depth",
			Help:        "Queue items by status.",
			ConstLabels: constLabels,
		}, []string{"status"}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "railhook_worker_runloop_lag_seconds",
			Help:        "Worker run loop lag beyond the configured interval.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.claimed,
		m.processed,
		m.errors,
		m.handleLatency,
		m.queueDelay,
		m.recovered,
		m.depth,
		m.runLoopLag,
	)
	return m
}

func (m *QueueMetrics) IncClaimed(source string) {
	if m == nil {
		return
	}
	m.claimed.WithLabelValues(source).Inc()
}

// IncProcessed counts a finished item by result.
func (m *QueueMetrics) IncProcessed(source, result string) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(source, result).Inc()
}

// IncError counts a processing error with classification.
func (m *QueueMetrics) IncError(source string, err error) {
	if m == nil || err == nil {
		return
	}
	m.errors.WithLabelValues(source, ClassifyQueueReason(err)).Inc()
}

func (m *QueueMetrics) ObserveHandle(source string, duration time.Duration) {
	if m == nil {
		return
	}
	m.handleLatency.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveQueueDelay records how long an item waited before being claimed.
func (m *QueueMetrics) ObserveQueueDelay(duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.queueDelay.Observe(duration.Seconds())
}

func (m *QueueMetrics) AddRecovered(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.recovered.Add(float64(count))
}

// SetDepth publishes the item count for a status.
func (m *QueueMetrics) SetDepth(status string, count int64) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(status).Set(float64(count))
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *QueueMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.runLoopLag.Observe(duration.Seconds())
}

// ClassifyQueueReason maps processing errors to low-cardinality reasons.
func ClassifyQueueReason(err error) string {
	switch {
	case err == nil:
		return QueueReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return QueueReasonDeadlineExceeded
	case errors.Is(err, ErrNoHandler):
		return QueueReasonNoHandler
	case hasPGCode(err, "55P03"):
		return QueueReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return QueueReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey), hasPGCode(err, "23505"):
		return QueueReasonUniqueViolation
	default:
		return QueueReasonHandler
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
