package metrics

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics records inbound request counts and latency per route.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var (
	httpMetricsOnce sync.Once
	httpMetrics     *HTTPMetrics
)

// HTTPWithConfig returns the singleton HTTP metrics registered on the default registerer.
func HTTPWithConfig(cfg Config) *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpMetrics = NewHTTPMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return httpMetrics
}

// NewHTTPMetrics registers the HTTP collectors on registerer.
func NewHTTPMetrics(registerer prometheus.Registerer, cfg Config) *HTTPMetrics {
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

	m := &HTTPMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "railhook_http_requests_total",
			Help:        "HTTP requests by method, route and status.",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "railhook_http_request_duration_seconds",
			Help:        "HTTP request latency by method and route.",
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			ConstLabels: constLabels,
		}, []string{"method", "route"}),
	}
	registerer.MustRegister(m.requests, m.duration)
	return m
}

// Observe records a finished request.
func (m *HTTPMetrics) Observe(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if strings.TrimSpace(route) == "" {
		route = "unknown"
	}
	method = strings.ToUpper(method)
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// GinMiddleware records every request on m. Unmatched paths share the
// "unknown" route label.
func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		m.Observe(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}
