package httpx

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 120}

// apiMetrics is shared by every Router in the process. Remote operations
// (deploy, exec) run inside requests, hence the long latency buckets.
type apiMetrics struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	rateLimited *prometheus.CounterVec
	inFlight    prometheus.Gauge
}

var (
	apiMetricsOnce sync.Once
	sharedMetrics  *apiMetrics
)

func loadAPIMetrics() *apiMetrics {
	apiMetricsOnce.Do(func() {
		sharedMetrics = &apiMetrics{
			requests: register(prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ark",
				Subsystem: "api",
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route pattern and status.",
			}, []string{"method", "route", "status"})),
			latency: register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ark",
				Subsystem: "api",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP handler latency.",
				Buckets:   latencyBuckets,
			}, []string{"method", "route", "status"})),
			rateLimited: register(prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ark",
				Subsystem: "api",
				Name:      "rate_limit_hits_total",
				Help:      "Requests rejected with 429.",
			}, []string{"route", "key"})),
			inFlight: register(prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "ark",
				Subsystem: "api",
				Name:      "http_requests_in_flight",
				Help:      "Requests currently being served.",
			})),
		}
	})
	return sharedMetrics
}

// register adds c to the default registry, reusing an identical collector
// registered earlier in the process.
func register[T prometheus.Collector](c T) T {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *apiMetrics) observe(method, route string, status int, d time.Duration) {
	code := strconv.Itoa(status)
	m.requests.WithLabelValues(method, route, code).Inc()
	m.latency.WithLabelValues(method, route, code).Observe(d.Seconds())
}
