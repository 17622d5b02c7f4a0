package sshx

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce    sync.Once
	commandTotal   *prometheus.CounterVec
	commandLatency *prometheus.HistogramVec
	dialTotal      *prometheus.CounterVec
)

var histogramBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 30, 60, 180, 600}

func initMetrics() {
	metricsOnce.Do(func() {
		commandTotal = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ark",
			Subsystem: "ssh",
			Name:      "commands_total",
			Help:      "Remote commands executed, by outcome kind.",
		}, []string{"kind"}))
		commandLatency = register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ark",
			Subsystem: "ssh",
			Name:      "command_duration_seconds",
			Help:      "Latency of remote commands.",
			Buckets:   histogramBuckets,
		}, []string{"kind"}))
		dialTotal = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ark",
			Subsystem: "ssh",
			Name:      "dials_total",
			Help:      "SSH connection attempts, by result.",
		}, []string{"result"}))
	})
}

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

func observeCommand(kind Kind, d time.Duration) {
	initMetrics()
	commandTotal.WithLabelValues(string(kind)).Inc()
	commandLatency.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func observeDial(err error) {
	initMetrics()
	result := "ok"
	if err != nil {
		result = "error"
	}
	dialTotal.WithLabelValues(result).Inc()
}
