package reconcile

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arkdeploy/ark/internal/lock"
)

var (
	metricsOnce    sync.Once
	runsTotal      *prometheus.CounterVec
	actionsTotal   *prometheus.CounterVec
	runDuration    prometheus.Histogram
	runBuckets     = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}
	metricsEnabled bool
)

// InitMetrics registers the reconcile collectors with the default registry.
func InitMetrics() {
	metricsOnce.Do(func() {
		runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ark",
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconcile passes by result",
		}, []string{"result"})
		actionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ark",
			Subsystem: "reconcile",
			Name:      "actions_total",
			Help:      "Applied reconcile actions by kind and result",
		}, []string{"kind", "result"})
		runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ark",
			Subsystem: "reconcile",
			Name:      "run_duration_seconds",
			Help:      "Duration of reconcile passes",
			Buckets:   runBuckets,
		})
		for _, c := range []prometheus.Collector{runsTotal, actionsTotal, runDuration} {
			if err := prometheus.Register(c); err != nil {
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) {
					continue
				}
				switch existing := are.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					if c == prometheus.Collector(runsTotal) {
						runsTotal = existing
					} else {
						actionsTotal = existing
					}
				case prometheus.Histogram:
					runDuration = existing
				}
			}
		}
		metricsEnabled = true
	})
}

func recordRun(err error, d time.Duration) {
	if !metricsEnabled {
		return
	}
	result := "ok"
	switch {
	case errors.Is(err, lock.ErrBusy):
		result = "busy"
	case err != nil:
		result = "error"
	}
	runsTotal.WithLabelValues(result).Inc()
	runDuration.Observe(d.Seconds())
}

func recordAction(kind Kind, err error) {
	if !metricsEnabled {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	actionsTotal.WithLabelValues(string(kind), result).Inc()
}
