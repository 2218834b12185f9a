package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HealthChecksTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modhost",
		Subsystem: "health",
		Name:      "checks_total",
		Help:      "Health probes executed, by check type and outcome",
	}, []string{"type", "outcome"})

	HealthProbeDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "modhost",
		Subsystem: "health",
		Name:      "probe_duration_seconds",
		Help:      "Duration of health probes",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type"})

	HealthTargetHealthy = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "modhost",
		Subsystem: "health",
		Name:      "target_healthy",
		Help:      "1 if the monitored target is classified healthy, else 0",
	}, []string{"target"})

	HealthFlipsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modhost",
		Subsystem: "health",
		Name:      "flips_total",
		Help:      "Health state transitions, by target",
	}, []string{"target"})
)

// ObserveProbe records a finished probe.
func ObserveProbe(checkType string, healthy bool, d time.Duration) {
	outcome := "success"
	if !healthy {
		outcome = "failure"
	}
	HealthChecksTotal.WithLabelValues(checkType, outcome).Inc()
	HealthProbeDuration.WithLabelValues(checkType).Observe(d.Seconds())
}

// SetTargetHealthy records the classified state of a target.
func SetTargetHealthy(target string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	HealthTargetHealthy.WithLabelValues(target).Set(v)
}

// ForgetTarget drops the series of a removed target.
func ForgetTarget(target string) {
	HealthTargetHealthy.DeleteLabelValues(target)
	HealthFlipsTotal.DeleteLabelValues(target)
}

// IncHealthFlip counts a health state transition of target.
func IncHealthFlip(target string) {
	HealthFlipsTotal.WithLabelValues(target).Inc()
}
