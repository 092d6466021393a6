package reminder

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "nagbot"

type metrics struct {
	created          prometheus.Counter
	acknowledged     prometheus.Counter
	cancelled        prometheus.Counter
	expired          *prometheus.CounterVec
	dispatched       *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
	conflicts        prometheus.Counter
	sweepDuration    prometheus.Histogram
}

// newMetrics builds the engine collectors and registers them with reg
// when it is non-nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reminders_created_total",
			Help:      "Reminders created.",
		}),
		acknowledged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reminders_acknowledged_total",
			Help:      "Reminders moved to acknowledged.",
		}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reminders_cancelled_total",
			Help:      "Reminders moved to cancelled, including replace-on-create.",
		}),
		expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reminders_expired_total",
			Help:      "Reminders that exhausted their escalation sequence unacknowledged.",
		}, []string{"tier"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_dispatched_total",
			Help:      "Notifications handed to the sink successfully.",
		}, []string{"tier"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notification_failures_total",
			Help:      "Failed sink deliveries, labelled by whether the fire was given up.",
		}, []string{"final"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "store_conflicts_total",
			Help:      "Optimistic version conflicts seen on save.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one sweep over due reminders.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.created,
			m.acknowledged,
			m.cancelled,
			m.expired,
			m.dispatched,
			m.deliveryFailures,
			m.conflicts,
			m.sweepDuration,
		)
	}
	return m
}
