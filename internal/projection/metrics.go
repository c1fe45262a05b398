package projection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventcore_projection_events_applied_total",
		Help: "Events applied by projection handlers",
	}, []string{"projection"})

	eventsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventcore_projection_events_skipped_total",
		Help: "Events passed over without calling the handler, by reason",
	}, []string{"projection", "reason"})

	handlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventcore_projection_handler_failures_total",
		Help: "Handler errors, by projection",
	}, []string{"projection"})

	applyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eventcore_projection_apply_duration_seconds",
		Help:    "Per-event apply transaction latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"projection"})

	checkpointPosition = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eventcore_projection_position",
		Help: "Checkpoint position, by projection",
	}, []string{"projection"})

	rebuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventcore_projection_rebuilds_total",
		Help: "Rebuilds finished, by projection and outcome",
	}, []string{"projection", "outcome"})
)
