package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventcore_events_appended_total",
		Help: "Events appended to the store, by event type",
	}, []string{"event_type"})

	appendConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventcore_append_conflicts_total",
		Help: "Appends rejected by the optimistic concurrency check",
	})

	appendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eventcore_append_duration_seconds",
		Help:    "Append transaction latency",
		Buckets: prometheus.DefBuckets,
	})

	headPosition = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventcore_head_position",
		Help: "Highest committed global position",
	})
)
