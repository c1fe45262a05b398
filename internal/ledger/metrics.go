package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	failuresRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventcore_failures_recorded_total",
		Help: "New processing failures, by projection",
	}, []string{"projection"})

	retriesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventcore_failure_retries_failed_total",
		Help: "Automatic retries that failed again, by projection",
	}, []string{"projection"})

	failuresResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventcore_failures_resolved_total",
		Help: "Processing failures closed, by resolution",
	}, []string{"resolution"})
)
