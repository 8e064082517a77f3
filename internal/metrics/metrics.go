package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	FollowUpsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "followups_sent_total",
			Help: "Total follow-up emails sent",
		},
	)

	FollowUpFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "followup_failures_total",
			Help: "Total failed follow-up dispatches by reason",
		},
		[]string{"reason"},
	)

	SchedulerCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_cycles_total",
			Help: "Total poll cycles by result",
		},
		[]string{"result"},
	)

	SchedulerSkippedTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_skipped_ticks_total",
			Help: "Poll ticks skipped because a cycle was still running",
		},
	)

	SchedulerRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_retries_total",
			Help: "In-cycle dispatch retries",
		},
	)

	SchedulerErrorCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_error_count",
			Help: "Current scheduler error count feeding health",
		},
	)

	SchedulerCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_cycle_duration_seconds",
			Help:    "Poll cycle duration",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Failure reasons.
const (
	ReasonSend        = "send"
	ReasonPersistence = "persistence"
	ReasonConflict    = "conflict"
	ReasonRender      = "render"
	ReasonQuery       = "query"
)

func Init() {
	prometheus.MustRegister(FollowUpsSent)
	prometheus.MustRegister(FollowUpFailures)
	prometheus.MustRegister(SchedulerCycles)
	prometheus.MustRegister(SchedulerSkippedTicks)
	prometheus.MustRegister(SchedulerRetries)
	prometheus.MustRegister(SchedulerErrorCount)
	prometheus.MustRegister(SchedulerCycleDuration)
}
