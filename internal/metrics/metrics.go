// Package metrics defines Prometheus metrics for dray.
//
// Metric naming follows Prometheus conventions:
//   - dray_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// StageJobsTotal counts stage-job state changes by stage key and status.
	StageJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dray_stage_jobs_total",
			Help: "Total stage-job state changes by stage and status.",
		},
		[]string{"stage", "status"},
	)

	// StageJobDurationSeconds is a histogram of stage-job execution time.
	StageJobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dray_stage_job_duration_seconds",
			Help:    "Duration of stage-job executions in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"stage"},
	)

	// GenericJobsTotal counts generic-job state changes by type and status.
	GenericJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dray_generic_jobs_total",
			Help: "Total generic-job state changes by job type and status.",
		},
		[]string{"type", "status"},
	)

	// TransitionsTotal counts stage transitions by target stage.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dray_stage_transitions_total",
			Help: "Total stage transitions by target stage.",
		},
		[]string{"to_stage"},
	)

	// ApprovalsTotal counts approval outcomes by terminal status.
	ApprovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dray_approvals_total",
			Help: "Total approval lifecycle outcomes by status.",
		},
		[]string{"status"},
	)

	// RemindersTotal counts client reminders sent and holds applied.
	RemindersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dray_reminders_total",
			Help: "Total reminder-loop outcomes.",
		},
		[]string{"outcome"},
	)

	// ActiveWorkers is the number of in-flight job executions.
	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dray_active_workers",
			Help: "Number of job executions currently in flight.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		StageJobsTotal,
		StageJobDurationSeconds,
		GenericJobsTotal,
		TransitionsTotal,
		ApprovalsTotal,
		RemindersTotal,
		ActiveWorkers,
	)
}

// RecordStageJob records one stage-job state change.
func RecordStageJob(stage, status string) {
	StageJobsTotal.WithLabelValues(stage, status).Inc()
}

// RecordStageJobDuration records a finished stage-job execution.
func RecordStageJobDuration(stage string, d time.Duration) {
	StageJobDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordGenericJob records one generic-job state change.
func RecordGenericJob(jobType, status string) {
	GenericJobsTotal.WithLabelValues(jobType, status).Inc()
}

// RecordTransition records a completed stage transition.
func RecordTransition(toStage string) {
	TransitionsTotal.WithLabelValues(toStage).Inc()
}

// RecordApproval records an approval outcome.
func RecordApproval(status string) {
	ApprovalsTotal.WithLabelValues(status).Inc()
}

// RecordReminder records a reminder-loop outcome (sent, hold, skipped).
func RecordReminder(outcome string) {
	RemindersTotal.WithLabelValues(outcome).Inc()
}
