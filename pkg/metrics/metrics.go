package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lyceum_queue_depth",
			Help: "Number of pending tasks per priority band",
		},
		[]string{"priority"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lyceum_tasks_total",
			Help: "Total number of tracked tasks by state",
		},
		[]string{"state"},
	)

	TasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lyceum_tasks_enqueued_total",
			Help: "Total number of tasks enqueued by priority",
		},
		[]string{"priority"},
	)

	TasksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lyceum_tasks_completed_total",
			Help: "Total number of tasks completed",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lyceum_tasks_failed_total",
			Help: "Total number of task failures reported by workers",
		},
	)

	TasksRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lyceum_tasks_retried_total",
			Help: "Total number of tasks requeued for retry",
		},
	)

	TasksDisplaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lyceum_tasks_displaced_total",
			Help: "Total number of tasks displaced by overflow, by displaced priority",
		},
		[]string{"priority"},
	)

	DeadLetterDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lyceum_dead_letter_depth",
			Help: "Number of tasks currently in the dead-letter queue",
		},
	)

	DequeueLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lyceum_dequeue_latency_seconds",
			Help:    "Time taken to match and lease a task in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lyceum_workers_total",
			Help: "Total number of registered workers by state",
		},
		[]string{"state"},
	)

	WorkersDeclaredDead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lyceum_workers_declared_dead_total",
			Help: "Total number of workers declared dead by the heartbeat monitor",
		},
	)

	AckTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lyceum_ack_timeouts_total",
			Help: "Total number of assignments returned to pending for missing acknowledgement",
		},
	)

	// Persistence metrics
	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lyceum_snapshot_duration_seconds",
			Help:    "Time taken to write a queue snapshot in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SnapshotFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lyceum_snapshot_failures_total",
			Help: "Total number of failed snapshot writes",
		},
	)

	// Supervisor metrics
	SupervisorIterations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lyceum_supervisor_iterations_total",
			Help: "Total number of supervisor orchestration iterations",
		},
	)

	ResourceUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lyceum_resource_utilization",
			Help: "Fraction of the compute budget currently consumed",
		},
	)

	AgentEffectiveness = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lyceum_agent_effectiveness",
			Help: "Smoothed effectiveness score per agent role",
		},
		[]string{"agent_type"},
	)
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		TasksTotal,
		TasksEnqueued,
		TasksCompleted,
		TasksFailed,
		TasksRetried,
		TasksDisplaced,
		DeadLetterDepth,
		DequeueLatency,
		WorkersTotal,
		WorkersDeclaredDead,
		AckTimeouts,
		SnapshotDuration,
		SnapshotFailures,
		SupervisorIterations,
		ResourceUtilization,
		AgentEffectiveness,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
