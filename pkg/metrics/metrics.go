package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apex_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	TasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apex_tasks_running",
			Help: "Number of tasks currently executing",
		},
	)

	TasksDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apex_tasks_dispatched_total",
			Help: "Total number of task dispatches",
		},
	)

	TasksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apex_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apex_tasks_failed_total",
			Help: "Total number of failed tasks",
		},
	)

	TasksResumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apex_tasks_resumed_total",
			Help: "Total number of paused tasks resumed",
		},
	)

	// Usage metrics
	UsageTokens = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apex_usage_tokens",
			Help: "Tokens consumed by currently active tasks",
		},
	)

	UsageCost = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apex_usage_cost_dollars",
			Help: "Estimated cost of currently active tasks in dollars",
		},
	)

	DailySpent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apex_usage_daily_spent_dollars",
			Help: "Dollars spent since local midnight",
		},
	)

	// Runner metrics
	PollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apex_poll_duration_seconds",
			Help:    "Duration of one runner poll tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CheckpointsSaved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apex_checkpoints_saved_total",
			Help: "Total number of checkpoints written",
		},
	)

	// Recovery metrics
	OrphansRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apex_orphans_recovered_total",
			Help: "Total number of orphaned tasks recovered",
		},
	)

	DaemonRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apex_daemon_restarts_total",
			Help: "Total number of daemon core restarts by the watchdog",
		},
	)

	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apex_health_checks_total",
			Help: "Total number of health checks by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksRunning)
	prometheus.MustRegister(TasksDispatched)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(TasksResumed)
	prometheus.MustRegister(UsageTokens)
	prometheus.MustRegister(UsageCost)
	prometheus.MustRegister(DailySpent)
	prometheus.MustRegister(PollDuration)
	prometheus.MustRegister(CheckpointsSaved)
	prometheus.MustRegister(OrphansRecovered)
	prometheus.MustRegister(DaemonRestarts)
	prometheus.MustRegister(HealthChecksTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
