package metrics

import (
	"net/http"
	"time"

	"github.com/aristath/dreamteam/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds all Prometheus metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	// Counters
	tasksCreated       *prometheus.CounterVec
	tasksClaimed       *prometheus.CounterVec
	tasksCompleted     *prometheus.CounterVec
	tasksFailed        *prometheus.CounterVec
	tasksRetried       *prometheus.CounterVec
	tasksRequeued      *prometheus.CounterVec
	tasksCascadeFailed *prometheus.CounterVec
	tasksCancelled     *prometheus.CounterVec

	// Gauges
	queueDepth *prometheus.GaugeVec
	inFlight   *prometheus.GaugeVec

	// Histograms
	taskDuration  *prometheus.HistogramVec
	claimDuration prometheus.Histogram
}

// NewRecorder creates and registers all Prometheus metrics.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		tasksCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dreamteam_tasks_created_total",
				Help: "Total number of tasks created",
			},
			[]string{"role"},
		),
		tasksClaimed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dreamteam_tasks_claimed_total",
				Help: "Total number of task claims",
			},
			[]string{"role"},
		),
		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dreamteam_tasks_completed_total",
				Help: "Total number of tasks completed",
			},
			[]string{"role"},
		),
		tasksFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dreamteam_tasks_failed_total",
				Help: "Total number of permanently failed tasks",
			},
			[]string{"role", "error_type"},
		),
		tasksRetried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dreamteam_task_retries_total",
				Help: "Total number of retries scheduled",
			},
			[]string{"role", "error_type"},
		),
		tasksRequeued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dreamteam_tasks_requeued_total",
				Help: "Total number of stuck tasks reclaimed by the watchdog",
			},
			[]string{"role"},
		),
		tasksCascadeFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dreamteam_tasks_cascade_failed_total",
				Help: "Total number of tasks failed because a dependency failed",
			},
			[]string{"role"},
		),
		tasksCancelled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dreamteam_tasks_cancelled_total",
				Help: "Total number of tasks cancelled",
			},
			[]string{"role"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dreamteam_queue_depth",
				Help: "Current number of tasks by status",
			},
			[]string{"status"},
		),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dreamteam_dispatcher_in_flight",
				Help: "Tasks currently executing in this process",
			},
			[]string{"role"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dreamteam_task_duration_seconds",
				Help:    "Task execution duration in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 300, 600},
			},
			[]string{"role"},
		),
		claimDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dreamteam_task_claim_duration_seconds",
				Help:    "Time to claim tasks from the store",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	r.registry.MustRegister(
		r.tasksCreated,
		r.tasksClaimed,
		r.tasksCompleted,
		r.tasksFailed,
		r.tasksRetried,
		r.tasksRequeued,
		r.tasksCascadeFailed,
		r.tasksCancelled,
		r.queueDepth,
		r.inFlight,
		r.taskDuration,
		r.claimDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// A nil *Recorder is valid and records nothing.

func (r *Recorder) TaskCreated(role string) {
	if r != nil {
		r.tasksCreated.WithLabelValues(role).Inc()
	}
}

func (r *Recorder) TasksClaimed(role string, n int, took time.Duration) {
	if r == nil {
		return
	}
	r.claimDuration.Observe(took.Seconds())
	if n > 0 {
		r.tasksClaimed.WithLabelValues(role).Add(float64(n))
	}
}

func (r *Recorder) TaskCompleted(role string, took time.Duration) {
	if r == nil {
		return
	}
	r.tasksCompleted.WithLabelValues(role).Inc()
	r.taskDuration.WithLabelValues(role).Observe(took.Seconds())
}

func (r *Recorder) TaskFailed(role string, et scheduler.ErrorType) {
	if r != nil {
		r.tasksFailed.WithLabelValues(role, string(et)).Inc()
	}
}

func (r *Recorder) RetryScheduled(role string, et scheduler.ErrorType) {
	if r != nil {
		r.tasksRetried.WithLabelValues(role, string(et)).Inc()
	}
}

func (r *Recorder) TaskRequeued(role string) {
	if r != nil {
		r.tasksRequeued.WithLabelValues(role).Inc()
	}
}

func (r *Recorder) TaskCascadeFailed(role string) {
	if r != nil {
		r.tasksCascadeFailed.WithLabelValues(role).Inc()
	}
}

func (r *Recorder) TaskCancelled(role string) {
	if r != nil {
		r.tasksCancelled.WithLabelValues(role).Inc()
	}
}

// SetQueueDepth publishes current counts by status.
func (r *Recorder) SetQueueDepth(depth map[scheduler.TaskStatus]int) {
	if r == nil {
		return
	}
	for _, st := range scheduler.AllStatuses {
		r.queueDepth.WithLabelValues(string(st)).Set(float64(depth[st]))
	}
}

// InFlight adjusts the in-flight gauge for role by delta.
func (r *Recorder) InFlight(role string, delta int) {
	if r != nil {
		r.inFlight.WithLabelValues(role).Add(float64(delta))
	}
}
