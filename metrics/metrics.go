// Package metrics exposes the server's Prometheus instrumentation (spec
// §6's observability requirements): queue depth, concurrency, per-outcome
// job duration, per-step pipeline duration, and watcher process count.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every gauge and histogram the server publishes. It is
// constructed once at startup and threaded into the Scheduler rather than
// reached for through package-level globals, so tests
// can register a private instance per run.
type Metrics struct {
	JobsQueued          prometheus.Gauge
	JobsRunning         prometheus.Gauge
	WatcherProcesses    prometheus.Gauge
	JobDuration         *prometheus.HistogramVec
	PipelineStepSeconds *prometheus.HistogramVec
}

// New builds and registers the full metric set against reg. Passing a
// fresh *prometheus.Registry (rather than prometheus.DefaultRegisterer)
// lets callers, including tests, register more than one Metrics without
// colliding on metric names.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchd_jobs_queued",
			Help: "Number of jobs currently waiting in the scheduler queue",
		}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchd_jobs_running",
			Help: "Number of jobs with an assistant process currently executing",
		}),
		WatcherProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchd_watcher_processes",
			Help: "Number of semantic-indexer watcher processes currently supervised",
		}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchd_job_duration_seconds",
			Help:    "Wall-clock duration of a job from dequeue to terminal status",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		PipelineStepSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchd_pipeline_step_duration_seconds",
			Help:    "Duration of one pre-run pipeline step",
			Buckets: prometheus.DefBuckets,
		}, []string{"step"}),
	}
	reg.MustRegister(
		m.JobsQueued,
		m.JobsRunning,
		m.WatcherProcesses,
		m.JobDuration,
		m.PipelineStepSeconds,
	)
	return m
}

// ObserveJobDuration records how long a job ran before reaching outcome
// (a terminal jobstore.Status string).
func (m *Metrics) ObserveJobDuration(outcome string, d time.Duration) {
	m.JobDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObservePipelineStep records how long one named pre-run pipeline step
// took, regardless of whether it succeeded.
func (m *Metrics) ObservePipelineStep(step string, d time.Duration) {
	m.PipelineStepSeconds.WithLabelValues(step).Observe(d.Seconds())
}

// IncWatcher and DecWatcher track the number of live watcher subprocesses
// across all in-flight jobs.
func (m *Metrics) IncWatcher() { m.WatcherProcesses.Inc() }
func (m *Metrics) DecWatcher() { m.WatcherProcesses.Dec() }
