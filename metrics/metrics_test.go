package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/lightspeed-oss/batchd/metrics"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}

func histogramSampleCount(t *testing.T, v *prometheus.HistogramVec, labelValue string) uint64 {
	t.Helper()
	var m dto.Metric
	if err := v.WithLabelValues(labelValue).(prometheus.Histogram).Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func TestJobsQueuedGaugeTracksIncDec(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.JobsQueued.Inc()
	m.JobsQueued.Inc()
	if got := gaugeValue(t, m.JobsQueued); got != 2 {
		t.Fatalf("JobsQueued = %v, want 2", got)
	}

	m.JobsQueued.Dec()
	if got := gaugeValue(t, m.JobsQueued); got != 1 {
		t.Fatalf("JobsQueued = %v, want 1", got)
	}
}

func TestWatcherProcessesGaugeTracksIncDec(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.IncWatcher()
	m.IncWatcher()
	m.DecWatcher()
	if got := gaugeValue(t, m.WatcherProcesses); got != 1 {
		t.Fatalf("WatcherProcesses = %v, want 1", got)
	}
}

func TestObserveJobDurationRecordsIntoOutcomeLabel(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.ObserveJobDuration("completed", 2*time.Second)
	m.ObserveJobDuration("failed", time.Second)

	if got := histogramSampleCount(t, m.JobDuration, "completed"); got != 1 {
		t.Fatalf("completed sample count = %d, want 1", got)
	}
	if got := histogramSampleCount(t, m.JobDuration, "failed"); got != 1 {
		t.Fatalf("failed sample count = %d, want 1", got)
	}
	if got := histogramSampleCount(t, m.JobDuration, "timeout"); got != 0 {
		t.Fatalf("timeout sample count = %d, want 0", got)
	}
}

func TestObservePipelineStepRecordsIntoStepLabel(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.ObservePipelineStep("pre_run", 500*time.Millisecond)
	m.ObservePipelineStep("pre_run", 250*time.Millisecond)

	if got := histogramSampleCount(t, m.PipelineStepSeconds, "pre_run"); got != 2 {
		t.Fatalf("pre_run sample count = %d, want 2", got)
	}
}

func TestNewRegistersAllMetricsOnGivenRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.New(reg)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"batchd_jobs_queued",
		"batchd_jobs_running",
		"batchd_watcher_processes",
		"batchd_job_duration_seconds",
		"batchd_pipeline_step_duration_seconds",
	} {
		if !names[want] {
			t.Errorf("missing registered metric %s", want)
		}
	}
}
