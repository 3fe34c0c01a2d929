// Command batchd is the job execution engine's process entry point. It
// loads configuration, rehydrates the Job Store and Repository Registry
// from disk, recovers any jobs left mid-flight by a prior crash, and then
// drives the Scheduler and Retention Sweep until asked to stop. It exposes
// only a Prometheus /metrics endpoint: spec.md's Non-goals exclude "HTTP
// transport, request routing, JSON (de)serialization, authentication" for
// the job API, so a front end that accepts prompts and calls the Engine
// Facade's Create/Start/Get/List/Cancel/Delete lives in a separate,
// out-of-scope process or package that embeds this one's packages
// in-process alongside Scheduler.Run.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"

	"github.com/lightspeed-oss/batchd/config"
	"github.com/lightspeed-oss/batchd/jobstore"
	"github.com/lightspeed-oss/batchd/logging"
	"github.com/lightspeed-oss/batchd/metrics"
	"github.com/lightspeed-oss/batchd/registry"
	"github.com/lightspeed-oss/batchd/retention"
	"github.com/lightspeed-oss/batchd/scheduler"
)

// options are the command-line flags that override the environment
// configuration loaded by config.Load. Everything else is BATCHD_-prefixed
// environment only, per spec §6.
type options struct {
	dataDir     string
	metricsAddr string
	logLevel    string
}

func (o *options) parseFlags() {
	flag.StringVar(&o.dataDir, "data-dir", "", "Override BATCHD_DATA_DIR.")
	flag.StringVar(&o.metricsAddr, "metrics-addr", "", "Override BATCHD_METRICS_ADDR.")
	flag.StringVar(&o.logLevel, "log-level", "", "Override BATCHD_LOG_LEVEL.")
	flag.Parse()
}

func (o *options) applyTo(cfg *config.Config) {
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.metricsAddr != "" {
		cfg.MetricsAddr = o.metricsAddr
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
}

func main() {
	var opts options
	opts.parseFlags()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "batchd:", err)
		os.Exit(1)
	}
	opts.applyTo(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "batchd:", err)
		os.Exit(1)
	}

	log := logging.NewLogger(cfg.LogLevel)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reposDir := filepath.Join(cfg.DataDir, "repos")
	jobsDir := filepath.Join(cfg.DataDir, "jobs")
	workspacesDir := filepath.Join(cfg.DataDir, "workspaces")

	jobs := jobstore.New(jobsDir)
	if err := jobs.LoadAll(); err != nil {
		log.Fatalw("failed to load job store", "error", err)
	}

	repos := registry.New(reposDir, cfg.GitBinary, cfg.IndexerBinary, log)
	if err := repos.Load(); err != nil {
		log.Fatalw("failed to load repository registry", "error", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	sched := scheduler.New(scheduler.Config{
		MaxConcurrent:         cfg.MaxConcurrent,
		AssistantBinary:       cfg.AssistantBinary,
		GitBinary:             cfg.GitBinary,
		IndexerBinary:         cfg.IndexerBinary,
		WatchEnabled:          cfg.CidxWatchEnabled,
		WatchStartupTimeout:   cfg.WatchStartupTimeout(),
		WatchTerminationGrace: cfg.WatchTerminationTimeout(),
		FallbackOnWatchFail:   cfg.CidxFallbackOnWatchFailure,
		WorkspacesDir:         workspacesDir,
		ReposDir:              reposDir,
	}, jobs, repos, m, log)
	sched.Recover(ctx)

	sweeper := retention.New(retention.Config{
		Window:        cfg.RetentionWindow(),
		Interval:      1 * time.Hour,
		WorkspacesDir: workspacesDir,
	}, jobs, log)

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, reg)
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("metrics server stopped unexpectedly", "error", err)
		}
	}()
	go sweeper.Run(ctx)

	log.Infow("batchd starting", "data_dir", cfg.DataDir, "metrics_addr", cfg.MetricsAddr, "max_concurrent", cfg.MaxConcurrent)
	sched.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("metrics server shutdown did not complete cleanly", "error", err)
	}
	log.Info("batchd stopped")
}
