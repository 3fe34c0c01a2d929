// Package config loads the operational configuration recognized by the
// core (spec §6), via envconfig -- the teacher's own dependency for
// struct-tag-driven environment configuration.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every setting the job engine reads at startup. All fields
// carry the defaults spec.md names explicitly.
type Config struct {
	// MaxConcurrent bounds how many jobs may be *running* at once.
	MaxConcurrent int `envconfig:"MAX_CONCURRENT" default:"5"`

	// DefaultTimeoutSeconds is applied to a job that does not specify its
	// own timeout.
	DefaultTimeoutSeconds int `envconfig:"DEFAULT_TIMEOUT_SECONDS" default:"300"`

	// RetentionDays is the age, from completion, at which a terminal job's
	// record and workspace become eligible for cleanup.
	RetentionDays int `envconfig:"RETENTION_DAYS" default:"30"`

	// CidxWatchEnabled switches the pre-run pipeline between the
	// watch-based strategy and the one-shot reconcile strategy.
	CidxWatchEnabled bool `envconfig:"CIDX_WATCH_ENABLED" default:"true"`

	// CidxWatchStartupTimeoutSeconds bounds how long the pipeline waits
	// for a started watcher to prove itself alive before falling back.
	CidxWatchStartupTimeoutSeconds int `envconfig:"CIDX_WATCH_STARTUP_TIMEOUT" default:"30"`

	// CidxWatchTerminationTimeoutSeconds bounds graceful watcher shutdown
	// before the supervisor escalates to a forceful kill.
	CidxWatchTerminationTimeoutSeconds int `envconfig:"CIDX_WATCH_TERMINATION_TIMEOUT" default:"10"`

	// CidxFallbackOnWatchFailure enables the reconcile fallback when the
	// watcher fails to start or dies within its warm-up window.
	CidxFallbackOnWatchFailure bool `envconfig:"CIDX_FALLBACK_ON_WATCH_FAILURE" default:"true"`

	// AutoStartOnCreate resolves spec.md's open question of whether
	// `start` is explicit or implicit: when true, Engine.Create enqueues
	// the job immediately; when false, a caller must invoke Start.
	AutoStartOnCreate bool `envconfig:"AUTO_START_ON_CREATE" default:"true"`

	// DataDir is the root directory under which `repos/` and `jobs/` live.
	DataDir string `envconfig:"DATA_DIR" default:"/var/lib/batchd"`

	// LogLevel is one of zap's level names.
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// MetricsAddr is the listen address for the Prometheus metrics server.
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	// GitBinary is the git executable invoked for clone/pull/fetch.
	GitBinary string `envconfig:"GIT_BINARY" default:"git"`

	// IndexerBinary is the semantic-indexer executable (start/stop/fix-config/index/watch).
	IndexerBinary string `envconfig:"INDEXER_BINARY" default:"cidx"`

	// AssistantBinary is the external AI CLI invoked per job.
	AssistantBinary string `envconfig:"ASSISTANT_BINARY" default:"claude"`
}

// DefaultTimeout returns DefaultTimeoutSeconds as a time.Duration.
func (c Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSeconds) * time.Second
}

// RetentionWindow returns RetentionDays as a time.Duration.
func (c Config) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// WatchStartupTimeout returns CidxWatchStartupTimeoutSeconds as a
// time.Duration.
func (c Config) WatchStartupTimeout() time.Duration {
	return time.Duration(c.CidxWatchStartupTimeoutSeconds) * time.Second
}

// WatchTerminationTimeout returns CidxWatchTerminationTimeoutSeconds as a
// time.Duration.
func (c Config) WatchTerminationTimeout() time.Duration {
	return time.Duration(c.CidxWatchTerminationTimeoutSeconds) * time.Second
}

// Load reads the configuration from the process environment under the
// BATCHD_ prefix, e.g. BATCHD_MAX_CONCURRENT.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process("batchd", &c); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return c, nil
}

// Validate rejects configuration values that would make the engine
// impossible to run correctly.
func (c Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be >= 1, got %d", c.MaxConcurrent)
	}
	if c.DefaultTimeoutSeconds < 1 {
		return fmt.Errorf("default_timeout_seconds must be >= 1, got %d", c.DefaultTimeoutSeconds)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention_days must be >= 0, got %d", c.RetentionDays)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	return nil
}
