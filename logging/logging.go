// Package logging builds the zap loggers every batchd component takes as a
// constructor argument. Grounded on knative-pkg/logging; unlike that
// package it does not wrap a zapcore.Core: job and repository fields are
// stamped with plain With-derived loggers (WithJob, WithRepo).
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the base logger for the process. level is one of zap's
// level names ("debug", "info", "warn", "error"); an unrecognized value
// falls back to "info".
func NewLogger(level string) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		// Config above is built from constants; Build only fails on
		// malformed sink/encoder registration, which cannot happen here.
		panic(err)
	}
	return logger.Sugar()
}

// NewTestLogger builds a development logger suitable for _test.go files:
// human-readable, synchronous, debug level.
func NewTestLogger() *zap.SugaredLogger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return logger.Sugar()
}

// WithJob returns a logger that stamps every subsequent entry with job_id,
// via zap.Field forwarding rather than a custom zapcore.Core: the teacher's
// wrap-the-core approach is worth it only when every call site needs the
// same structural change (e.g. forcing process exit on Fatal); per-job
// field-stamping is simpler done with With.
func WithJob(base *zap.SugaredLogger, jobID string) *zap.SugaredLogger {
	return base.With(zap.String("job_id", jobID))
}

// WithRepo returns a logger that stamps every subsequent entry with
// repo_name.
func WithRepo(base *zap.SugaredLogger, repoName string) *zap.SugaredLogger {
	return base.With(zap.String("repo_name", repoName))
}
