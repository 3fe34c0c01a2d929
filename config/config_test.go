package config_test

import (
	"testing"

	"github.com/lightspeed-oss/batchd/config"
)

func TestLoadDefaults(t *testing.T) {
	c, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.MaxConcurrent != 5 {
		t.Errorf("MaxConcurrent = %d, want 5", c.MaxConcurrent)
	}
	if c.DefaultTimeoutSeconds != 300 {
		t.Errorf("DefaultTimeoutSeconds = %d, want 300", c.DefaultTimeoutSeconds)
	}
	if c.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want 30", c.RetentionDays)
	}
	if !c.CidxWatchEnabled {
		t.Error("CidxWatchEnabled should default true")
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []config.Config{
		{MaxConcurrent: 0, DefaultTimeoutSeconds: 1, DataDir: "/tmp"},
		{MaxConcurrent: 1, DefaultTimeoutSeconds: 0, DataDir: "/tmp"},
		{MaxConcurrent: 1, DefaultTimeoutSeconds: 1, RetentionDays: -1, DataDir: "/tmp"},
		{MaxConcurrent: 1, DefaultTimeoutSeconds: 1, DataDir: ""},
	}
	for i, c := range cases {
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestDurationHelpers(t *testing.T) {
	c := config.Config{
		DefaultTimeoutSeconds:              45,
		RetentionDays:                      2,
		CidxWatchStartupTimeoutSeconds:     9,
		CidxWatchTerminationTimeoutSeconds: 3,
	}
	if got, want := c.DefaultTimeout().Seconds(), 45.0; got != want {
		t.Errorf("DefaultTimeout = %v, want %v", got, want)
	}
	if got, want := c.RetentionWindow().Hours(), 48.0; got != want {
		t.Errorf("RetentionWindow = %v, want %v", got, want)
	}
	if got, want := c.WatchStartupTimeout().Seconds(), 9.0; got != want {
		t.Errorf("WatchStartupTimeout = %v, want %v", got, want)
	}
	if got, want := c.WatchTerminationTimeout().Seconds(), 3.0; got != want {
		t.Errorf("WatchTerminationTimeout = %v, want %v", got, want)
	}
}
