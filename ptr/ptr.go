// Package ptr provides pointer-of-literal helpers for the job engine's
// nullable DTO fields (exit code, cancelled-at, assistant pid). Adapted
// from knative-pkg/ptr, which built the same helpers on top of
// k8s.io/utils/pointer; that dependency only exists to match the
// pointer-returning signatures Kubernetes API types expect, which this
// module has no use for, so the bodies are written directly here instead.
package ptr

import "time"

// Int is a helper for turning an int into a pointer.
func Int(v int) *int { return &v }

// Int32 is a helper for turning an int32 into a pointer.
func Int32(v int32) *int32 { return &v }

// Int64 is a helper for turning an int64 into a pointer.
func Int64(v int64) *int64 { return &v }

// Bool is a helper for turning a bool into a pointer.
func Bool(v bool) *bool { return &v }

// String is a helper for turning a string into a pointer.
func String(v string) *string { return &v }

// Time is a helper for turning a time.Time into a pointer.
func Time(v time.Time) *time.Time { return &v }

// Duration is a helper for turning a time.Duration into a pointer.
func Duration(v time.Duration) *time.Duration { return &v }
