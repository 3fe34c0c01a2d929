// Package errs defines the error kinds the job engine uses to drive
// caller-visible behavior (§7 of the design). Components never return ad
// hoc errors for these situations; they wrap one of the sentinels below so
// callers can classify failures with errors.Is instead of string matching.
package errs

import "errors"

var (
	// Validation marks a rejected input: bad name, bad URL, path traversal,
	// malformed options. Never changes any on-disk state.
	Validation = errors.New("validation error")

	// NotFound marks a missing job or repository id.
	NotFound = errors.New("not found")

	// Conflict marks a request that is well-formed but illegal given the
	// current state: duplicate repository name, cancel after terminal.
	Conflict = errors.New("conflict")

	// Transient marks a failure a caller's retry policy may recover from:
	// network failure during git/index operations, supervisor spawn
	// failure. Pipelines retry a different strategy where policy permits.
	Transient = errors.New("transient error")

	// Fatal marks an unrecoverable failure. The owning job ends in
	// *failed* and the error text is stored on the record's Output.
	Fatal = errors.New("fatal error")
)

// Is reports whether err wraps kind, via errors.Is.
func Is(err error, kind error) bool {
	return errors.Is(err, kind)
}
