// Package fsutil implements the FS Primitives of the job engine: name,
// path and URL validation, copy-on-write workspace cloning, and recursive
// removal under foreign UIDs (spec §4.1). Validation follows the plain
// early-return style used throughout the pack for input sanitization (see
// e.g. _examples/Aureuma-si/agents/manager/internal/beam/kube.go's
// normalizeContainerName) rather than a regexp-table abstraction.
package fsutil

import (
	"fmt"
	"strings"

	"github.com/lightspeed-oss/batchd/errs"
)

const (
	maxNameLength = 100
	maxURLLength  = 500
)

// shellMetacharacters are rejected outright from names, paths and URLs so
// that no value accepted here can ever be interpreted by a shell even if a
// future caller mistakenly concatenates it into one. Process Supervisor
// never invokes a shell itself (spec §4.2), but validation here is the
// second line of defense spec property 7 tests against.
const shellMetacharacters = ";&|`$()<>'\"\r\n"

// ValidateName rejects repository names that are empty, too long, contain
// shell metacharacters, or contain a path-traversal segment.
func ValidateName(s string) error {
	if s == "" {
		return fmt.Errorf("%w: name must not be empty", errs.Validation)
	}
	if len(s) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", errs.Validation, maxNameLength)
	}
	if strings.ContainsAny(s, shellMetacharacters) {
		return fmt.Errorf("%w: name %q contains a disallowed character", errs.Validation, s)
	}
	if strings.Contains(s, "..") {
		return fmt.Errorf("%w: name %q must not contain '..'", errs.Validation, s)
	}
	if strings.ContainsAny(s, "/\\") {
		return fmt.Errorf("%w: name %q must not contain a path separator", errs.Validation, s)
	}
	return nil
}

// ValidatePath rejects workspace-relative paths that are empty, contain
// shell metacharacters, or attempt to traverse outside their root via a
// ".." segment.
func ValidatePath(s string) error {
	if s == "" {
		return fmt.Errorf("%w: path must not be empty", errs.Validation)
	}
	if strings.ContainsAny(s, shellMetacharacters) {
		return fmt.Errorf("%w: path %q contains a disallowed character", errs.Validation, s)
	}
	for _, segment := range strings.Split(filepathSplit(s), "/") {
		if segment == ".." {
			return fmt.Errorf("%w: path %q must not contain a '..' segment", errs.Validation, s)
		}
	}
	return nil
}

// ValidateURL rejects remote URLs that are empty, too long, or contain
// shell metacharacters.
func ValidateURL(s string) error {
	if s == "" {
		return fmt.Errorf("%w: url must not be empty", errs.Validation)
	}
	if len(s) > maxURLLength {
		return fmt.Errorf("%w: url exceeds %d characters", errs.Validation, maxURLLength)
	}
	if strings.ContainsAny(s, shellMetacharacters) {
		return fmt.Errorf("%w: url %q contains a disallowed character", errs.Validation, s)
	}
	return nil
}

// filepathSplit normalizes a path's separators to '/' before segment
// splitting, so ValidatePath catches ".." on both POSIX and Windows-style
// input without importing path/filepath's OS-specific behavior.
func filepathSplit(s string) string {
	return strings.ReplaceAll(s, "\\", "/")
}
