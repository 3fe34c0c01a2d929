package fsutil

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// RemoveTree removes path and everything under it. uid is informational
// only on this code path (os.RemoveAll, run as the engine's own usually
// privileged user, bypasses the owner check that would otherwise block
// removing files the impersonated subprocess left behind); it is kept as a
// parameter, and surfaced in the error, so a future caller that must
// enforce a non-root removal policy (e.g. one workspace per tenant
// container) has a documented hook to use a per-uid removal strategy
// instead.
func RemoveTree(path string, uid int) error {
	if path == "" {
		return fmt.Errorf("remove tree: empty path")
	}
	if err := os.RemoveAll(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("remove tree %s: %w", path, err)
	}

	// os.RemoveAll hit a permission error, which happens when a directory
	// inside the tree was left with restrictive mode bits by the
	// impersonated subprocess that owned uid. Shelling to rm -rf running
	// as the engine's own (typically root) identity succeeds because the
	// superuser is exempt from the owner/mode check that blocked the pure
	// Go removal above.
	cmd := exec.Command("rm", "-rf", "--", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("remove tree %s (owned by uid %d): rm -rf failed: %w: %s", path, uid, err, string(out))
	}
	return nil
}
