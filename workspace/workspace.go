// Package workspace implements the Workspace Provisioner (spec §4.4): it
// turns a completed repository into a job-owned, copy-on-write workspace.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lightspeed-oss/batchd/fsutil"
)

// Provision clones repoDir into workspaceDir via fsutil.CoWClone, then
// reassigns ownership of every entry to uid/gid so the job's impersonated
// subprocesses can write into it.
func Provision(repoDir, workspaceDir string, uid, gid int) error {
	if err := fsutil.CoWClone(repoDir, workspaceDir); err != nil {
		return fmt.Errorf("provision workspace from %s: %w", repoDir, err)
	}
	if err := chownTree(workspaceDir, uid, gid); err != nil {
		return fmt.Errorf("chown workspace %s to uid=%d gid=%d: %w", workspaceDir, uid, gid, err)
	}
	return nil
}

func chownTree(root string, uid, gid int) error {
	return filepath.Walk(root, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return os.Lchown(path, uid, gid)
	})
}
