package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lightspeed-oss/batchd/fsutil"
)

// settingsFileName is the single file the registry is permitted to create,
// read, update, or delete for a repository's metadata (spec §4.3). It lives
// inside the repository directory so a CoW snapshot of the repository
// carries it along automatically.
const settingsFileName = ".claude-batch-settings.json"

func settingsPath(repoDir string) string {
	return filepath.Join(repoDir, settingsFileName)
}

func persistSettings(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings for %s: %w", rec.Name, err)
	}
	return fsutil.AtomicWriteFile(settingsPath(rec.LocalPath), data, 0o644)
}

func loadSettings(repoDir string) (*Record, error) {
	data, err := os.ReadFile(settingsPath(repoDir))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal settings at %s: %w", settingsPath(repoDir), err)
	}
	return &rec, nil
}
