// Package assistant wraps invocation of the external AI CLI (spec §6): the
// path-encoding convention its session storage uses, discovery of the most
// recent session for a working directory, and the argument vectors used to
// run it non-interactively.
package assistant

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// EncodeProjectPath mirrors the assistant's own encoding of a working
// directory into its project storage directory name: every `/`, `\`, and
// `:` becomes `-` (spec §6).
func EncodeProjectPath(cwd string) string {
	replacer := strings.NewReplacer("/", "-", `\`, "-", ":", "-")
	return replacer.Replace(cwd)
}

// LatestSession returns the most recently modified session id recorded
// under homeDir for cwd, by inspecting
// ~/.claude/projects/<encoded-cwd>/<session>.jsonl. ok is false when no
// session has been recorded yet, which is not an error: the first
// invocation for a workspace has nothing to resume.
func LatestSession(homeDir, cwd string) (sessionID string, ok bool, err error) {
	dir := filepath.Join(homeDir, ".claude", "projects", EncodeProjectPath(cwd))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	type candidate struct {
		id      string
		modTime int64
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{
			id:      strings.TrimSuffix(e.Name(), ".jsonl"),
			modTime: info.ModTime().UnixNano(),
		})
	}
	if len(candidates) == 0 {
		return "", false, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime > candidates[j].modTime })
	return candidates[0].id, true, nil
}
