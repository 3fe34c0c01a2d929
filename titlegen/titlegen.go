// Package titlegen implements the Title Generator (spec §4.9): a one-shot
// assistant invocation that labels a job's prompt, with a truncated-prompt
// fallback when the assistant is unavailable or too slow.
package titlegen

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lightspeed-oss/batchd/procsup"
)

const (
	maxTitleLength = 60

	instructionTemplate = "In %d characters or fewer, give a short, descriptive label for the following request. Respond with only the label, no punctuation or quotes.\n\nRequest: %s"
)

// Generate asks assistantBinary for a short label of prompt, bounded by
// timeout. On any failure it falls back to a truncated prefix of prompt, so
// job creation never blocks indefinitely on title generation (spec §4.9
// calls this synchronous, invoked during Engine.Create).
func Generate(assistantBinary, prompt string, timeout time.Duration) string {
	instruction := fmt.Sprintf(instructionTemplate, maxTitleLength, prompt)

	h, err := procsup.Spawn(assistantBinary, []string{"--print", instruction}, "", os.Environ(), "")
	if err != nil {
		return fallback(prompt)
	}

	done := make(chan error, 1)
	go func() { done <- h.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fallback(prompt)
		}
		out := string(h.Tail(4096))
		title := truncate(firstLine(out), maxTitleLength)
		if title == "" {
			return fallback(prompt)
		}
		return title
	case <-time.After(timeout):
		_ = procsup.Terminate(h, 2*time.Second)
		return fallback(prompt)
	}
}

func fallback(prompt string) string {
	return truncate(firstLine(prompt), maxTitleLength)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) <= n {
		return trimmed
	}
	return trimmed[:n]
}
