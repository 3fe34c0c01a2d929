package titlegen_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightspeed-oss/batchd/titlegen"
)

func writeFakeAssistant(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "claude")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGenerateReturnsAssistantOutput(t *testing.T) {
	bin := writeFakeAssistant(t, "#!/bin/sh\necho 'Fix the flaky login test'\n")
	got := titlegen.Generate(bin, "please fix the flaky login test", time.Second)
	if got != "Fix the flaky login test" {
		t.Errorf("Generate = %q, want %q", got, "Fix the flaky login test")
	}
}

func TestGenerateFallsBackOnNonZeroExit(t *testing.T) {
	bin := writeFakeAssistant(t, "#!/bin/sh\nexit 1\n")
	got := titlegen.Generate(bin, "a very specific prompt about widgets", time.Second)
	if got != "a very specific prompt about widgets" {
		t.Errorf("Generate = %q, want fallback to prompt", got)
	}
}

func TestGenerateFallsBackOnTimeout(t *testing.T) {
	bin := writeFakeAssistant(t, "#!/bin/sh\nsleep 5\n")
	got := titlegen.Generate(bin, "slow request", 100*time.Millisecond)
	if got != "slow request" {
		t.Errorf("Generate = %q, want fallback to prompt", got)
	}
}

func TestGenerateFallsBackOnMissingBinary(t *testing.T) {
	got := titlegen.Generate(filepath.Join(t.TempDir(), "does-not-exist"), "my prompt", time.Second)
	if got != "my prompt" {
		t.Errorf("Generate = %q, want fallback to prompt", got)
	}
}
