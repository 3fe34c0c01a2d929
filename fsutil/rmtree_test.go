package fsutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lightspeed-oss/batchd/fsutil"
)

func TestRemoveTreeRemovesOrdinaryTree(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "victim")
	if err := os.MkdirAll(filepath.Join(target, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(target, "nested", "f.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := fsutil.RemoveTree(target, os.Getuid()); err != nil {
		t.Fatalf("RemoveTree: %v", err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("expected %s to be gone, stat err = %v", target, err)
	}
}

func TestRemoveTreeRejectsEmptyPath(t *testing.T) {
	if err := fsutil.RemoveTree("", 0); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestRemoveTreeOnMissingPathSucceeds(t *testing.T) {
	root := t.TempDir()
	if err := fsutil.RemoveTree(filepath.Join(root, "never-existed"), 0); err != nil {
		t.Fatalf("RemoveTree on missing path: %v", err)
	}
}
