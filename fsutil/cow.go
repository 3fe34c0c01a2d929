package fsutil

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// CoWClone produces a directory at dst whose content is initially
// identical to src and whose subsequent modifications do not affect src
// (spec §4.1). It prefers a reflink clone (`cp --reflink=auto -a`, O(1) on
// btrfs/xfs/zfs, falling back transparently to a deep copy on filesystems
// without reflink support) and always lands the result via a rename into
// place so a crash mid-copy never leaves a partially populated dst
// visible under its final name -- the same atomic-publish discipline the
// Job Store uses for its record files (see AtomicWriteFile).
func CoWClone(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source %s: %w", src, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %s is not a directory", src)
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("destination %s already exists", dst)
	}

	tmp := dst + ".cow-tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("clear staging dir %s: %w", tmp, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", dst, err)
	}

	if err := reflinkCopy(src, tmp); err != nil {
		if rmErr := os.RemoveAll(tmp); rmErr != nil {
			return fmt.Errorf("clone %s: %w (cleanup also failed: %v)", src, err, rmErr)
		}
		return fmt.Errorf("clone %s: %w", src, err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("publish clone at %s: %w", dst, err)
	}
	return nil
}

// reflinkCopy shells out to coreutils cp, which itself attempts a
// reflink/clonefile and transparently falls back to a normal copy when the
// underlying filesystem does not support it. Arguments are a fixed vector
// with no caller-controlled shell interpolation, consistent with spec
// §4.2's prohibition on shell-interpreted subprocess invocation.
func reflinkCopy(src, dst string) error {
	cmd := exec.Command("cp", "--reflink=auto", "-a", src, dst)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if _, lookErr := exec.LookPath("cp"); lookErr != nil {
		return pureGoCopy(src, dst)
	}
	return fmt.Errorf("cp --reflink=auto -a %s %s: %w: %s", src, dst, err, string(out))
}

// pureGoCopy is the last-resort deep copy used in environments without a
// coreutils cp (e.g. minimal containers), preserving the invariant that
// CoWClone always produces a working clone even without reflink support.
func pureGoCopy(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
