// Package fsutil holds small filesystem helpers shared by the queue and
// state layers.
package fsutil

import (
	"fmt"
	"os"
	"syscall"
)

// SameDevice verifies every path resides on one filesystem device. Renames
// across devices silently degrade to copy+delete and lose their atomicity,
// so callers treat a mismatch as a fatal configuration error.
func SameDevice(paths ...string) error {
	if len(paths) < 2 {
		return nil
	}
	base, err := deviceOf(paths[0])
	if err != nil {
		return err
	}
	for _, path := range paths[1:] {
		dev, err := deviceOf(path)
		if err != nil {
			return err
		}
		if dev != base {
			return fmt.Errorf("%s and %s are on different devices", paths[0], path)
		}
	}
	return nil
}

func deviceOf(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("stat %s: no device information", path)
	}
	return uint64(stat.Dev), nil
}

// WriteFileAtomic writes data to a staging file in tmpDir and renames it to
// path. The rename is the commit point; a crash can leave a stale staging
// file but never a partial destination.
func WriteFileAtomic(tmpDir, path string, data []byte, mode os.FileMode) error {
	staged, err := os.CreateTemp(tmpDir, "staged-*")
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	name := staged.Name()
	if _, err := staged.Write(data); err != nil {
		staged.Close()
		os.Remove(name)
		return fmt.Errorf("write staging file: %w", err)
	}
	if err := staged.Chmod(mode); err != nil {
		staged.Close()
		os.Remove(name)
		return fmt.Errorf("chmod staging file: %w", err)
	}
	if err := staged.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close staging file: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("commit %s: %w", path, err)
	}
	return nil
}

// Remove deletes a file, treating an already-missing file as success.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
