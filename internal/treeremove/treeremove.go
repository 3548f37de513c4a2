package treeremove

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	appErrors "github.com/izzyreal/otastage/internal/errors"
)

// RemoveTree deletes path and everything below it. Entries are told apart by
// Lstat alone, so symlinks are removed rather than followed. A failing entry does
// not stop the walk over its siblings; every failure is collected and reported
// together, and the directory holding a failed entry is left in place.
func RemoveTree(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return appErrors.Filesystem(fmt.Sprintf("stat %s", path), err)
	}
	if !info.IsDir() {
		if err := os.Remove(path); err != nil {
			return appErrors.Filesystem(fmt.Sprintf("remove %s", path), err)
		}
		return nil
	}
	if err := removeDir(path); err != nil {
		return appErrors.Filesystem(fmt.Sprintf("remove tree %s", path), err)
	}
	return nil
}

func removeDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}

	var result *multierror.Error
	for _, entry := range entries {
		p := filepath.Join(dir, entry.Name())
		info, err := os.Lstat(p)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("stat %s: %w", p, err))
			continue
		}
		if info.IsDir() {
			if err := removeDir(p); err != nil {
				result = multierror.Append(result, err)
			}
			continue
		}
		slog.Debug("removing file", "path", p)
		if err := os.Remove(p); err != nil {
			result = multierror.Append(result, fmt.Errorf("remove %s: %w", p, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	slog.Debug("removing directory", "path", dir)
	if err := os.Remove(dir); err != nil {
		return fmt.Errorf("rmdir %s: %w", dir, err)
	}
	return nil
}
