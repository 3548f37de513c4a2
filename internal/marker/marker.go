// Package marker reads and writes the small version files whose name encodes
// the phase of a staged update and whose content is a version string.
package marker

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	appErrors "github.com/izzyreal/otastage/internal/errors"
)

const (
	// Installed names the marker of the code in a directory: the running version
	// inside the main directory, or a fully downloaded update inside staging.
	Installed = ".version"
	// Scheduled names the marker of an update that was decided on but not yet
	// downloaded.
	Scheduled = ".version_on_reboot"

	// Sentinel is the version reported when no marker exists. It sorts below any
	// real release tag.
	Sentinel = "0.0"
)

// IsReserved reports whether name is one of the marker file names.
func IsReserved(name string) bool {
	return name == Installed || name == Scheduled
}

// Read returns the first line of dir/name. A missing directory, a missing file
// and an empty file all read as Sentinel with a nil error. Any other failure
// still yields Sentinel, together with a filesystem error the caller can log or
// return.
func Read(dir, name string) (string, error) {
	p := filepath.Join(dir, name)
	raw, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Sentinel, nil
		}
		return Sentinel, appErrors.Filesystem(fmt.Sprintf("read marker %s", p), err)
	}
	line, _, _ := bufio.NewReader(bytes.NewReader(raw)).ReadLine()
	v := strings.TrimSpace(string(line))
	if v == "" {
		return Sentinel, nil
	}
	return v, nil
}

// Write creates or truncates dir/name with the literal version and syncs it to
// disk before returning. dir must already exist.
func Write(dir, name, version string) error {
	p := filepath.Join(dir, name)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return appErrors.Filesystem(fmt.Sprintf("open marker %s", p), err)
	}
	if _, err := f.WriteString(version); err != nil {
		_ = f.Close()
		return appErrors.Filesystem(fmt.Sprintf("write marker %s", p), err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return appErrors.Filesystem(fmt.Sprintf("sync marker %s", p), err)
	}
	if err := f.Close(); err != nil {
		return appErrors.Filesystem(fmt.Sprintf("close marker %s", p), err)
	}
	return nil
}

// Rename moves the marker from one name to another inside dir.
func Rename(dir, from, to string) error {
	src := filepath.Join(dir, from)
	if err := os.Rename(src, filepath.Join(dir, to)); err != nil {
		return appErrors.Filesystem(fmt.Sprintf("rename marker %s to %s", src, to), err)
	}
	return nil
}

// Exists reports whether dir/name is present as a regular file.
func Exists(dir, name string) (bool, error) {
	p := filepath.Join(dir, name)
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, appErrors.Filesystem(fmt.Sprintf("stat marker %s", p), err)
	}
	return info.Mode().IsRegular(), nil
}
