// Package mirror reproduces a remote repository subtree, pinned to a release
// tag, inside a local staging directory.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	appErrors "github.com/izzyreal/otastage/internal/errors"
	"github.com/izzyreal/otastage/internal/marker"
	"github.com/izzyreal/otastage/internal/repo"
)

// Source lists remote directories and fetches file bodies.
type Source interface {
	ListEntries(ctx context.Context, listingURL string) ([]repo.Entry, error)
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

type Options struct {
	Source Source
	// RemoteDir is the repository subdirectory being mirrored. Its prefix is
	// stripped from entry paths to form local paths.
	RemoteDir string
	// Exclude holds doublestar patterns matched against local relative paths.
	Exclude []string
}

type Mirrorer struct {
	source    Source
	remoteDir string
	exclude   []string
}

// Stats summarizes one mirror run.
type Stats struct {
	Files   int
	Dirs    int
	Bytes   int64
	Skipped int
}

func New(opts Options) (*Mirrorer, error) {
	if opts.Source == nil {
		return nil, appErrors.Config("mirror source is required", nil)
	}
	exclude := make([]string, 0, len(opts.Exclude))
	for _, pattern := range opts.Exclude {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if !doublestar.ValidatePattern(pattern) {
			return nil, appErrors.Config(fmt.Sprintf("invalid exclude pattern %q", pattern), nil)
		}
		exclude = append(exclude, pattern)
	}
	return &Mirrorer{
		source:    opts.Source,
		remoteDir: strings.Trim(strings.TrimSpace(opts.RemoteDir), "/"),
		exclude:   exclude,
	}, nil
}

// Mirror walks the listing at rootURL pinned to version and writes every file
// below localRoot, which must already exist. Pending directories are kept on an
// explicit stack, so the walk depth does not grow the goroutine stack. The first
// failing listing or download aborts the run; whatever was written so far stays
// on disk for the caller to classify.
func (m *Mirrorer) Mirror(ctx context.Context, rootURL, version, localRoot string) (Stats, error) {
	var stats Stats
	rootURL = strings.TrimRight(rootURL, "/")
	pending := []string{rootURL}

	for len(pending) > 0 {
		dirURL := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		entries, err := m.source.ListEntries(ctx, listingURL(dirURL, version))
		if err != nil {
			return stats, fmt.Errorf("list %s: %w", dirURL, err)
		}

		for _, entry := range entries {
			rel, err := m.localRel(entry.Path)
			if err != nil {
				return stats, err
			}
			if !strings.Contains(rel, "/") && marker.IsReserved(rel) {
				slog.Warn("skipping remote entry that collides with a marker file", "path", entry.Path)
				stats.Skipped++
				continue
			}
			if m.excluded(rel) {
				slog.Debug("skipping excluded entry", "path", rel)
				stats.Skipped++
				continue
			}
			local := filepath.Join(localRoot, filepath.FromSlash(rel))

			switch entry.Type {
			case repo.EntryFile:
				n, err := m.downloadFile(ctx, entry.DownloadURL, local)
				if err != nil {
					return stats, err
				}
				stats.Files++
				stats.Bytes += n
			case repo.EntryDir:
				if err := os.Mkdir(local, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
					return stats, appErrors.Filesystem(fmt.Sprintf("create directory %s", local), err)
				}
				stats.Dirs++
				pending = append(pending, dirURL+"/"+url.PathEscape(entry.Name))
			default:
				slog.Warn("skipping unsupported remote entry", "path", entry.Path, "type", entry.Type)
				stats.Skipped++
			}
		}
	}
	return stats, nil
}

// listingURL pins a directory listing to the release tag.
func listingURL(dirURL, version string) string {
	return dirURL + "?" + url.Values{"ref": {"refs/tags/" + version}}.Encode()
}

func (m *Mirrorer) downloadFile(ctx context.Context, downloadURL, local string) (int64, error) {
	if strings.TrimSpace(downloadURL) == "" {
		return 0, appErrors.Network(fmt.Sprintf("no download_url for %s", local), nil)
	}
	slog.Info("downloading", "path", local)
	body, err := m.source.Fetch(ctx, repo.StripTagRef(downloadURL))
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", local, err)
	}
	if err := writeFile(local, body); err != nil {
		return 0, err
	}
	return int64(len(body)), nil
}

// localRel strips the remote subdirectory prefix and rejects paths that would
// land outside the staging root.
func (m *Mirrorer) localRel(remotePath string) (string, error) {
	rel := strings.TrimPrefix(remotePath, "/")
	if m.remoteDir != "" {
		rel = strings.TrimPrefix(rel, m.remoteDir+"/")
	}
	rel = path.Clean(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
		return "", appErrors.Filesystem(fmt.Sprintf("remote path %q escapes the staging directory", remotePath), nil)
	}
	return rel, nil
}

func (m *Mirrorer) excluded(rel string) bool {
	for _, pattern := range m.exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// writeFile replaces path with body and syncs it, so files are durable before
// the marker that vouches for them is written.
func writeFile(path string, body []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return appErrors.Filesystem(fmt.Sprintf("open %s", path), err)
	}
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		return appErrors.Filesystem(fmt.Sprintf("write %s", path), err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return appErrors.Filesystem(fmt.Sprintf("sync %s", path), err)
	}
	if err := f.Close(); err != nil {
		return appErrors.Filesystem(fmt.Sprintf("close %s", path), err)
	}
	return nil
}
