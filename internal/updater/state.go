package updater

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	appErrors "github.com/izzyreal/otastage/internal/errors"
	"github.com/izzyreal/otastage/internal/marker"
)

// Phase is the update phase encoded by the staging directory and its markers.
type Phase string

const (
	PhaseNoUpdate  Phase = "no_update"
	PhaseScheduled Phase = "scheduled"
	PhaseReady     Phase = "ready"
	// PhaseCorrupt is a staging directory that holds neither marker, left behind
	// by an interrupted download.
	PhaseCorrupt Phase = "corrupt"
)

// State is computed from one inspection of the staging directory. Version is
// set for Scheduled and Ready only.
type State struct {
	Phase   Phase  `json:"phase"`
	Version string `json:"version,omitempty"`
}

func (s State) String() string {
	if s.Version == "" {
		return string(s.Phase)
	}
	return fmt.Sprintf("%s(%s)", s.Phase, s.Version)
}

const DefaultStagingDir = "next"

// Layout locates the directories under the module root.
type Layout struct {
	Root       string
	MainDir    string
	StagingDir string
}

func (l Layout) MainPath() string {
	return filepath.Join(l.Root, l.MainDir)
}

func (l Layout) StagingPath() string {
	return filepath.Join(l.Root, l.StagingDir)
}

func (l Layout) withDefaults() Layout {
	if l.MainDir == "" {
		l.MainDir = "main"
	}
	if l.StagingDir == "" {
		l.StagingDir = DefaultStagingDir
	}
	return l
}

func (l Layout) validate() error {
	if err := CheckDirs(l.MainDir, l.StagingDir); err != nil {
		return appErrors.Config(err.Error(), nil)
	}
	return nil
}

// CheckDirs reports whether mainDir and stagingDir are distinct subdirectories
// of the module root with neither inside the other. Commit removes the main
// directory and renames staging onto it, so any overlap would destroy the
// staged tree.
func CheckDirs(mainDir, stagingDir string) error {
	m, err := cleanSubdir("main directory", mainDir)
	if err != nil {
		return err
	}
	s, err := cleanSubdir("staging directory", stagingDir)
	if err != nil {
		return err
	}
	switch {
	case m == s:
		return fmt.Errorf("main directory %q is the staging directory", mainDir)
	case strings.HasPrefix(m, s+"/"):
		return fmt.Errorf("main directory %q is inside the staging directory %q", mainDir, stagingDir)
	case strings.HasPrefix(s, m+"/"):
		return fmt.Errorf("staging directory %q is inside the main directory %q", stagingDir, mainDir)
	}
	return nil
}

func cleanSubdir(what, dir string) (string, error) {
	if filepath.IsAbs(dir) {
		return "", fmt.Errorf("%s %q must be relative to the module root", what, dir)
	}
	c := path.Clean(filepath.ToSlash(strings.TrimSpace(dir)))
	if c == "." {
		return "", fmt.Errorf("%s %q must name a subdirectory of the module root", what, dir)
	}
	if c == ".." || strings.HasPrefix(c, "../") {
		return "", fmt.Errorf("%s %q escapes the module root", what, dir)
	}
	return c, nil
}

// inspectLayout derives the State. The installed marker wins over the
// scheduled one: a promotion that crashed midway is already downloaded.
func inspectLayout(l Layout) (State, error) {
	staging := l.StagingPath()
	info, err := os.Lstat(staging)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return State{Phase: PhaseNoUpdate}, nil
		}
		return State{}, appErrors.Filesystem(fmt.Sprintf("stat staging directory %s", staging), err)
	}
	if !info.IsDir() {
		return State{Phase: PhaseCorrupt}, nil
	}

	for _, m := range []struct {
		name  string
		phase Phase
	}{
		{marker.Installed, PhaseReady},
		{marker.Scheduled, PhaseScheduled},
	} {
		ok, err := marker.Exists(staging, m.name)
		if err != nil {
			return State{}, err
		}
		if !ok {
			continue
		}
		v, err := marker.Read(staging, m.name)
		if err != nil {
			slog.Warn("read staging marker failed", "marker", m.name, "error", err)
		}
		return State{Phase: m.phase, Version: v}, nil
	}
	return State{Phase: PhaseCorrupt}, nil
}
