// Package updater stages releases next to the active code directory and swaps
// them in with a single rename, so that a power loss at any point leaves a
// layout the next boot can classify and finish or discard.
package updater

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	appErrors "github.com/izzyreal/otastage/internal/errors"
	"github.com/izzyreal/otastage/internal/marker"
	"github.com/izzyreal/otastage/internal/mirror"
	"github.com/izzyreal/otastage/internal/treeremove"
	"github.com/izzyreal/otastage/internal/updateutil"
)

// ReleaseSource reports the tag of the newest published release.
type ReleaseSource interface {
	LatestTag(ctx context.Context) (string, error)
}

// Mirrorer copies the remote tree of a release into a local directory.
type Mirrorer interface {
	Mirror(ctx context.Context, rootURL, version, localRoot string) (mirror.Stats, error)
}

// Resetter restarts the device after a scheduled update was committed. A
// rebooting implementation may never return.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Recorder receives every state transition.
type Recorder interface {
	RecordTransition(ctx context.Context, t Transition) error
}

type Transition struct {
	Operation string
	From      State
	To        State
	// Version is the release the operation worked on, if any.
	Version string
	Detail  string
	Err     string
	At      time.Time
}

const (
	OpCheck          = "check"
	OpDownloadNow    = "download_now"
	OpApplyScheduled = "apply_scheduled"
	OpApplyPending   = "apply_pending"
)

// Outcome is what ApplyPendingUpdate did.
type Outcome string

const (
	OutcomeNone      Outcome = "none"
	OutcomeCommitted Outcome = "committed"
	OutcomeDiscarded Outcome = "discarded"
	// OutcomeDeferred leaves a scheduled update for ApplyScheduledUpdate.
	OutcomeDeferred Outcome = "deferred"
)

type Options struct {
	Layout   Layout
	Releases ReleaseSource
	Mirror   Mirrorer
	// ContentsURL is the contents listing of the remote directory mirrored
	// into staging.
	ContentsURL string
	Resetter    Resetter
	Recorder    Recorder
	Ordering    updateutil.Ordering
	Now         func() time.Time
}

type Updater struct {
	mu sync.Mutex

	layout      Layout
	releases    ReleaseSource
	mirror      Mirrorer
	contentsURL string
	resetter    Resetter
	recorder    Recorder
	ordering    updateutil.Ordering
	now         func() time.Time
}

type CheckResult struct {
	Installed string `json:"installed"`
	Latest    string `json:"latest"`
	Newer     bool   `json:"newer"`
	// Staged is true when this call created the staging directory.
	Staged bool  `json:"staged"`
	State  State `json:"state"`
}

type Status struct {
	Installed string `json:"installed"`
	State     State  `json:"state"`
}

type BootReport struct {
	Pending          Outcome `json:"pending"`
	PendingVersion   string  `json:"pending_version,omitempty"`
	ScheduledApplied bool    `json:"scheduled_applied"`
}

func New(opts Options) (*Updater, error) {
	layout := opts.Layout.withDefaults()
	if err := layout.validate(); err != nil {
		return nil, err
	}
	if opts.Releases == nil {
		return nil, appErrors.Config("release source is required", nil)
	}
	if opts.Mirror == nil {
		return nil, appErrors.Config("mirror is required", nil)
	}
	if opts.ContentsURL == "" {
		return nil, appErrors.Config("contents URL is required", nil)
	}
	ordering := opts.Ordering
	if ordering == "" {
		ordering = updateutil.OrderingLexical
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Updater{
		layout:      layout,
		releases:    opts.Releases,
		mirror:      opts.Mirror,
		contentsURL: opts.ContentsURL,
		resetter:    opts.Resetter,
		recorder:    opts.Recorder,
		ordering:    ordering,
		now:         now,
	}, nil
}

func (u *Updater) Layout() Layout {
	return u.layout
}

func (u *Updater) Inspect() (State, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return inspectLayout(u.layout)
}

func (u *Updater) Status() (Status, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	state, err := inspectLayout(u.layout)
	if err != nil {
		return Status{}, err
	}
	return Status{Installed: u.installedVersion(), State: state}, nil
}

// CheckForUpdate compares the installed version with the latest release and,
// when the release is newer and nothing is staged, schedules it for the next
// boot. It never downloads file content.
func (u *Updater) CheckForUpdate(ctx context.Context) (CheckResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	res, err := u.check(ctx)
	if err != nil {
		return res, err
	}
	if !res.Newer {
		return res, nil
	}
	if res.State.Phase != PhaseNoUpdate {
		slog.Info("update available but staging directory is in use", "latest", res.Latest, "state", res.State.String())
		return res, nil
	}

	slog.Info("new version available, will download and install on next reboot", "latest", res.Latest)
	from := res.State
	staging := u.layout.StagingPath()
	if err := os.Mkdir(staging, 0o755); err != nil {
		err = appErrors.Filesystem(fmt.Sprintf("create staging directory %s", staging), err)
		u.record(ctx, OpCheck, from, res.Latest, "", err)
		return res, err
	}
	if err := marker.Write(staging, marker.Scheduled, res.Latest); err != nil {
		u.record(ctx, OpCheck, from, res.Latest, "", err)
		return res, fmt.Errorf("schedule update: %w", err)
	}
	res.Staged = true
	res.State = State{Phase: PhaseScheduled, Version: res.Latest}
	u.record(ctx, OpCheck, from, res.Latest, "scheduled for next boot", nil)
	return res, nil
}

// DownloadUpdateNow mirrors a newer release into staging immediately and marks
// it ready; ApplyPendingUpdate commits it on the next boot. It reports whether
// a release was staged.
func (u *Updater) DownloadUpdateNow(ctx context.Context) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	res, err := u.check(ctx)
	if err != nil {
		return false, err
	}
	if !res.Newer {
		return false, nil
	}
	if res.State.Phase != PhaseNoUpdate {
		slog.Info("staging directory already exists, not downloading", "latest", res.Latest, "state", res.State.String())
		return false, nil
	}

	slog.Info("updating", "installed", res.Installed, "latest", res.Latest)
	from := res.State
	staging := u.layout.StagingPath()
	if err := os.Mkdir(staging, 0o755); err != nil {
		err = appErrors.Filesystem(fmt.Sprintf("create staging directory %s", staging), err)
		u.record(ctx, OpDownloadNow, from, res.Latest, "", err)
		return false, err
	}
	stats, err := u.mirror.Mirror(ctx, u.contentsURL, res.Latest, staging)
	if err != nil {
		err = fmt.Errorf("mirror release %s: %w", res.Latest, err)
		u.record(ctx, OpDownloadNow, from, res.Latest, "", err)
		return false, err
	}
	if err := marker.Write(staging, marker.Installed, res.Latest); err != nil {
		u.record(ctx, OpDownloadNow, from, res.Latest, "", err)
		return false, fmt.Errorf("mark staged release ready: %w", err)
	}
	u.record(ctx, OpDownloadNow, from, res.Latest, statsDetail(stats), nil)
	return true, nil
}

// ApplyScheduledUpdate downloads a scheduled release, commits it and resets the
// device. It reports false without side effects unless an update is scheduled.
// A failed download leaves the schedule in place for the next boot.
func (u *Updater) ApplyScheduledUpdate(ctx context.Context) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	from, err := inspectLayout(u.layout)
	if err != nil {
		return false, err
	}
	if from.Phase != PhaseScheduled {
		slog.Info("no new updates found", "state", from.String())
		return false, nil
	}
	v := from.Version
	slog.Info("new update found", "version", v)

	staging := u.layout.StagingPath()
	stats, err := u.mirror.Mirror(ctx, u.contentsURL, v, staging)
	if err != nil {
		err = fmt.Errorf("mirror release %s: %w", v, err)
		u.record(ctx, OpApplyScheduled, from, v, "", err)
		return false, err
	}
	if err := marker.Rename(staging, marker.Scheduled, marker.Installed); err != nil {
		u.record(ctx, OpApplyScheduled, from, v, "", err)
		return false, fmt.Errorf("mark staged release ready: %w", err)
	}
	if err := u.commit(); err != nil {
		u.record(ctx, OpApplyScheduled, from, v, "", err)
		return false, err
	}
	u.record(ctx, OpApplyScheduled, from, v, statsDetail(stats), nil)
	slog.Info("update installed, resetting device", "version", v)

	if u.resetter != nil {
		if err := u.resetter.Reset(ctx); err != nil {
			return true, fmt.Errorf("reset device: %w", err)
		}
	}
	return true, nil
}

// ApplyPendingUpdate finishes what an earlier run left in staging: a ready
// release is committed and a corrupt staging directory is discarded. It does
// not reset the device.
func (u *Updater) ApplyPendingUpdate(ctx context.Context) (Outcome, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	from, err := inspectLayout(u.layout)
	if err != nil {
		return OutcomeNone, err
	}
	switch from.Phase {
	case PhaseNoUpdate:
		slog.Info("no pending update found")
		return OutcomeNone, nil
	case PhaseScheduled:
		slog.Info("scheduled update has not been downloaded yet", "version", from.Version)
		return OutcomeDeferred, nil
	case PhaseReady:
		slog.Info("pending update found", "version", from.Version)
		if err := u.commit(); err != nil {
			u.record(ctx, OpApplyPending, from, from.Version, "", err)
			return OutcomeNone, err
		}
		u.record(ctx, OpApplyPending, from, from.Version, "committed", nil)
		slog.Info("update applied", "version", from.Version)
		return OutcomeCommitted, nil
	default:
		slog.Warn("corrupt pending update found, discarding", "path", u.layout.StagingPath())
		if err := treeremove.RemoveTree(u.layout.StagingPath()); err != nil {
			err = fmt.Errorf("discard staging directory: %w", err)
			u.record(ctx, OpApplyPending, from, "", "", err)
			return OutcomeNone, err
		}
		u.record(ctx, OpApplyPending, from, "", "discarded", nil)
		return OutcomeDiscarded, nil
	}
}

// Boot runs the start-up sequence: finish or discard pending work, then
// download a scheduled release.
func (u *Updater) Boot(ctx context.Context) (BootReport, error) {
	var report BootReport
	if state, err := u.Inspect(); err == nil && state.Phase == PhaseReady {
		report.PendingVersion = state.Version
	}
	outcome, err := u.ApplyPendingUpdate(ctx)
	report.Pending = outcome
	if err != nil {
		return report, fmt.Errorf("apply pending update: %w", err)
	}
	applied, err := u.ApplyScheduledUpdate(ctx)
	report.ScheduledApplied = applied
	if err != nil {
		return report, fmt.Errorf("apply scheduled update: %w", err)
	}
	return report, nil
}

func (u *Updater) check(ctx context.Context) (CheckResult, error) {
	res := CheckResult{Installed: u.installedVersion()}
	latest, err := u.releases.LatestTag(ctx)
	if err != nil {
		return res, fmt.Errorf("get latest version: %w", err)
	}
	res.Latest = latest
	res.Newer = updateutil.IsVersionNewer(latest, res.Installed, u.ordering)
	slog.Info("checking version", "installed", res.Installed, "latest", latest, "newer", res.Newer)
	if !res.Newer && updateutil.IsVersionDifferent(latest, res.Installed) {
		slog.Debug("latest release differs but does not order after the installed version", "ordering", string(u.ordering))
	}

	state, err := inspectLayout(u.layout)
	if err != nil {
		return res, err
	}
	res.State = state
	return res, nil
}

// installedVersion never fails: unreadable markers are logged and read as the
// sentinel so that an update can still repair the installation.
func (u *Updater) installedVersion() string {
	v, err := marker.Read(u.layout.MainPath(), marker.Installed)
	if err != nil {
		slog.Warn("read installed version failed, assuming none", "error", err)
	}
	return v
}

// commit replaces the main directory with staging. The rename is the last
// step; until it happens staging still reads as Ready.
func (u *Updater) commit() error {
	main := u.layout.MainPath()
	if _, err := os.Lstat(main); err == nil {
		if err := treeremove.RemoveTree(main); err != nil {
			return fmt.Errorf("remove main directory: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return appErrors.Filesystem(fmt.Sprintf("stat main directory %s", main), err)
	}
	staging := u.layout.StagingPath()
	if err := os.Rename(staging, main); err != nil {
		return appErrors.Filesystem(fmt.Sprintf("rename %s to %s", staging, main), err)
	}
	syncDir(u.layout.Root)
	return nil
}

func (u *Updater) record(ctx context.Context, op string, from State, version, detail string, opErr error) {
	if u.recorder == nil {
		return
	}
	to, err := inspectLayout(u.layout)
	if err != nil {
		slog.Warn("inspect state for history failed", "error", err)
	}
	t := Transition{Operation: op, From: from, To: to, Version: version, Detail: detail, At: u.now().UTC()}
	if opErr != nil {
		t.Err = opErr.Error()
	}
	if err := u.recorder.RecordTransition(ctx, t); err != nil {
		slog.Warn("record update transition failed", "operation", op, "error", err)
	}
}

func statsDetail(s mirror.Stats) string {
	return fmt.Sprintf("files=%d dirs=%d bytes=%d skipped=%d", s.Files, s.Dirs, s.Bytes, s.Skipped)
}

// syncDir flushes directory entries after a rename. Platforms that cannot
// sync a directory handle are ignored.
func syncDir(dir string) {
	if dir == "" {
		dir = "."
	}
	f, err := os.Open(dir)
	if err != nil {
		slog.Debug("open directory for sync failed", "path", dir, "error", err)
		return
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		slog.Debug("sync directory failed", "path", dir, "error", err)
	}
}
