// Package device restarts the device, or the application on it, once a
// scheduled update has been committed.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

const (
	ModeNone    = "none"
	ModeReboot  = "reboot"
	ModeCommand = "command"
	ModeService = "service"

	defaultSystemctlPath = "/bin/systemctl"
)

type Resetter interface {
	Reset(ctx context.Context) error
}

type Options struct {
	Mode    string
	Command []string
	// Service is the systemd unit restarted in service mode.
	Service string
}

// NewResetter selects the implementation for the configured mode.
func NewResetter(opts Options) (Resetter, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Mode)) {
	case "", ModeNone:
		return NoopResetter{}, nil
	case ModeReboot:
		return RebootResetter{}, nil
	case ModeCommand:
		if len(opts.Command) == 0 || strings.TrimSpace(opts.Command[0]) == "" {
			return nil, fmt.Errorf("reset mode %q requires a command", ModeCommand)
		}
		return CommandResetter{Argv: append([]string(nil), opts.Command...)}, nil
	case ModeService:
		unit := strings.TrimSpace(opts.Service)
		if unit == "" {
			return nil, fmt.Errorf("reset mode %q requires a service name", ModeService)
		}
		systemctl := strings.TrimSpace(envOrDefault("OTASTAGE_SYSTEMCTL_PATH", defaultSystemctlPath))
		if systemctl == "" {
			systemctl = defaultSystemctlPath
		}
		return CommandResetter{Argv: []string{systemctl, "restart", unit}}, nil
	}
	return nil, fmt.Errorf("unknown reset mode %q", opts.Mode)
}

// NoopResetter only logs. The new code runs from the next restart.
type NoopResetter struct{}

func (NoopResetter) Reset(ctx context.Context) error {
	slog.Info("reset skipped, new version is active after the next restart")
	return nil
}

// CommandResetter runs an external command, for example a supervisor restart.
type CommandResetter struct {
	Argv []string
}

func (r CommandResetter) Reset(ctx context.Context) error {
	if len(r.Argv) == 0 {
		return fmt.Errorf("reset command is empty")
	}
	slog.Info("running reset command", "command", strings.Join(r.Argv, " "))
	cmd := exec.CommandContext(ctx, r.Argv[0], r.Argv[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("run reset command %q: %w (%s)", r.Argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// RebootResetter flushes filesystem buffers and restarts the machine. On
// success Reset does not return.
type RebootResetter struct{}

func (RebootResetter) Reset(ctx context.Context) error {
	slog.Warn("rebooting device")
	return reboot()
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
