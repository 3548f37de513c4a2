package device

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestNewResetterModes(t *testing.T) {
	cases := []struct {
		opts    Options
		want    any
		wantErr bool
	}{
		{opts: Options{}, want: NoopResetter{}},
		{opts: Options{Mode: "NONE"}, want: NoopResetter{}},
		{opts: Options{Mode: "reboot"}, want: RebootResetter{}},
		{opts: Options{Mode: "command", Command: []string{"/bin/true"}}, want: CommandResetter{}},
		{opts: Options{Mode: "command"}, wantErr: true},
		{opts: Options{Mode: "command", Command: []string{" "}}, wantErr: true},
		{opts: Options{Mode: "service"}, wantErr: true},
		{opts: Options{Mode: "halt"}, wantErr: true},
	}
	for _, tc := range cases {
		r, err := NewResetter(tc.opts)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("NewResetter(%+v): expected error", tc.opts)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NewResetter(%+v): %v", tc.opts, err)
		}
		switch tc.want.(type) {
		case NoopResetter:
			if _, ok := r.(NoopResetter); !ok {
				t.Fatalf("NewResetter(%+v)=%T", tc.opts, r)
			}
		case RebootResetter:
			if _, ok := r.(RebootResetter); !ok {
				t.Fatalf("NewResetter(%+v)=%T", tc.opts, r)
			}
		case CommandResetter:
			if _, ok := r.(CommandResetter); !ok {
				t.Fatalf("NewResetter(%+v)=%T", tc.opts, r)
			}
		}
	}
}

func TestServiceModeUsesSystemctl(t *testing.T) {
	t.Setenv("OTASTAGE_SYSTEMCTL_PATH", "/usr/bin/systemctl")
	r, err := NewResetter(Options{Mode: "service", Service: "device-app.service"})
	if err != nil {
		t.Fatalf("NewResetter: %v", err)
	}
	cr, ok := r.(CommandResetter)
	if !ok {
		t.Fatalf("unexpected resetter %T", r)
	}
	if got := strings.Join(cr.Argv, " "); got != "/usr/bin/systemctl restart device-app.service" {
		t.Fatalf("argv=%q", got)
	}
}

func TestCommandResetterRunsCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	out := filepath.Join(t.TempDir(), "reset.txt")
	r := CommandResetter{Argv: []string{"sh", "-c", "echo reset > " + out}}
	if err := r.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read marker: %v", err)
	}
	if strings.TrimSpace(string(raw)) != "reset" {
		t.Fatalf("unexpected output %q", raw)
	}
}

func TestCommandResetterReportsOutputOnFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	r := CommandResetter{Argv: []string{"sh", "-c", "echo supervisor down >&2; exit 3"}}
	err := r.Reset(context.Background())
	if err == nil {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(err.Error(), "supervisor down") {
		t.Fatalf("error should carry command output: %v", err)
	}
}

func TestNoopResetter(t *testing.T) {
	if err := (NoopResetter{}).Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
}
