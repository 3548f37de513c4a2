package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/izzyreal/otastage/internal/config"
	"github.com/izzyreal/otastage/internal/device"
	"github.com/izzyreal/otastage/internal/mirror"
	"github.com/izzyreal/otastage/internal/repo"
	"github.com/izzyreal/otastage/internal/server"
	"github.com/izzyreal/otastage/internal/store"
	"github.com/izzyreal/otastage/internal/updater"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// httpTransport replaces the default transport of the GitHub client when set.
var httpTransport http.RoundTripper

var errUsage = errors.New("usage")

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1], os.Args[2:], os.Stdout)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, command string, args []string, stdout io.Writer) int {
	var err error
	switch command {
	case "boot", "check", "download", "apply", "status", "serve":
		err = runCommand(ctx, command, args, stdout)
	case "help", "-h", "--help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", command)
		usage()
		return exitUsage
	}

	if errors.Is(err, errUsage) {
		return exitUsage
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "otastage: %v\n", err)
		return exitError
	}
	return exitOK
}

func runCommand(ctx context.Context, command string, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the config file (default $OTASTAGE_CONFIG or "+config.DefaultPath+")")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		return errUsage
	}

	cfg, err := config.Load(config.ResolvePath(*configPath))
	if err != nil {
		return err
	}
	initLogging(cfg.Log, os.Stderr)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	switch command {
	case "boot":
		report, err := a.updater.Boot(ctx)
		if err != nil {
			return err
		}
		return writeJSON(stdout, report)
	case "check":
		res, err := a.updater.CheckForUpdate(ctx)
		if err != nil {
			return err
		}
		return writeJSON(stdout, res)
	case "download":
		staged, err := a.updater.DownloadUpdateNow(ctx)
		if err != nil {
			return err
		}
		return writeJSON(stdout, map[string]bool{"staged": staged})
	case "apply":
		outcome, err := a.updater.ApplyPendingUpdate(ctx)
		if err != nil {
			return err
		}
		return writeJSON(stdout, map[string]updater.Outcome{"outcome": outcome})
	case "status":
		st, err := a.updater.Status()
		if err != nil {
			return err
		}
		return writeJSON(stdout, st)
	case "serve":
		return a.serve(ctx, cfg)
	}
	return errUsage
}

type app struct {
	updater *updater.Updater
	history *store.Store
}

func newApp(cfg config.File) (*app, error) {
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout()}
	if httpTransport != nil {
		httpClient.Transport = httpTransport
	}
	client, err := repo.New(repo.Options{
		APIBase:      cfg.APIBase,
		Repo:         cfg.Repo,
		Headers:      cfg.Headers,
		AuthToken:    cfg.AuthToken(),
		HTTPClient:   httpClient,
		MaxBodyBytes: cfg.MaxFileBytes,
	})
	if err != nil {
		return nil, err
	}
	m, err := mirror.New(mirror.Options{Source: client, RemoteDir: cfg.RemoteDir, Exclude: cfg.Exclude})
	if err != nil {
		return nil, err
	}
	resetter, err := device.NewResetter(device.Options{
		Mode:    cfg.Reset.Mode,
		Command: cfg.Reset.Command,
		Service: cfg.Reset.Service,
	})
	if err != nil {
		return nil, err
	}

	a := &app{}
	var recorder updater.Recorder
	if p := strings.TrimSpace(cfg.History.Path); p != "" {
		st, err := store.Open(p)
		if err != nil {
			return nil, err
		}
		a.history = st
		recorder = st
	}

	a.updater, err = updater.New(updater.Options{
		Layout:      updater.Layout{Root: cfg.ModuleRoot, MainDir: cfg.MainDir},
		Releases:    client,
		Mirror:      m,
		ContentsURL: client.ContentsURL(cfg.RemoteDir),
		Resetter:    resetter,
		Recorder:    recorder,
		Ordering:    cfg.Ordering(),
	})
	if err != nil {
		a.close()
		return nil, err
	}
	slog.Debug("updater ready", "repo", client.RepoURL(), "module_root", cfg.ModuleRoot, "main_dir", cfg.MainDir)
	return a, nil
}

func (a *app) serve(ctx context.Context, cfg config.File) error {
	opts := server.Options{
		Addr:         cfg.Status.Listen,
		Updater:      a.updater,
		MDNS:         cfg.Status.MDNS,
		MDNSInstance: cfg.Status.MDNSInstance,
		GRPCAddr:     cfg.Status.GRPCListen,
	}
	if a.history != nil {
		opts.History = a.history
	}
	srv, err := server.New(opts)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func (a *app) close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			slog.Warn("close history store failed", "error", err)
		}
	}
}

func initLogging(cfg config.Log, w io.Writer) {
	level := config.File{Log: cfg}.SlogLevel()
	if v := strings.TrimSpace(os.Getenv("OTASTAGE_LOG_LEVEL")); v != "" {
		level = config.File{Log: config.Log{Level: v}}.SlogLevel()
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `otastage - crash-consistent staged updates for a device code tree

Usage:
  otastage <command> [-config path]

Commands:
  boot      Apply a pending update, then download and install a scheduled one
  check     Schedule the latest release for the next boot
  download  Download the latest release now; it is committed on the next boot
  apply     Commit a downloaded update or discard an interrupted one
  status    Print the installed version and staging state
  serve     Run the status API until interrupted
  help      Show this help
`)
}
