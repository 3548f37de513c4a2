// Package server exposes update state and triggers over a small HTTP API and
// can advertise it on the local network.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/izzyreal/otastage/internal/store"
	"github.com/izzyreal/otastage/internal/updater"
)

// UpdateService is the part of the updater the API drives.
type UpdateService interface {
	Status() (updater.Status, error)
	CheckForUpdate(ctx context.Context) (updater.CheckResult, error)
	DownloadUpdateNow(ctx context.Context) (bool, error)
}

type History interface {
	ListEvents(ctx context.Context, limit int) ([]store.Event, error)
}

type Options struct {
	Addr    string
	Updater UpdateService
	// History may be nil when the journal is disabled.
	History      History
	MDNS         bool
	MDNSInstance string
	// GRPCAddr enables the gRPC health endpoint when set.
	GRPCAddr       string
	HealthInterval time.Duration
}

type Server struct {
	addr           string
	updater        UpdateService
	history        History
	mdns           bool
	mdnsInstance   string
	grpcAddr       string
	healthInterval time.Duration
}

func New(opts Options) (*Server, error) {
	if opts.Updater == nil {
		return nil, fmt.Errorf("server requires an update service")
	}
	addr := opts.Addr
	if addr == "" {
		addr = ":" + defaultPort
	}
	interval := opts.HealthInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	return &Server{
		addr:           addr,
		updater:        opts.Updater,
		history:        opts.History,
		mdns:           opts.MDNS,
		mdnsInstance:   opts.MDNSInstance,
		grpcAddr:       opts.GRPCAddr,
		healthInterval: interval,
	}, nil
}

func (s *Server) Handler() http.Handler {
	return buildRouter(s)
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopMDNS := func() {}
	if s.mdns {
		installed := ""
		if st, err := s.updater.Status(); err == nil {
			installed = st.Installed
		}
		stopMDNS = startMDNSAdvertiser(s.addr, s.mdnsInstance, installed)
	}
	defer stopMDNS()

	errCh := make(chan error, 2)
	if s.grpcAddr != "" {
		lis, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return fmt.Errorf("listen grpc %s: %w", s.grpcAddr, err)
		}
		go func() {
			if err := s.serveGRPC(ctx, lis); err != nil {
				errCh <- fmt.Errorf("serve grpc: %w", err)
			}
		}()
	}
	go func() {
		slog.Info("status server started", "addr", s.addr)
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen and serve: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		slog.Info("status server stopped")
		return nil
	case err := <-errCh:
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return err
		}
		slog.Info("status server stopped")
		return nil
	}
}
