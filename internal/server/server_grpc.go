package server

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/izzyreal/otastage/internal/updater"
)

// HealthServiceName is the service reported by the gRPC health endpoint.
const HealthServiceName = "otastage.Update"

const defaultHealthInterval = 15 * time.Second

func servingStatusFor(st updater.Status) healthpb.HealthCheckResponse_ServingStatus {
	if st.State.Phase == updater.PhaseCorrupt {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

func (s *Server) refreshHealth(hs *health.Server) {
	st, err := s.updater.Status()
	if err != nil {
		slog.Warn("health status inspection failed", "error", err)
		hs.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	hs.SetServingStatus(HealthServiceName, servingStatusFor(st))
}

// serveGRPC serves the standard health service on lis until ctx is done.
func (s *Server) serveGRPC(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	s.refreshHealth(hs)

	go func() {
		ticker := time.NewTicker(s.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				hs.Shutdown()
				gs.GracefulStop()
				return
			case <-ticker.C:
				s.refreshHealth(hs)
			}
		}
	}()

	slog.Info("grpc health server started", "addr", lis.Addr().String())
	return gs.Serve(lis)
}
