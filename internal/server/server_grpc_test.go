package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/izzyreal/otastage/internal/updater"
)

func startTestGRPC(t *testing.T, u UpdateService, interval time.Duration) healthpb.HealthClient {
	t.Helper()
	s, err := New(Options{Updater: u, HealthInterval: interval})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serveGRPC(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		cancel()
		t.Fatalf("grpc client: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serveGRPC returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("grpc server did not stop")
		}
	})
	return healthpb.NewHealthClient(conn)
}

func checkHealth(t *testing.T, client healthpb.HealthClient) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthServiceName})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	return resp.GetStatus()
}

func TestGRPCHealthServingWhenStagingIsConsistent(t *testing.T) {
	u := &fakeUpdater{status: updater.Status{Installed: "1.0", State: updater.State{Phase: updater.PhaseReady, Version: "1.1"}}}
	client := startTestGRPC(t, u, time.Hour)
	if got := checkHealth(t, client); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status=%v want SERVING", got)
	}
}

func TestGRPCHealthNotServingWhenCorrupt(t *testing.T) {
	u := &fakeUpdater{status: updater.Status{Installed: "1.0", State: updater.State{Phase: updater.PhaseCorrupt}}}
	client := startTestGRPC(t, u, time.Hour)
	if got := checkHealth(t, client); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status=%v want NOT_SERVING", got)
	}
}

func TestGRPCHealthNotServingWhenInspectionFails(t *testing.T) {
	u := &fakeUpdater{statusErr: errors.New("permission denied")}
	client := startTestGRPC(t, u, time.Hour)
	if got := checkHealth(t, client); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status=%v want NOT_SERVING", got)
	}
}

func TestServingStatusFor(t *testing.T) {
	for phase, want := range map[updater.Phase]healthpb.HealthCheckResponse_ServingStatus{
		updater.PhaseNoUpdate:  healthpb.HealthCheckResponse_SERVING,
		updater.PhaseScheduled: healthpb.HealthCheckResponse_SERVING,
		updater.PhaseReady:     healthpb.HealthCheckResponse_SERVING,
		updater.PhaseCorrupt:   healthpb.HealthCheckResponse_NOT_SERVING,
	} {
		if got := servingStatusFor(updater.Status{State: updater.State{Phase: phase}}); got != want {
			t.Fatalf("servingStatusFor(%s)=%v want %v", phase, got, want)
		}
	}
}
