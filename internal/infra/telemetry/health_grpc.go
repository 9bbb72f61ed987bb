package telemetry

import (
	"context"
	"fmt"
	"net"
	"os"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GroupHealthService is the gRPC health service name reported by the group.
const GroupHealthService = "yabridge.group"

// HealthService exposes the group's serving state over the standard gRPC
// health protocol on a unix socket.
type HealthService struct {
	server *health.Server
}

func NewHealthService() *HealthService {
	srv := health.NewServer()
	srv.SetServingStatus(GroupHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthService{server: srv}
}

// SetServing flips the reported status for the group service.
func (h *HealthService) SetServing(serving bool) {
	if h == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(GroupHealthService, status)
}

// Serve listens on socketPath until ctx is done.
func (h *HealthService) Serve(ctx context.Context, socketPath string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove health socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen health socket: %w", err)
	}

	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(srv, h.server)

	errChan := make(chan error, 1)
	go func() {
		logger.Info("health service listening", zap.String("socket", socketPath))
		errChan <- srv.Serve(ln)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("health service failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		h.server.Shutdown()
		srv.GracefulStop()
		return nil
	}
}
