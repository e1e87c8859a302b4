package health

import (
	"context"
	"fmt"
	"net"
	"time"

	logger "log/slog"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServer serves the standard grpc.health.v1 service, mirroring the
// monitor: SERVING unless the system is critical.
type GRPCServer struct {
	monitor  *Monitor
	server   *grpc.Server
	health   *grpchealth.Server
	port     int
	interval time.Duration
	service  string
}

// NewGRPCServer creates a gRPC health server. service is the name clients
// may query in addition to the overall ("") status.
func NewGRPCServer(monitor *Monitor, port int, service string) *GRPCServer {
	hs := grpchealth.NewServer()
	srv := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)

	return &GRPCServer{
		monitor:  monitor,
		server:   srv,
		health:   hs,
		port:     port,
		interval: 5 * time.Second,
		service:  service,
	}
}

// Start listens on the configured port and blocks until Stop.
func (g *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", g.port))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return g.Serve(ctx, lis)
}

// Serve serves on lis and keeps the health status in sync with the monitor.
func (g *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	g.Sync(ctx)
	go g.syncLoop(ctx)
	return g.server.Serve(lis)
}

// Sync copies the monitor's current verdict into the gRPC health service.
func (g *GRPCServer) Sync(ctx context.Context) {
	report := g.monitor.CheckHealth(ctx)
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if report.SystemStatus == StatusCritical {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	if g.service != "" {
		g.health.SetServingStatus(g.service, status)
	}
}

func (g *GRPCServer) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sync(ctx)
		}
	}
}

// Stop marks the service as shutting down and stops the server gracefully.
func (g *GRPCServer) Stop() {
	g.health.Shutdown()
	done := make(chan struct{})
	go func() {
		g.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("gRPC health server did not stop in time, forcing")
		g.server.Stop()
	}
}
