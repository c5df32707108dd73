package api

import (
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer serves the standard gRPC health service. The application's
// service name reports SERVING only while the event stream is connected.
type HealthServer struct {
	addr    string
	service string
	grpc    *grpc.Server
	health  *health.Server
	log     *slog.Logger
}

// NewHealthServer creates the gRPC server; service is the Stasis
// application name.
func NewHealthServer(addr, service string, log *slog.Logger) *HealthServer {
	if log == nil {
		log = slog.Default()
	}
	h := &HealthServer{
		addr:    addr,
		service: service,
		grpc:    grpc.NewServer(),
		health:  health.NewServer(),
		log:     log,
	}
	healthpb.RegisterHealthServer(h.grpc, h.health)
	h.SetServing(false)
	return h
}

// SetServing updates the reported status of the application service and
// the server as a whole.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(h.service, status)
	h.health.SetServingStatus("", status)
	h.log.Debug("[gRPC] Health status", "service", h.service, "status", status.String())
}

// Serve listens on the configured address in the background.
func (h *HealthServer) Serve() (net.Addr, error) {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return nil, err
	}
	h.log.Info("[gRPC] Health server listening", "address", lis.Addr().String())
	go func() {
		if err := h.grpc.Serve(lis); err != nil {
			h.log.Error("[gRPC] Server error", "error", err)
		}
	}()
	return lis.Addr(), nil
}

// Stop marks everything NOT_SERVING and stops the server.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
