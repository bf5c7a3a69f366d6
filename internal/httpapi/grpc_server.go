package httpapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"tirta.org/internal/obs"
)

// HealthServer exposes readiness over the standard gRPC health protocol for
// probes that speak gRPC instead of HTTP.
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer

	ready ReadyProbe
}

// NewGRPCServer builds a gRPC server carrying the health service.
func NewGRPCServer(ready ReadyProbe) *grpc.Server {
	srv := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, &HealthServer{ready: ready})
	return srv
}

// Check evaluates readiness and mirrors the outcome into the readiness gauge.
func (s *HealthServer) Check(ctx context.Context, _ *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if err := s.ready.Check(ctx); err != nil {
		obs.SetReady(false)
		return &grpc_health_v1.HealthCheckResponse{
			Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING,
		}, nil
	}
	obs.SetReady(true)
	return &grpc_health_v1.HealthCheckResponse{
		Status: grpc_health_v1.HealthCheckResponse_SERVING,
	}, nil
}

// Watch is not implemented; probes poll Check.
func (s *HealthServer) Watch(_ *grpc_health_v1.HealthCheckRequest, _ grpc.ServerStreamingServer[grpc_health_v1.HealthCheckResponse]) error {
	return status.Error(codes.Unimplemented, "watch is not supported")
}
