package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/pvhip/GymMaster/internal/obs"
)

// GRPCHealth serves grpc.health.v1 for the API. Serving status follows the
// same readiness check as /readyz.
type GRPCHealth struct {
	srv       *health.Server
	readiness readinessChecker
}

// NewGRPCHealth creates the health service wrapper. It starts NOT_SERVING
// until the first Refresh.
func NewGRPCHealth(r readinessChecker) *GRPCHealth {
	if r == nil {
		r = ReadyProbe{}
	}
	h := &GRPCHealth{srv: health.NewServer(), readiness: r}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// NewGRPCServer returns a gRPC server with the health service registered.
func NewGRPCServer(h *GRPCHealth, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, h.srv)
	return s
}

// Refresh runs the readiness check once and publishes the result.
func (h *GRPCHealth) Refresh(ctx context.Context) error {
	if err := h.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	obs.SetReady(true)
	h.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Watch refreshes every interval until ctx ends, then marks the service
// as shutting down.
func (h *GRPCHealth) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		if err := h.Refresh(checkCtx); err != nil && ctx.Err() == nil {
			obs.Warn("readiness_check_failed", map[string]any{"error": err.Error()})
		}
		cancel()
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

func (h *GRPCHealth) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(serviceName, status)
}
