package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tradeops.org/internal/obs"
)

const serviceName = "tradeops-approvals"

// NewGRPCServer builds a gRPC server exposing the standard health service,
// driven by the readiness probe. Orchestrators poll it the same way /readyz
// is polled on the HTTP side.
func NewGRPCServer(rp ReadyProbe, pollInterval time.Duration) (*grpc.Server, func(ctx context.Context)) {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	setStatus := func(ctx context.Context) {
		if err := rp.Check(ctx); err != nil {
			obs.SetReady(false)
			hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
			return
		}
		obs.SetReady(true)
		hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	}

	run := func(ctx context.Context) {
		setStatus(ctx)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				hs.Shutdown()
				return
			case <-ticker.C:
				setStatus(ctx)
			}
		}
	}
	return srv, run
}
