package grpcserver

import (
	"context"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rzbill/ciqueue/internal/coordinator"
	"github.com/rzbill/ciqueue/pkg/log"
)

// WorkerService is the health service name that follows the coordinator:
// SERVING while it accepts work, NOT_SERVING while paused or draining.
const WorkerService = "ciqueue.Worker"

func servingStatus(s coordinator.State) healthpb.HealthCheckResponse_ServingStatus {
	if s.Accepting() {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// probe sets the overall ("") status from the store health check until ctx
// is done.
func (s *Server) probe(ctx context.Context, hs *health.Server, every time.Duration) {
	check := func() {
		cctx, cancel := context.WithTimeout(ctx, every)
		defer cancel()
		if err := s.rt.CheckHealth(cctx); err != nil {
			if ctx.Err() == nil {
				s.log.Warn("store health check failed", log.Err(err))
			}
			hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			return
		}
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}
	check()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			check()
		}
	}
}
