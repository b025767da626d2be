package grpcserver

import (
	"context"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/rzbill/ciqueue/internal/coordinator"
	"github.com/rzbill/ciqueue/internal/runtime"
	"github.com/rzbill/ciqueue/pkg/log"
)

// Server owns the gRPC server instance and runtime.
type Server struct {
	rt     *runtime.Runtime
	log    log.Logger
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener

	probeEvery time.Duration
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(s *Server) { s.log = l } }

// WithProbeInterval sets how often the store is probed for the overall
// health status.
func WithProbeInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.probeEvery = d
		}
	}
}

// WithServerOptions passes options to grpc.NewServer, replacing the default
// OpenTelemetry stats handler.
func WithServerOptions(opts ...grpc.ServerOption) Option {
	return func(s *Server) { s.grpc = grpc.NewServer(opts...) }
}

// New constructs a gRPC server and registers the health and reflection
// services. The worker service status tracks rt's coordinator from here on.
func New(rt *runtime.Runtime, opts ...Option) *Server {
	s := &Server{rt: rt, log: log.NewNopLogger(), probeEvery: 10 * time.Second}
	for _, o := range opts {
		o(s)
	}
	if s.grpc == nil {
		s.grpc = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}
	s.log = s.log.WithComponent("grpc")
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)

	rt.OnStateChange(func(st coordinator.State) {
		s.health.SetServingStatus(WorkerService, servingStatus(st))
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.probe(ctx, s.health, s.probeEvery)
	}()
	return s
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.log.Info("grpc listening", log.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

// Close marks every service NOT_SERVING, stops the server and closes the
// listener.
func (s *Server) Close() {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}
	s.health.Shutdown()
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}
