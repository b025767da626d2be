package serverrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/rzbill/ciqueue/internal/config"
	"github.com/rzbill/ciqueue/internal/engine"
	"github.com/rzbill/ciqueue/internal/runtime"
	grpcserver "github.com/rzbill/ciqueue/internal/server/grpc"
	httpserver "github.com/rzbill/ciqueue/internal/server/http"
	"github.com/rzbill/ciqueue/internal/telemetry"
	logpkg "github.com/rzbill/ciqueue/pkg/log"
)

// shutdownTimeout bounds how long Close may spend flushing statuses and
// releasing the store once the servers are down.
const shutdownTimeout = 30 * time.Second

// Options are the command-line overrides for a worker. Empty fields leave the
// file/env value alone.
type Options struct {
	ConfigPath string
	Backend    string
	DataDir    string
	Fsync      string
	HTTPAddr   string
	GRPCAddr   string
	LogLevel   string
	LogFormat  string
	WorkerID   string
	Command    string
	EngineKind string
	// Engine replaces the command engine; used by tests and embedders.
	Engine engine.Engine
}

// LoadConfig layers defaults, the config file, CIQ_* variables and opts, in
// that order, and validates the result.
func LoadConfig(opts Options) (cfgpkg.Config, error) {
	cfg := cfgpkg.Default()
	if opts.ConfigPath != "" {
		loaded, err := cfgpkg.Load(opts.ConfigPath)
		if err != nil {
			return cfgpkg.Config{}, err
		}
		cfg = loaded
	}
	cfgpkg.FromEnv(&cfg)

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Store.Backend, opts.Backend)
	set(&cfg.Store.DataDir, opts.DataDir)
	set(&cfg.Store.Fsync, opts.Fsync)
	set(&cfg.Server.HTTPAddr, opts.HTTPAddr)
	set(&cfg.Server.GRPCAddr, opts.GRPCAddr)
	set(&cfg.Log.Level, opts.LogLevel)
	set(&cfg.Log.Format, opts.LogFormat)
	set(&cfg.Worker.ID, opts.WorkerID)
	set(&cfg.Engine.Command, opts.Command)
	set(&cfg.Engine.Kind, opts.EngineKind)

	if err := cfg.Validate(); err != nil {
		return cfgpkg.Config{}, err
	}
	return cfg, nil
}

// Run starts the worker with its HTTP and gRPC servers and blocks until ctx
// is cancelled or a signal arrives. Leases held at shutdown are left to
// expire.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := LoadConfig(opts)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := logpkg.ApplyConfig(&cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	// Pebble and sarama log through the standard library.
	logpkg.RedirectStdLog(logger)

	shutdownTelemetry, err := telemetry.Init(sctx, cfg.Telemetry, cfg.Worker.ID, logger)
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			logger.Warn("telemetry shutdown", logpkg.Err(err))
		}
	}()

	rt, err := runtime.Open(sctx, runtime.Options{Config: cfg, Logger: logger, Engine: opts.Engine})
	if err != nil {
		return err
	}

	logger.Info("starting ciqueue worker",
		logpkg.Str(logpkg.WorkerIDKey, cfg.Worker.ID),
		logpkg.Str("queue", cfg.Queue),
		logpkg.Str("backend", cfg.Store.Backend),
		logpkg.Str("engine", cfg.Engine.Kind),
		logpkg.Int("concurrency", cfg.Worker.Concurrency),
		logpkg.Str("http", cfg.Server.HTTPAddr),
		logpkg.Str("grpc", cfg.Server.GRPCAddr),
		logpkg.Str("status_sink", cfg.Status.Sink),
	)

	gsrv := grpcserver.New(rt, grpcserver.WithLogger(logger))
	hsrv := httpserver.New(rt, logger)

	g, gctx := errgroup.WithContext(sctx)
	if cfg.Server.GRPCAddr != "" {
		g.Go(func() error { return gsrv.ListenAndServe(gctx, cfg.Server.GRPCAddr) })
	}
	if cfg.Server.HTTPAddr != "" {
		g.Go(func() error { return hsrv.ListenAndServe(gctx, cfg.Server.HTTPAddr) })
	}
	g.Go(func() error {
		if err := rt.Start(gctx); err != nil {
			return fmt.Errorf("start coordinator: %w", err)
		}
		<-gctx.Done()
		return nil
	})

	runErr := g.Wait()
	if runErr != nil {
		logger.Error("worker stopped with error", logpkg.Err(runErr))
	}
	// Servers go first so no request lands on a closed store.
	gsrv.Close()
	hsrv.Close()

	cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	closeErr := rt.Close(cctx)
	logger.Info("ciqueue worker stopped")
	return errors.Join(runErr, closeErr)
}
