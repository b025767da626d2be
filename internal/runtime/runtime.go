package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	cfgpkg "github.com/rzbill/ciqueue/internal/config"
	"github.com/rzbill/ciqueue/internal/coordinator"
	"github.com/rzbill/ciqueue/internal/engine"
	kubeengine "github.com/rzbill/ciqueue/internal/engine/kubernetes"
	"github.com/rzbill/ciqueue/internal/history"
	"github.com/rzbill/ciqueue/internal/item"
	"github.com/rzbill/ciqueue/internal/lease"
	"github.com/rzbill/ciqueue/internal/status"
	pebblestore "github.com/rzbill/ciqueue/internal/storage/pebble"
	"github.com/rzbill/ciqueue/internal/store"
	etcdstore "github.com/rzbill/ciqueue/internal/store/etcd"
	"github.com/rzbill/ciqueue/internal/store/memory"
	pebblequeue "github.com/rzbill/ciqueue/internal/store/pebble"
	pgstore "github.com/rzbill/ciqueue/internal/store/postgres"
	redisstore "github.com/rzbill/ciqueue/internal/store/redis"
	"github.com/rzbill/ciqueue/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger log.Logger
	// Engine overrides the command engine built from Config.Engine.
	Engine engine.Engine
	// Sink overrides the status sink built from Config.Status.
	Sink           status.Sink
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Runtime wires store, status publishing, engine and coordinator for one
// worker process.
type Runtime struct {
	config cfgpkg.Config
	log    log.Logger

	db        *pebblestore.DB
	store     store.Store
	sink      status.Sink
	publisher *status.Publisher
	engine    engine.Engine
	coord     *coordinator.Coordinator
	history   *history.Recorder
	// historyDB is an in-memory Pebble used for history when the store
	// backend has no local database.
	historyDB *pebblestore.DB

	obsMu     sync.Mutex
	observers []func(coordinator.State)
	last      coordinator.State
	hasLast   bool

	closeOnce sync.Once
	closeErr  error
}

// Open validates the config and builds every component. Nothing claims work
// until Start.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("runtime: config: %w", err)
	}
	l := opts.Logger
	if l == nil {
		l = log.NewNopLogger()
	}
	mp := opts.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	rt := &Runtime{config: cfg, log: l.WithComponent("runtime")}

	ok := false
	defer func() {
		if !ok {
			_ = rt.Close(context.Background())
		}
	}()

	if err := rt.openStore(ctx, mp); err != nil {
		return nil, err
	}
	if err := rt.openStatus(opts.Sink); err != nil {
		return nil, err
	}
	if err := rt.openHistory(); err != nil {
		return nil, err
	}

	rt.engine = opts.Engine
	if rt.engine == nil {
		eng, err := rt.openEngine()
		if err != nil {
			return nil, err
		}
		rt.engine = eng
	}

	filter, err := lease.NewFilter(cfg.Worker.Filter)
	if err != nil {
		return nil, fmt.Errorf("runtime: worker.filter: %w", err)
	}
	rt.coord, err = coordinator.New(coordinator.Config{
		WorkerID:     cfg.Worker.ID,
		Concurrency:  cfg.Worker.Concurrency,
		JitterWindow: cfg.Worker.Jitter(),
		LeaseTimeout: cfg.Worker.ItemTimeout(),
		Filter:       filter,
		ClaimRate:    cfg.Worker.MaxClaimRate,
	}, rt.store, rt.engine,
		coordinator.WithLogger(l),
		coordinator.WithStatus(rt.publisher),
		coordinator.WithMeterProvider(mp),
		coordinator.WithTracerProvider(tp),
		coordinator.WithStateObserver(rt.dispatch),
		coordinator.WithRunReporter(rt.recordRun),
	)
	if err != nil {
		return nil, err
	}
	ok = true
	rt.log.Info("runtime opened",
		log.Str("queue", cfg.Queue),
		log.Str("backend", cfg.Store.Backend),
		log.Str("sink", cfg.Status.Sink),
		log.Str(log.WorkerIDKey, cfg.Worker.ID))
	return rt, nil
}

func (r *Runtime) openStore(ctx context.Context, mp metric.MeterProvider) error {
	cfg := r.config
	l := r.log
	switch cfg.Store.Backend {
	case cfgpkg.BackendMemory:
		r.store = memory.New()
	case cfgpkg.BackendPebble:
		hook, err := pebblequeue.NewMetrics(mp.Meter("github.com/rzbill/ciqueue/internal/store/pebble"))
		if err != nil {
			return fmt.Errorf("runtime: storage metrics: %w", err)
		}
		r.db, err = pebblestore.Open(pebblestore.Options{
			DataDir: cfg.Store.DataDir,
			Fsync:   pebblestore.ParseFsyncMode(cfg.Store.Fsync),
			Logger:  l.WithComponent("pebble"),
			Metrics: hook,
		})
		if err != nil {
			return fmt.Errorf("runtime: open pebble at %s: %w", cfg.Store.DataDir, err)
		}
		r.store, err = pebblequeue.Open(r.db, cfg.Queue, pebblequeue.WithLogger(l))
		if err != nil {
			return err
		}
	case cfgpkg.BackendEtcd:
		s, err := etcdstore.Dial(ctx, etcdstore.Config{
			Endpoints:   cfg.Store.Etcd.Endpoints,
			DialTimeout: time.Duration(cfg.Store.Etcd.DialTimeoutMs) * time.Millisecond,
			Username:    cfg.Store.Etcd.Username,
			Password:    cfg.Store.Etcd.Password,
		}, cfg.Queue, etcdstore.WithLogger(l))
		if err != nil {
			return err
		}
		r.store = s
	case cfgpkg.BackendRedis:
		s, err := redisstore.Dial(ctx, redisstore.Config{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		}, cfg.Queue, redisstore.WithLogger(l))
		if err != nil {
			return err
		}
		r.store = s
	case cfgpkg.BackendPostgres:
		s, err := pgstore.Dial(ctx, pgstore.Config{
			DSN:      cfg.Store.Postgres.DSN,
			MaxConns: int32(cfg.Store.Postgres.MaxConns),
		}, cfg.Queue, pgstore.WithLogger(l))
		if err != nil {
			return err
		}
		r.store = s
	default:
		return fmt.Errorf("runtime: unknown store backend %q", cfg.Store.Backend)
	}
	return nil
}

func (r *Runtime) openEngine() (engine.Engine, error) {
	cfg := r.config.Engine
	timeout := engine.WithTimeout(time.Duration(cfg.TimeoutMs) * time.Millisecond)
	switch cfg.Kind {
	case cfgpkg.EngineKubernetes:
		client, err := kubeengine.NewClient(cfg.Kubernetes.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("runtime: kubernetes client: %w", err)
		}
		return kubeengine.NewEngine(client, kubeengine.Config{
			Namespace:        cfg.Kubernetes.Namespace,
			Image:            cfg.Kubernetes.Image,
			Command:          cfg.Kubernetes.Command,
			ServiceAccount:   cfg.Kubernetes.ServiceAccount,
			Env:              cfg.Env,
			PollInterval:     time.Duration(cfg.Kubernetes.PollIntervalMs) * time.Millisecond,
			TTLAfterFinished: time.Duration(cfg.Kubernetes.TTLSeconds) * time.Second,
		}, r.log, timeout), nil
	default:
		if cfg.Command == "" {
			return nil, errors.New("runtime: engine.command is required")
		}
		return engine.NewCommandEngine(engine.CommandConfig{
			Command: cfg.Command,
			Shell:   cfg.Shell,
			Dir:     cfg.Workdir,
			Env:     cfg.Env,
		}, r.log, timeout), nil
	}
}

func (r *Runtime) openStatus(override status.Sink) error {
	cfg := r.config.Status
	sink := override
	if sink == nil {
		switch cfg.Sink {
		case cfgpkg.SinkLog:
			sink = status.NewLogSink(r.log)
		case cfgpkg.SinkGitHub:
			var opts []status.GitHubOption
			if cfg.GitHub.TargetURL != "" {
				opts = append(opts, status.WithTargetURL(cfg.GitHub.TargetURL))
			}
			if cfg.GitHub.RPS > 0 {
				opts = append(opts, status.WithRateLimit(cfg.GitHub.RPS, 1))
			}
			sink = status.NewGitHubSink(cfg.GitHub.APIURL, cfg.GitHub.Token, opts...)
		case cfgpkg.SinkKafka:
			k, err := status.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.ClientID)
			if err != nil {
				return fmt.Errorf("runtime: kafka sink: %w", err)
			}
			sink = k
		default:
			sink = status.NopSink{}
		}
	}
	r.sink = sink
	r.publisher = status.NewPublisher(sink,
		status.WithScope(cfg.Scope),
		status.WithBuffer(cfg.Buffer),
		status.WithLogger(r.log))
	return nil
}

func (r *Runtime) openHistory() error {
	db := r.db
	if db == nil {
		var err error
		r.historyDB, err = pebblestore.Open(pebblestore.Options{
			DataDir:       "history",
			Fsync:         pebblestore.FsyncModeNever,
			PebbleOptions: &pebble.Options{FS: vfs.NewMem()},
			Logger:        r.log.WithComponent("pebble"),
		})
		if err != nil {
			return fmt.Errorf("runtime: open history db: %w", err)
		}
		db = r.historyDB
	}
	rec, err := history.New(db, r.config.Queue,
		history.WithRetention(r.config.History.MaxEntries, r.config.History.MaxAge()),
		history.WithLogger(r.log))
	if err != nil {
		return err
	}
	r.history = rec
	return nil
}

func (r *Runtime) recordRun(rep coordinator.RunReport) {
	e := history.Entry{
		Key:           rep.Item.StoreKey,
		Revision:      rep.Item.Revision,
		WorkerID:      r.config.Worker.ID,
		Result:        rep.Result,
		StartedAtMs:   rep.Started.UnixMilli(),
		CompletedAtMs: rep.Finished.UnixMilli(),
		DurationMs:    rep.Finished.Sub(rep.Started).Milliseconds(),
		Stopped:       rep.Stopped,
	}
	if rep.Err != nil {
		e.Error = rep.Err.Error()
	}
	if err := r.history.Add(context.Background(), e); err != nil {
		r.log.Warn("history add failed", log.Str("key", e.Key), log.Err(err))
	}
}

// Start begins claiming.
func (r *Runtime) Start(ctx context.Context) error { return r.coord.Start(ctx) }

// OnStateChange registers fn for coordinator state changes. fn is called
// right away with the current state.
func (r *Runtime) OnStateChange(fn func(coordinator.State)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, fn)
	if r.hasLast {
		fn(r.last)
	} else {
		fn(r.coord.State())
	}
}

func (r *Runtime) dispatch(s coordinator.State) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.last, r.hasLast = s, true
	for _, fn := range r.observers {
		fn(s)
	}
}

// Close stops the coordinator, waits for engine runs to return, flushes
// status updates and closes storage. Leases held at shutdown are left to
// expire.
func (r *Runtime) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		var errs []error
		if r.coord != nil {
			r.coord.Stop()
		}
		if a, ok := r.engine.(*engine.Async); ok {
			a.Wait()
		}
		if r.history != nil {
			r.history.Close()
		}
		if r.publisher != nil {
			if err := r.publisher.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("status publisher: %w", err))
			}
		}
		if c, ok := r.sink.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("status sink: %w", err))
			}
		}
		if r.store != nil {
			if err := r.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("store: %w", err))
			}
		}
		if r.db != nil {
			if err := r.db.Close(); err != nil {
				errs = append(errs, fmt.Errorf("pebble: %w", err))
			}
		}
		if r.historyDB != nil {
			if err := r.historyDB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("history db: %w", err))
			}
		}
		r.closeErr = errors.Join(errs...)
		r.log.Info("runtime closed")
	})
	return r.closeErr
}

// CheckHealth reads the store through an aborted transaction, which reaches
// the backend without writing.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.store == nil {
		return errors.New("store not open")
	}
	if r.db != nil {
		it, err := r.db.NewIter(nil)
		if err != nil {
			return err
		}
		if err := it.Close(); err != nil {
			return err
		}
	}
	_, _, err := r.store.Transact(ctx, func(cur item.Snapshot) (item.Snapshot, error) {
		return cur, store.ErrAbort
	})
	return err
}

// Coordinator returns the worker's coordinator.
func (r *Runtime) Coordinator() *coordinator.Coordinator { return r.coord }

// Store returns the shared store.
func (r *Runtime) Store() store.Store { return r.store }

// Publisher returns the status publisher.
func (r *Runtime) Publisher() *status.Publisher { return r.publisher }

// DB exposes the Pebble handle when the pebble backend is in use (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// History returns the log of runs this worker finished.
func (r *Runtime) History() *history.Recorder { return r.history }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
