// Package coordinator drives one worker's side of the leased queue: it
// watches the shared store, claims items with compare-and-swap transactions
// under a local concurrency limit, hands them to the execution engine,
// publishes status and cleans up after completion.
//
// All mutable state (mode, Active Set, in-flight flag) belongs to a single
// Coordinator and is guarded by its mutex, so several coordinators can share
// one process. Engine calls, pause callbacks and state observers run outside
// the lock. The store transaction is the only synchronization between
// workers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/rzbill/ciqueue/internal/engine"
	"github.com/rzbill/ciqueue/internal/item"
	"github.com/rzbill/ciqueue/internal/jitter"
	"github.com/rzbill/ciqueue/internal/lease"
	"github.com/rzbill/ciqueue/internal/status"
	"github.com/rzbill/ciqueue/internal/store"
	"github.com/rzbill/ciqueue/pkg/log"
)

var (
	// ErrRemovalConflict is returned by RemoveItem when the removal
	// transaction did not commit. It is not retried.
	ErrRemovalConflict = errors.New("coordinator: removal did not commit")
	// ErrEmptyMatch is returned by RemoveItem for a revision with no fields
	// set, which would match every item.
	ErrEmptyMatch = errors.New("coordinator: removal needs at least one revision field")
	// ErrStopped is returned by operations on a stopped coordinator.
	ErrStopped = errors.New("coordinator: stopped")
)

// Config is the worker identity and claim policy.
type Config struct {
	WorkerID string
	// Concurrency is the maximum Active Set size.
	Concurrency int
	// JitterWindow is the upper bound of the random claim delay.
	JitterWindow time.Duration
	// LeaseTimeout is how long a claim stays exclusive. The expiry sweep runs
	// every LeaseTimeout/4.
	LeaseTimeout time.Duration
	// Filter restricts which revisions this worker claims. Optional.
	Filter *lease.Filter
	// ClaimRate caps claim transactions per second. Zero disables the cap.
	ClaimRate float64
}

// Validate checks the config.
func (c Config) Validate() error {
	switch {
	case c.WorkerID == "":
		return errors.New("coordinator: worker id is required")
	case c.Concurrency < 1:
		return fmt.Errorf("coordinator: concurrency must be >= 1, got %d", c.Concurrency)
	case c.LeaseTimeout <= 0:
		return fmt.Errorf("coordinator: lease timeout must be positive, got %s", c.LeaseTimeout)
	case c.JitterWindow < 0:
		return fmt.Errorf("coordinator: jitter window must not be negative, got %s", c.JitterWindow)
	case c.ClaimRate < 0:
		return fmt.Errorf("coordinator: claim rate must not be negative, got %v", c.ClaimRate)
	}
	return nil
}

// StatusPublisher receives human-visible progress. Publish must not block.
type StatusPublisher interface {
	Publish(rev item.Revision, state status.State, description string)
}

type nopPublisher struct{}

func (nopPublisher) Publish(item.Revision, status.State, string) {}

// Run results reported to metrics and RunReport.
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultCancelled = "cancelled"
)

// RunReport describes one run this worker finished.
type RunReport struct {
	Item     item.Item
	Result   string
	Err      error
	Started  time.Time
	Finished time.Time
	// Stopped is set when the run ended after Stop; its lease was left in
	// place.
	Stopped bool
}

// Coordinator is one worker's queue loop.
type Coordinator struct {
	cfg     Config
	policy  lease.Policy
	store   store.Store
	engine  engine.Engine
	status  StatusPublisher
	reports []func(RunReport)
	log     log.Logger
	now     func() time.Time
	sched   *jitter.Scheduler
	limiter *rate.Limiter
	metrics *metrics
	tracer  trace.Tracer

	observers []func(State)
	notifyMu  sync.Mutex
	notified  State
	hasNotice bool

	mu           sync.Mutex
	mode         mode
	claiming     bool
	active       map[string]item.Item
	snapshot     item.Snapshot
	hasSnapshot  bool
	pauseWaiters []func()
	started      bool
	stopped      bool
	ctx          context.Context
	cancel       context.CancelFunc
}

// Option configures a Coordinator.
type Option func(*options)

type options struct {
	log       log.Logger
	status    StatusPublisher
	now       func() time.Time
	rnd       rand.Source
	meters    metric.MeterProvider
	tracers   trace.TracerProvider
	observers []func(State)
	reports   []func(RunReport)
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(o *options) { o.log = l } }

// WithStatus sets where status updates go. Defaults to discarding them.
func WithStatus(p StatusPublisher) Option { return func(o *options) { o.status = p } }

// WithClock overrides the clock used for lease timestamps and expiry.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithRandSource makes jitter delays reproducible.
func WithRandSource(src rand.Source) Option { return func(o *options) { o.rnd = src } }

// WithMeterProvider sets the OpenTelemetry meter provider. Defaults to the
// global one.
func WithMeterProvider(mp metric.MeterProvider) Option { return func(o *options) { o.meters = mp } }

// WithTracerProvider sets the OpenTelemetry tracer provider. Defaults to the
// global one.
func WithTracerProvider(tp trace.TracerProvider) Option { return func(o *options) { o.tracers = tp } }

// WithStateObserver registers fn to be called, outside the coordinator's
// lock, whenever the reported State changes. fn must not call Pause, Resume
// or Stop.
func WithStateObserver(fn func(State)) Option {
	return func(o *options) { o.observers = append(o.observers, fn) }
}

// WithRunReporter registers fn to be called after every finished run,
// before the store entry is deleted.
func WithRunReporter(fn func(RunReport)) Option {
	return func(o *options) { o.reports = append(o.reports, fn) }
}

// New builds a Coordinator. Nothing happens until Start.
func New(cfg Config, st store.Store, eng engine.Engine, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil || eng == nil {
		return nil, errors.New("coordinator: store and engine are required")
	}
	o := options{
		log:     log.NewNopLogger(),
		status:  nopPublisher{},
		now:     time.Now,
		meters:  otel.GetMeterProvider(),
		tracers: otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	m, err := newMetrics(o.meters, cfg.WorkerID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: metrics: %w", err)
	}
	var jopts []jitter.Option
	if o.rnd != nil {
		jopts = append(jopts, jitter.WithRand(o.rnd))
	}
	c := &Coordinator{
		cfg:       cfg,
		policy:    lease.Policy{WorkerID: cfg.WorkerID, Timeout: cfg.LeaseTimeout, Filter: cfg.Filter},
		store:     st,
		engine:    eng,
		status:    o.status,
		reports:   o.reports,
		log:       o.log.With(log.Component("coordinator"), log.Str(log.WorkerIDKey, cfg.WorkerID)),
		now:       o.now,
		sched:     jitter.New(cfg.JitterWindow, jopts...),
		metrics:   m,
		tracer:    o.tracers.Tracer(instrumentationName),
		observers: o.observers,
		active:    make(map[string]item.Item),
	}
	if cfg.ClaimRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.ClaimRate), 1)
	}
	return c, nil
}

// WorkerID returns the configured worker id.
func (c *Coordinator) WorkerID() string { return c.cfg.WorkerID }

// Start subscribes to the store and arms the expiry sweep. Each snapshot
// notification schedules a jittered claim attempt. The coordinator runs until
// Stop or until ctx is done.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("coordinator: already started")
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	runCtx, cancel := c.ctx, c.cancel
	c.mu.Unlock()

	if err := c.store.Subscribe(runCtx, c.onSnapshot); err != nil {
		cancel()
		c.mu.Lock()
		c.started = false
		c.ctx, c.cancel = nil, nil
		c.mu.Unlock()
		return fmt.Errorf("coordinator: subscribe: %w", err)
	}
	c.sched.Every(c.cfg.LeaseTimeout/4, c.attemptClaim)
	go func() {
		<-runCtx.Done()
		c.Stop()
	}()
	c.log.Info("coordinator started",
		log.Int("concurrency", c.cfg.Concurrency),
		log.Duration("jitter", c.cfg.JitterWindow),
		log.Duration("lease_timeout", c.cfg.LeaseTimeout),
		log.Str("filter", c.cfg.Filter.String()))
	c.notify()
	return nil
}

func (c *Coordinator) onSnapshot(s item.Snapshot) {
	c.mu.Lock()
	c.snapshot, c.hasSnapshot = s, true
	c.mu.Unlock()
	c.sched.Schedule(c.attemptClaim)
}

// Stop halts timers, the subscription and in-progress runs. Leases are not
// released: to other workers a stopped coordinator looks like a crashed one,
// and its claimed items become claimable once their lease expires.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.sched.Stop()
	c.log.Info("coordinator stopped")
	c.notify()
}

// Submit publishes a pending status and pushes rev as a new unclaimed item.
// Duplicate revisions are accepted; each push gets its own store key.
func (c *Coordinator) Submit(ctx context.Context, rev item.Revision) (string, error) {
	if err := rev.Validate(); err != nil {
		return "", err
	}
	c.status.Publish(rev, status.Pending, status.DescWaiting)
	key, err := c.store.Push(ctx, rev)
	if err != nil {
		return "", fmt.Errorf("coordinator: submit %s: %w", rev, err)
	}
	c.metrics.submitted.Add(ctx, 1, c.metrics.attrs)
	c.log.Info("submitted", log.Str("key", key), log.Str("revision", rev.String()))
	return key, nil
}

// Pause stops claiming. With an empty Active Set done runs before Pause
// returns; otherwise the coordinator drains and done runs once the last
// active item completes. A claim already in flight may still commit; its item
// runs and the coordinator drains until it finishes. done may be nil.
func (c *Coordinator) Pause(done func()) {
	c.mu.Lock()
	prev := c.mode
	c.mode = prev.pause(len(c.active) > 0)
	var fire []func()
	switch c.mode {
	case modePaused:
		if done != nil {
			fire = append(fire, done)
		}
	case modeDraining:
		if done != nil {
			c.pauseWaiters = append(c.pauseWaiters, done)
		}
	}
	n, draining := len(c.active), c.mode == modeDraining
	c.mu.Unlock()

	if prev == modeActive {
		c.log.Info("pause requested", log.Int("active", n), log.Bool("draining", draining))
	}
	c.notify()
	for _, fn := range fire {
		fn()
	}
}

// Resume returns to claiming. Pause callbacks still waiting for a drain run
// now, since the pause they asked for has been superseded.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	prev := c.mode
	c.mode = prev.resume()
	waiters := c.pauseWaiters
	c.pauseWaiters = nil
	c.mu.Unlock()

	if prev != modeActive {
		c.log.Info("resumed")
	}
	c.notify()
	for _, fn := range waiters {
		fn()
	}
	c.sched.Schedule(c.attemptClaim)
}

// RemoveItem withdraws every item whose revision matches needle (see
// item.Revision.Matches). If any match is in the Active Set, the engine is
// asked to cancel those runs and RemoveItem returns without waiting; the
// items are cleaned up when their runs complete. Otherwise the matches are
// removed from the store in one transaction, and ErrRemovalConflict is
// returned if it does not commit. The count is the number of items
// cancelled or removed; zero matches is not an error.
func (c *Coordinator) RemoveItem(ctx context.Context, needle item.Revision) (int, error) {
	if needle.IsZero() {
		return 0, ErrEmptyMatch
	}

	c.mu.Lock()
	var running []item.Item
	for _, it := range c.active {
		if it.Revision.Matches(needle) {
			running = append(running, it)
		}
	}
	c.mu.Unlock()

	if len(running) > 0 {
		sort.Slice(running, func(i, j int) bool { return running[i].StoreKey < running[j].StoreKey })
		for _, it := range running {
			c.log.Info("cancelling active run", log.Str("key", it.StoreKey), log.Str("revision", it.Revision.String()))
			c.engine.Cancel(it)
		}
		c.metrics.removed(ctx, "active", len(running))
		return len(running), nil
	}

	ctx, span := c.tracer.Start(ctx, "coordinator.remove",
		trace.WithAttributes(attribute.String("worker.id", c.cfg.WorkerID), attribute.String("needle", needle.String())))
	defer span.End()

	var removed int
	committed, _, err := c.store.Transact(ctx, func(cur item.Snapshot) (item.Snapshot, error) {
		matches := cur.Matching(needle)
		removed = len(matches)
		keys := make([]string, len(matches))
		for i, it := range matches {
			keys[i] = it.StoreKey
		}
		return cur.Without(keys...), nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Warn("remove failed", log.Str("needle", needle.String()), log.Err(err))
		return 0, fmt.Errorf("%w: %w", ErrRemovalConflict, err)
	}
	if !committed {
		span.SetStatus(codes.Error, "not committed")
		c.log.Warn("remove did not commit", log.Str("needle", needle.String()))
		return 0, ErrRemovalConflict
	}
	span.SetAttributes(attribute.Int("removed", removed))
	c.metrics.removed(ctx, "store", removed)
	c.log.Info("removed from queue", log.Str("needle", needle.String()), log.Int("removed", removed))
	return removed, nil
}

// attemptClaim tries to lease one item. It is a no-op when paused, when the
// last snapshot has nothing claimable, when the Active Set is full, or when a
// claim is already in flight, checked in that order. Whenever something was
// claimable it re-arms itself, whether or not this attempt won.
func (c *Coordinator) attemptClaim() {
	c.mu.Lock()
	if c.stopped || !c.started || c.mode != modeActive || !c.hasSnapshot {
		c.mu.Unlock()
		return
	}
	now := c.now()
	if _, ok := lease.FindClaimable(c.snapshot, now, c.policy); !ok {
		c.mu.Unlock()
		return
	}
	if len(c.active) >= c.cfg.Concurrency || c.claiming {
		c.mu.Unlock()
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.mu.Unlock()
		c.sched.Schedule(c.attemptClaim)
		return
	}
	c.claiming = true
	ctx := c.ctx
	c.mu.Unlock()
	c.notify()

	claimed, err := c.claim(ctx, now)

	c.mu.Lock()
	c.claiming = false
	run := false
	if claimed != nil && err == nil {
		if c.stopped {
			c.log.Warn("claimed after stop; lease left to expire", log.Str("key", claimed.StoreKey))
		} else {
			c.active[claimed.StoreKey] = *claimed
			c.mode = c.mode.claimed()
			run = true
		}
	}
	waiters := c.drainedLocked()
	c.mu.Unlock()

	c.notify()
	for _, fn := range waiters {
		fn()
	}
	if run {
		c.process(*claimed)
	}
	c.sched.Schedule(c.attemptClaim)
}

// claim runs the compare-and-swap transaction and returns the leased item,
// or nil if nothing was committed.
func (c *Coordinator) claim(ctx context.Context, now time.Time) (*item.Item, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.claim",
		trace.WithAttributes(attribute.String("worker.id", c.cfg.WorkerID)))
	defer span.End()
	c.metrics.attempts.Add(ctx, 1, c.metrics.attrs)

	var claimed *item.Item
	committed, _, err := c.store.Transact(ctx, func(cur item.Snapshot) (item.Snapshot, error) {
		claimed = nil
		it, next := lease.ProposeClaim(cur, now, c.policy)
		if it == nil {
			return cur, store.ErrAbort
		}
		claimed = it
		return next, nil
	})
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.lostRaces.Add(ctx, 1, c.metrics.attrs)
		c.log.Warn("claim failed", log.Err(err))
		return nil, err
	case !committed || claimed == nil:
		span.SetAttributes(attribute.Bool("committed", false))
		c.metrics.lostRaces.Add(ctx, 1, c.metrics.attrs)
		c.log.Debug("claim did not commit")
		return nil, nil
	}
	span.SetAttributes(
		attribute.Bool("committed", true),
		attribute.String("item.key", claimed.StoreKey),
		attribute.String("item.revision", claimed.Revision.String()))
	c.metrics.commits.Add(ctx, 1, c.metrics.attrs)
	c.log.Info("claimed", log.Str("key", claimed.StoreKey), log.Str("revision", claimed.Revision.String()))
	return claimed, nil
}

func (c *Coordinator) process(it item.Item) {
	c.status.Publish(it.Revision, status.Pending, status.DescRunning)
	c.metrics.active.Add(c.ctx, 1, c.metrics.attrs)
	started := c.now()
	c.engine.Run(c.ctx, it, func(err error) { c.onExecutionComplete(it, started, err) })
}

// onExecutionComplete publishes the final status, drops it from the Active
// Set, deletes it from the store and then either completes a pending pause or
// tries to fill the freed slot.
func (c *Coordinator) onExecutionComplete(it item.Item, started time.Time, runErr error) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()

	result := ResultSuccess
	switch {
	case runErr == nil:
	case errors.Is(runErr, engine.ErrCancelled):
		result = ResultCancelled
	default:
		result = ResultFailure
	}
	logger := c.log.With(log.Str("key", it.StoreKey), log.Str("revision", it.Revision.String()), log.Str("result", result))

	if !stopped {
		switch result {
		case ResultSuccess:
			c.status.Publish(it.Revision, status.Success, status.DescPassed)
		case ResultCancelled:
			c.status.Publish(it.Revision, status.Failure, status.DescCancelled)
		default:
			c.status.Publish(it.Revision, status.Failure, status.DescFailed)
		}
	}
	c.metrics.completed(context.Background(), result)
	report := RunReport{Item: it, Result: result, Err: runErr, Started: started, Finished: c.now(), Stopped: stopped}
	for _, fn := range c.reports {
		fn(report)
	}

	c.mu.Lock()
	delete(c.active, it.StoreKey)
	c.mu.Unlock()

	if stopped {
		logger.Info("run ended after stop; lease left to expire")
	} else {
		if runErr != nil {
			logger.Warn("run finished", log.Err(runErr))
		} else {
			logger.Info("run finished")
		}
		if err := c.store.Delete(context.Background(), it.StoreKey); err != nil {
			logger.Warn("cleanup delete failed", log.Err(err))
		}
	}

	c.mu.Lock()
	waiters := c.drainedLocked()
	c.mu.Unlock()
	c.notify()

	if len(waiters) > 0 {
		c.log.Info("drained")
		for _, fn := range waiters {
			fn()
		}
		return
	}
	if !stopped {
		c.attemptClaim()
	}
}

// drainedLocked completes a drain when nothing is active and returns the
// pause callbacks to run.
func (c *Coordinator) drainedLocked() []func() {
	if c.mode != modeDraining || len(c.active) > 0 {
		return nil
	}
	c.mode = c.mode.drained()
	waiters := c.pauseWaiters
	c.pauseWaiters = nil
	return waiters
}

// State returns the current phase and Active Set size.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Coordinator) stateLocked() State {
	return State{Phase: phase(c.mode, c.claiming, len(c.active)), Active: len(c.active)}
}

func (c *Coordinator) notify() {
	if len(c.observers) == 0 {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	st := c.State()
	if c.hasNotice && st == c.notified {
		return
	}
	c.notified, c.hasNotice = st, true
	for _, fn := range c.observers {
		fn(st)
	}
}

// Snapshot returns the last snapshot observed from the store.
func (c *Coordinator) Snapshot() item.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Active returns the Active Set in store key order.
func (c *Coordinator) Active() []item.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]item.Item, 0, len(c.active))
	for _, it := range c.active {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoreKey < out[j].StoreKey })
	return out
}
