// Package engine runs claimed items. The coordinator only sees the Engine
// interface: Run is asynchronous and reports through onComplete exactly once;
// Cancel is best effort and reports nothing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/ciqueue/internal/item"
	"github.com/rzbill/ciqueue/pkg/log"
)

// ErrCancelled is reported to onComplete when a run stopped because Cancel
// was called for its item.
var ErrCancelled = errors.New("engine: run cancelled")

// Engine executes work items.
type Engine interface {
	Run(ctx context.Context, it item.Item, onComplete func(error))
	Cancel(it item.Item)
}

// Func does the work for one item synchronously and must return when ctx is
// done.
type Func func(ctx context.Context, it item.Item) error

// Async turns a Func into an Engine: each Run gets its own goroutine and a
// context that Cancel (matched by store key) or the optional timeout ends.
type Async struct {
	fn      Func
	timeout time.Duration
	log     log.Logger

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

type run struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Option configures an Async engine.
type Option func(*Async)

// WithTimeout bounds every run. Zero means no limit.
func WithTimeout(d time.Duration) Option { return func(a *Async) { a.timeout = d } }

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(a *Async) { a.log = l } }

// NewAsync wraps fn.
func NewAsync(fn Func, opts ...Option) *Async {
	a := &Async{fn: fn, log: log.NewNopLogger(), runs: make(map[string]*run)}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.WithComponent("engine")
	return a
}

var _ Engine = (*Async)(nil)

// Run implements Engine.
func (a *Async) Run(ctx context.Context, it item.Item, onComplete func(error)) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if a.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, a.timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	r := &run{cancel: cancel}
	a.mu.Lock()
	a.runs[it.StoreKey] = r
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := a.call(runCtx, it)

		a.mu.Lock()
		if a.runs[it.StoreKey] == r {
			delete(a.runs, it.StoreKey)
		}
		cancelled := r.cancelled
		a.mu.Unlock()
		cancel()

		if cancelled {
			err = ErrCancelled
		} else if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("run timed out after %s: %w", a.timeout, err)
		}
		onComplete(err)
	}()
}

func (a *Async) call(ctx context.Context, it item.Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("run panicked", log.Str("key", it.StoreKey), log.Any("panic", r))
			err = fmt.Errorf("engine: panic: %v", r)
		}
	}()
	return a.fn(ctx, it)
}

// Cancel implements Engine.
func (a *Async) Cancel(it item.Item) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.runs[it.StoreKey]
	if !ok {
		return
	}
	r.cancelled = true
	r.cancel()
}

// Running returns the number of runs in progress.
func (a *Async) Running() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.runs)
}

// Wait blocks until every started run has completed.
func (a *Async) Wait() { a.wg.Wait() }
