package status

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rzbill/ciqueue/internal/item"
	"github.com/rzbill/ciqueue/pkg/log"
)

// Publisher delivers updates to a Sink from a background goroutine.
type Publisher struct {
	sink  Sink
	scope string
	log   log.Logger

	maxRetries uint64
	initial    time.Duration
	maxElapsed time.Duration
	timeout    time.Duration

	queue  chan Update
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithScope overrides DefaultScope.
func WithScope(scope string) PublisherOption {
	return func(p *Publisher) {
		if scope != "" {
			p.scope = scope
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) PublisherOption { return func(p *Publisher) { p.log = l } }

// WithBuffer sets how many updates may wait for delivery before new ones are
// dropped.
func WithBuffer(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.queue = make(chan Update, n)
		}
	}
}

// WithRetry sets the retry budget per update: at most maxRetries retries,
// starting at initial and giving up after maxElapsed.
func WithRetry(maxRetries uint64, initial, maxElapsed time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries, p.initial, p.maxElapsed = maxRetries, initial, maxElapsed
	}
}

// WithSinkTimeout bounds a single SetStatus call.
func WithSinkTimeout(d time.Duration) PublisherOption { return func(p *Publisher) { p.timeout = d } }

// NewPublisher starts a Publisher for sink.
func NewPublisher(sink Sink, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		sink:       sink,
		scope:      DefaultScope,
		log:        log.NewNopLogger(),
		maxRetries: 5,
		initial:    500 * time.Millisecond,
		maxElapsed: time.Minute,
		timeout:    10 * time.Second,
		queue:      make(chan Update, 256),
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.WithComponent("status.publisher")
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.run()
	return p
}

// Publish enqueues an update and returns immediately. When the buffer is
// full the update is dropped and logged.
func (p *Publisher) Publish(rev item.Revision, state State, description string) {
	u := Update{Revision: rev, Scope: p.scope, State: state, Description: description, Time: time.Now()}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return
	}
	select {
	case p.queue <- u:
	default:
		p.dropped.Add(1)
		p.log.Warn("status buffer full, dropping update",
			log.Str("revision", rev.String()), log.Str("state", string(state)))
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for u := range p.queue {
		p.deliver(u)
	}
}

func (p *Publisher) deliver(u Update) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	b.MaxElapsedTime = p.maxElapsed
	policy := backoff.WithContext(backoff.WithMaxRetries(b, p.maxRetries), p.ctx)

	attempts := 0
	operation := func() error {
		attempts++
		ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
		defer cancel()
		return p.sink.SetStatus(ctx, u)
	}
	if err := backoff.Retry(operation, policy); err != nil {
		p.failed.Add(1)
		p.log.Error("failed to publish status",
			log.Str("revision", u.Revision.String()),
			log.Str("state", string(u.State)),
			log.Int("attempts", attempts),
			log.Err(err))
		return
	}
	p.delivered.Add(1)
}

// Stats returns delivered, failed and dropped counts.
func (p *Publisher) Stats() (delivered, failed, dropped int64) {
	return p.delivered.Load(), p.failed.Load(), p.dropped.Load()
}

// Close stops accepting updates and waits until buffered ones are delivered
// or ctx is done, in which case pending retries are abandoned.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
