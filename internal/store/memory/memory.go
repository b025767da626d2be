// Package memory is an in-process Store with real compare-and-swap
// semantics. A hook between read and commit lets tests inject a concurrent
// writer at exactly the point where an optimistic transaction can lose.
package memory

import (
	"context"
	"sync"

	"github.com/rzbill/ciqueue/internal/item"
	"github.com/rzbill/ciqueue/internal/store"
	"github.com/rzbill/ciqueue/pkg/id"
)

// Store is safe for concurrent use by many coordinators.
type Store struct {
	mu      sync.Mutex
	version uint64
	items   item.Snapshot
	closed  bool

	hub          *store.Hub
	ids          *id.Generator
	maxAttempts  int
	beforeCommit func(attempt int)
}

// Option configures a Store.
type Option func(*Store)

// WithBeforeCommit runs hook after UpdateFunc returned and before the
// version check, once per attempt. Writes made by the hook make the attempt
// fail its compare-and-swap.
func WithBeforeCommit(hook func(attempt int)) Option {
	return func(s *Store) { s.beforeCommit = hook }
}

// WithMaxAttempts bounds optimistic retries.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithIDGenerator overrides the store key generator.
func WithIDGenerator(g *id.Generator) Option {
	return func(s *Store) { s.ids = g }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		hub:         store.NewHub(),
		ids:         id.NewGenerator(),
		maxAttempts: store.DefaultMaxAttempts,
	}
	for _, o := range opts {
		o(s)
	}
	s.hub.Publish(s.items)
	return s
}

var _ store.Store = (*Store)(nil)

// Subscribe implements store.Store.
func (s *Store) Subscribe(ctx context.Context, fn func(item.Snapshot)) error {
	return s.hub.Subscribe(ctx, fn)
}

func (s *Store) read() (item.Snapshot, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return item.Snapshot{}, 0, store.ErrClosed
	}
	return s.items, s.version, nil
}

// Transact implements store.Store.
func (s *Store) Transact(ctx context.Context, fn store.UpdateFunc) (bool, item.Snapshot, error) {
	var last item.Snapshot
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, last, err
		}
		cur, ver, err := s.read()
		if err != nil {
			return false, cur, err
		}
		last = cur
		next, commit, err := store.Propose(cur, fn)
		if err != nil || !commit {
			return false, cur, err
		}
		if s.beforeCommit != nil {
			s.beforeCommit(attempt)
		}

		s.mu.Lock()
		if s.version != ver {
			s.mu.Unlock()
			continue
		}
		if !next.Equal(cur) {
			s.setLocked(next)
		}
		s.mu.Unlock()
		return true, next, nil
	}
	return false, last, store.ErrConflict
}

// Push implements store.Store.
func (s *Store) Push(_ context.Context, rev item.Revision) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", store.ErrClosed
	}
	key := s.ids.NextKey()
	s.setLocked(s.items.With(item.New(key, rev)))
	return key, nil
}

// Delete implements store.Store.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	if _, ok := s.items.Get(key); !ok {
		return nil
	}
	s.setLocked(s.items.Without(key))
	return nil
}

// Put writes it unconditionally. Tests use it to seed leases with chosen
// timestamps or to play a concurrent writer.
func (s *Store) Put(it item.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(s.items.With(it))
}

// Snapshot returns the current contents.
func (s *Store) Snapshot() item.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items
}

// Version returns the number of committed mutations.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Store) setLocked(next item.Snapshot) {
	s.items = next
	s.version++
	s.hub.Publish(next)
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.hub.Close()
	return nil
}
