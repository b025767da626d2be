// Package pebble is a durable single-node Store on top of the Pebble
// wrapper. Items are CRC-framed JSON records under q/{queue}/items/{key};
// q/{queue}/meta/version counts committed mutations and is the value the
// compare-and-swap checks.
package pebble

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rzbill/ciqueue/internal/item"
	pebblestore "github.com/rzbill/ciqueue/internal/storage/pebble"
	"github.com/rzbill/ciqueue/internal/store"
	"github.com/rzbill/ciqueue/pkg/id"
	"github.com/rzbill/ciqueue/pkg/log"
)

func itemPrefix(queue string) []byte { return []byte(fmt.Sprintf("q/%s/items/", queue)) }

func itemKey(queue, key string) []byte { return []byte(fmt.Sprintf("q/%s/items/%s", queue, key)) }

func versionKey(queue string) []byte { return []byte(fmt.Sprintf("q/%s/meta/version", queue)) }

// Store keeps an authoritative in-memory copy of the queue, loaded at Open
// and updated only after a batch commits.
type Store struct {
	db    *pebblestore.DB
	queue string
	log   log.Logger
	ids   *id.Generator
	hub   *store.Hub

	maxAttempts int
	now         func() time.Time

	mu      sync.Mutex
	version uint64
	items   item.Snapshot
	closed  bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(s *Store) { s.log = l } }

// WithMaxAttempts bounds optimistic retries.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// Open loads queue from db. The caller keeps ownership of db.
func Open(db *pebblestore.DB, queue string, opts ...Option) (*Store, error) {
	if queue == "" {
		return nil, fmt.Errorf("pebble store: queue name is required")
	}
	s := &Store{
		db:          db,
		queue:       queue,
		log:         log.NewNopLogger(),
		ids:         id.NewGenerator(),
		hub:         store.NewHub(),
		maxAttempts: store.DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(log.Component("store.pebble"), log.Str("queue", queue))

	if meta, err := db.Get(versionKey(queue)); err == nil && len(meta) >= 8 {
		s.version = binary.BigEndian.Uint64(meta[:8])
	}
	items, err := s.load()
	if err != nil {
		return nil, err
	}
	s.items = items
	s.hub.Publish(items)
	s.log.Info("queue loaded", log.Int("items", items.Len()), log.Int64("version", int64(s.version)))
	return s, nil
}

var _ store.Store = (*Store)(nil)

func (s *Store) load() (item.Snapshot, error) {
	prefix := itemPrefix(s.queue)
	var items []item.Item
	err := s.db.ScanPrefix(prefix, func(k, v []byte) bool {
		key := strings.TrimPrefix(string(k), string(prefix))
		_, payload, err := pebblestore.DecodeRecord(v)
		if err != nil {
			s.log.Warn("skipping corrupt item record", log.Str("key", key), log.Err(err))
			return true
		}
		it, err := item.Unmarshal(key, payload)
		if err != nil {
			s.log.Warn("skipping undecodable item", log.Str("key", key), log.Err(err))
			return true
		}
		items = append(items, it)
		return true
	})
	if err != nil {
		return item.Snapshot{}, fmt.Errorf("pebble store: load: %w", err)
	}
	return item.NewSnapshot(items), nil
}

func (s *Store) encode(it item.Item) ([]byte, error) {
	body, err := it.Marshal()
	if err != nil {
		return nil, err
	}
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(s.now().UnixMilli()))
	return pebblestore.EncodeRecord(hdr[:], body), nil
}

// commitLocked writes the diff between the cached snapshot and next in one
// batch together with the bumped version.
func (s *Store) commitLocked(ctx context.Context, next item.Snapshot) error {
	upserts, deletes := store.Diff(s.items, next)
	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	for _, it := range upserts {
		rec, err := s.encode(it)
		if err != nil {
			return err
		}
		if err := b.Set(itemKey(s.queue, it.StoreKey), rec, nil); err != nil {
			return err
		}
	}
	for _, k := range deletes {
		if err := b.Delete(itemKey(s.queue, k), nil); err != nil {
			return err
		}
	}
	var vb [8]byte
	binary.BigEndian.PutUint64(vb[:], s.version+1)
	if err := b.Set(versionKey(s.queue), vb[:], nil); err != nil {
		return err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("pebble store: commit: %w", err)
	}
	s.version++
	s.items = next
	s.hub.Publish(next)
	return nil
}

// Subscribe implements store.Store.
func (s *Store) Subscribe(ctx context.Context, fn func(item.Snapshot)) error {
	return s.hub.Subscribe(ctx, fn)
}

// Transact implements store.Store.
func (s *Store) Transact(ctx context.Context, fn store.UpdateFunc) (bool, item.Snapshot, error) {
	var cur item.Snapshot
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, cur, err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return false, cur, store.ErrClosed
		}
		var ver uint64
		cur, ver = s.items, s.version
		s.mu.Unlock()

		next, commit, err := store.Propose(cur, fn)
		if err != nil || !commit {
			return false, cur, err
		}

		s.mu.Lock()
		if s.version != ver {
			s.mu.Unlock()
			continue
		}
		err = s.commitLocked(ctx, next)
		s.mu.Unlock()
		if err != nil {
			return false, cur, err
		}
		return true, next, nil
	}
	return false, cur, store.ErrConflict
}

// Push implements store.Store.
func (s *Store) Push(ctx context.Context, rev item.Revision) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", store.ErrClosed
	}
	key := s.ids.NextKey()
	if err := s.commitLocked(ctx, s.items.With(item.New(key, rev))); err != nil {
		return "", err
	}
	return key, nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	if _, ok := s.items.Get(key); !ok {
		return nil
	}
	return s.commitLocked(ctx, s.items.Without(key))
}

// Version returns the persisted mutation counter.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Close stops subscriptions. The underlying DB is left open.
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
