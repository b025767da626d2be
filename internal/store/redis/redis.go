// Package redis is a Store shared between hosts through Redis. Items are
// fields of the hash ciqueue:{queue}:items; transactions WATCH that hash and
// commit with MULTI/EXEC. Every write publishes on ciqueue:{queue}:changes so
// subscribers re-read the collection.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/rzbill/ciqueue/internal/item"
	"github.com/rzbill/ciqueue/internal/store"
	"github.com/rzbill/ciqueue/pkg/log"
)

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store implements store.Store on Redis.
type Store struct {
	rdb       *redis.Client
	ownsRDB   bool
	itemsKey  string
	changesCh string
	log       log.Logger
	hub       *store.Hub

	maxAttempts int
	resync      time.Duration

	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
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

// WithResyncInterval sets how often the full collection is re-read even
// without a change notification. Pub/sub is fire-and-forget, so this bounds
// how stale a subscriber can get after a dropped message.
func WithResyncInterval(d time.Duration) Option { return func(s *Store) { s.resync = d } }

// Dial connects to Redis and opens queue. The returned Store owns the client.
func Dial(ctx context.Context, cfg Config, queue string, opts ...Option) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis store: connect: %w", err)
	}
	s, err := New(ctx, rdb, queue, opts...)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	s.ownsRDB = true
	return s, nil
}

// New opens queue on an existing client.
func New(ctx context.Context, rdb *redis.Client, queue string, opts ...Option) (*Store, error) {
	if queue == "" {
		return nil, fmt.Errorf("redis store: queue name is required")
	}
	s := &Store{
		rdb:         rdb,
		itemsKey:    fmt.Sprintf("ciqueue:%s:items", queue),
		changesCh:   fmt.Sprintf("ciqueue:%s:changes", queue),
		log:         log.NewNopLogger(),
		hub:         store.NewHub(),
		maxAttempts: store.DefaultMaxAttempts,
		resync:      5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(log.Component("store.redis"), log.Str("queue", queue))

	s.pubsub = rdb.Subscribe(ctx, s.changesCh)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		return nil, fmt.Errorf("redis store: subscribe: %w", err)
	}
	snap, err := s.read(ctx, rdb)
	if err != nil {
		_ = s.pubsub.Close()
		return nil, err
	}
	s.hub.Publish(snap)

	lctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.listen(lctx)
	return s, nil
}

var _ store.Store = (*Store)(nil)

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *Store) read(ctx context.Context, r hashReader) (item.Snapshot, error) {
	m, err := r.HGetAll(ctx, s.itemsKey).Result()
	if err != nil {
		return item.Snapshot{}, fmt.Errorf("redis store: read: %w", err)
	}
	return s.decode(m), nil
}

func (s *Store) decode(m map[string]string) item.Snapshot {
	items := make([]item.Item, 0, len(m))
	for key, body := range m {
		it, err := item.Unmarshal(key, []byte(body))
		if err != nil {
			s.log.Warn("skipping undecodable item", log.Str("key", key), log.Err(err))
			continue
		}
		items = append(items, it)
	}
	return item.NewSnapshot(items)
}

func (s *Store) refresh(ctx context.Context) {
	snap, err := s.read(ctx, s.rdb)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("refresh failed", log.Err(err))
		}
		return
	}
	s.hub.Publish(snap)
}

func (s *Store) listen(ctx context.Context) {
	defer s.wg.Done()
	msgs := s.pubsub.Channel()
	var tick <-chan time.Time
	if s.resync > 0 {
		t := time.NewTicker(s.resync)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-msgs:
			if !ok {
				return
			}
			s.refresh(ctx)
		case <-tick:
			s.refresh(ctx)
		}
	}
}

// Subscribe implements store.Store.
func (s *Store) Subscribe(ctx context.Context, fn func(item.Snapshot)) error {
	return s.hub.Subscribe(ctx, fn)
}

var errAborted = errors.New("aborted")

// Transact implements store.Store.
func (s *Store) Transact(ctx context.Context, fn store.UpdateFunc) (bool, item.Snapshot, error) {
	var cur, next item.Snapshot
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		var updErr error
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			var err error
			cur, err = s.read(ctx, tx)
			if err != nil {
				return err
			}
			var commit bool
			next, commit, updErr = store.Propose(cur, fn)
			if updErr != nil || !commit {
				return errAborted
			}
			upserts, deletes := store.Diff(cur, next)
			if len(upserts) == 0 && len(deletes) == 0 {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				return s.queueWrites(ctx, p, upserts, deletes)
			})
			return err
		}, s.itemsKey)

		switch {
		case err == nil:
			return true, next, nil
		case errors.Is(err, errAborted):
			return false, cur, updErr
		case errors.Is(err, redis.TxFailedErr):
			s.log.Debug("transaction lost race, retrying", log.Int("attempt", attempt))
			continue
		default:
			return false, cur, fmt.Errorf("redis store: txn: %w", err)
		}
	}
	return false, cur, store.ErrConflict
}

func (s *Store) queueWrites(ctx context.Context, p redis.Pipeliner, upserts []item.Item, deletes []string) error {
	for _, it := range upserts {
		body, err := it.Marshal()
		if err != nil {
			return err
		}
		p.HSet(ctx, s.itemsKey, it.StoreKey, body)
	}
	if len(deletes) > 0 {
		p.HDel(ctx, s.itemsKey, deletes...)
	}
	p.Publish(ctx, s.changesCh, "1")
	return nil
}

// Push implements store.Store.
func (s *Store) Push(ctx context.Context, rev item.Revision) (string, error) {
	key := ulid.Make().String()
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		return s.queueWrites(ctx, p, []item.Item{item.New(key, rev)}, nil)
	})
	if err != nil {
		return "", fmt.Errorf("redis store: push: %w", err)
	}
	return key, nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		return s.queueWrites(ctx, p, nil, []string{key})
	})
	if err != nil {
		return fmt.Errorf("redis store: delete: %w", err)
	}
	return nil
}

// Close stops the listener and subscriptions, and closes an owned client.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.pubsub != nil {
		_ = s.pubsub.Close()
	}
	s.wg.Wait()
	s.hub.Close()
	if s.ownsRDB {
		return s.rdb.Close()
	}
	return nil
}
