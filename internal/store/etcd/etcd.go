// Package etcd is a Store shared between hosts through etcd. Items live under
// /ciqueue/{queue}/items/{key}; every mutation also rewrites
// /ciqueue/{queue}/head, so a transaction commits only if head's
// ModRevision is unchanged since it read the collection.
package etcd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/rzbill/ciqueue/internal/item"
	"github.com/rzbill/ciqueue/internal/store"
	"github.com/rzbill/ciqueue/pkg/log"
)

// Config holds connection settings.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
}

// Store implements store.Store on etcd.
type Store struct {
	cli        *clientv3.Client
	ownsClient bool
	prefix     string
	log        log.Logger
	hub        *store.Hub

	maxAttempts int
	retryDelay  time.Duration

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

// Dial connects to etcd and opens queue. The returned Store owns the client.
func Dial(ctx context.Context, cfg Config, queue string, opts ...Option) (*Store, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd store: connect: %w", err)
	}
	s, err := New(ctx, cli, queue, opts...)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	s.ownsClient = true
	return s, nil
}

// New opens queue on an existing client. The caller keeps ownership of cli.
func New(ctx context.Context, cli *clientv3.Client, queue string, opts ...Option) (*Store, error) {
	if queue == "" {
		return nil, fmt.Errorf("etcd store: queue name is required")
	}
	s := &Store{
		cli:         cli,
		prefix:      fmt.Sprintf("/ciqueue/%s/", queue),
		log:         log.NewNopLogger(),
		hub:         store.NewHub(),
		maxAttempts: store.DefaultMaxAttempts,
		retryDelay:  time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(log.Component("store.etcd"), log.Str("queue", queue))

	snap, rev, _, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	s.hub.Publish(snap)

	wctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.watch(wctx, rev)
	return s, nil
}

var _ store.Store = (*Store)(nil)

func (s *Store) itemsPrefix() string       { return s.prefix + "items/" }
func (s *Store) itemKey(key string) string { return s.itemsPrefix() + key }
func (s *Store) headKey() string           { return s.prefix + "head" }

// read returns the collection, the store revision of the read and the
// ModRevision of the head key (0 when absent).
func (s *Store) read(ctx context.Context) (item.Snapshot, int64, int64, error) {
	resp, err := s.cli.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return item.Snapshot{}, 0, 0, fmt.Errorf("etcd store: read: %w", err)
	}
	var head int64
	items := make([]item.Item, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		k := string(kv.Key)
		if k == s.headKey() {
			head = kv.ModRevision
			continue
		}
		key, ok := strings.CutPrefix(k, s.itemsPrefix())
		if !ok {
			continue
		}
		it, err := item.Unmarshal(key, kv.Value)
		if err != nil {
			s.log.Warn("skipping undecodable item", log.Str("key", key), log.Err(err))
			continue
		}
		items = append(items, it)
	}
	return item.NewSnapshot(items), resp.Header.Revision, head, nil
}

func (s *Store) watch(ctx context.Context, rev int64) {
	defer s.wg.Done()
	for ctx.Err() == nil {
		wch := s.cli.Watch(ctx, s.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for wresp := range wch {
			if err := wresp.Err(); err != nil {
				s.log.Warn("watch error", log.Err(err))
				break
			}
			if len(wresp.Events) == 0 {
				continue
			}
			snap, r, _, err := s.read(ctx)
			if err != nil {
				s.log.Warn("re-read after change failed", log.Err(err))
				continue
			}
			rev = r
			s.hub.Publish(snap)
		}
		if ctx.Err() != nil {
			return
		}
		// Watch ended (compaction or connection loss). Resync from a fresh read.
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.retryDelay):
		}
		snap, r, _, err := s.read(ctx)
		if err != nil {
			s.log.Warn("resync failed", log.Err(err))
			continue
		}
		rev = r
		s.hub.Publish(snap)
	}
}

// Subscribe implements store.Store.
func (s *Store) Subscribe(ctx context.Context, fn func(item.Snapshot)) error {
	return s.hub.Subscribe(ctx, fn)
}

func (s *Store) ops(upserts []item.Item, deletes []string) ([]clientv3.Op, error) {
	ops := make([]clientv3.Op, 0, len(upserts)+len(deletes)+1)
	for _, it := range upserts {
		body, err := it.Marshal()
		if err != nil {
			return nil, err
		}
		ops = append(ops, clientv3.OpPut(s.itemKey(it.StoreKey), string(body)))
	}
	for _, k := range deletes {
		ops = append(ops, clientv3.OpDelete(s.itemKey(k)))
	}
	return append(ops, clientv3.OpPut(s.headKey(), time.Now().UTC().Format(time.RFC3339Nano))), nil
}

// Transact implements store.Store.
func (s *Store) Transact(ctx context.Context, fn store.UpdateFunc) (bool, item.Snapshot, error) {
	var cur item.Snapshot
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		var head int64
		var err error
		cur, _, head, err = s.read(ctx)
		if err != nil {
			return false, cur, err
		}
		next, commit, err := store.Propose(cur, fn)
		if err != nil || !commit {
			return false, cur, err
		}
		upserts, deletes := store.Diff(cur, next)
		if len(upserts) == 0 && len(deletes) == 0 {
			return true, next, nil
		}
		ops, err := s.ops(upserts, deletes)
		if err != nil {
			return false, cur, err
		}
		resp, err := s.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(s.headKey()), "=", head)).
			Then(ops...).
			Commit()
		if err != nil {
			return false, cur, fmt.Errorf("etcd store: txn: %w", err)
		}
		if resp.Succeeded {
			return true, next, nil
		}
		s.log.Debug("transaction lost race, retrying", log.Int("attempt", attempt))
	}
	return false, cur, store.ErrConflict
}

// Push implements store.Store.
func (s *Store) Push(ctx context.Context, rev item.Revision) (string, error) {
	key := ulid.Make().String()
	ops, err := s.ops([]item.Item{item.New(key, rev)}, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(s.itemKey(key)), "=", 0)).
		Then(ops...).
		Commit()
	if err != nil {
		return "", fmt.Errorf("etcd store: push: %w", err)
	}
	if !resp.Succeeded {
		return "", fmt.Errorf("etcd store: push: key %s already exists", key)
	}
	return key, nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	ops, _ := s.ops(nil, []string{key})
	_, err := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(s.itemKey(key)), ">", 0)).
		Then(ops...).
		Commit()
	if err != nil {
		return fmt.Errorf("etcd store: delete: %w", err)
	}
	return nil
}

// Close stops the watcher and subscriptions, and closes an owned client.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.hub.Close()
	if s.ownsClient {
		return s.cli.Close()
	}
	return nil
}
