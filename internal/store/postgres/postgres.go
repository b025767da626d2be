// Package postgres is a Store shared between hosts through PostgreSQL. Items
// are rows of ciqueue_items. Every write bumps the queue's version in
// ciqueue_queues, and Transact only commits when the version it read is still
// current. Writers NOTIFY ciqueue_changes with the queue name so subscribers
// re-read the collection.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/oklog/ulid/v2"

	"github.com/rzbill/ciqueue/internal/item"
	"github.com/rzbill/ciqueue/internal/store"
	"github.com/rzbill/ciqueue/pkg/log"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	notifyChannel   = "ciqueue_changes"
	migrationsTable = "ciqueue_schema_migrations"
)

// Config holds connection settings.
type Config struct {
	DSN string
	// MaxConns caps the pool; zero keeps the pgxpool default. One connection
	// is held for LISTEN.
	MaxConns int32
}

// Store implements store.Store on PostgreSQL.
type Store struct {
	pool     *pgxpool.Pool
	ownsPool bool
	queue    string
	log      log.Logger
	hub      *store.Hub

	maxAttempts int
	resync      time.Duration

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

// WithResyncInterval sets how often the collection is re-read without a
// notification. Zero waits for notifications only.
func WithResyncInterval(d time.Duration) Option { return func(s *Store) { s.resync = d } }

// Dial opens a traced pool for cfg.DSN, applies the schema migrations and
// opens queue. The returned Store owns the pool.
func Dial(ctx context.Context, cfg Config, queue string, opts ...Option) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	if err := Migrate(pool); err != nil {
		pool.Close()
		return nil, err
	}
	s, err := New(ctx, pool, queue, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.ownsPool = true
	return s, nil
}

// Migrate brings the schema up to date. Concurrent callers are serialized by
// the migration lock.
func Migrate(pool *pgxpool.Pool) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("postgres store: migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return fmt.Errorf("postgres store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("postgres store: migrate: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres store: migrate up: %w", err)
	}
	return nil
}

// New opens queue on an existing pool whose schema is already migrated.
func New(ctx context.Context, pool *pgxpool.Pool, queue string, opts ...Option) (*Store, error) {
	if queue == "" {
		return nil, fmt.Errorf("postgres store: queue name is required")
	}
	s := &Store{
		pool:        pool,
		queue:       queue,
		log:         log.NewNopLogger(),
		hub:         store.NewHub(),
		maxAttempts: store.DefaultMaxAttempts,
		resync:      5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(log.Component("store.postgres"), log.Str("queue", queue))

	if _, err := pool.Exec(ctx,
		`INSERT INTO ciqueue_queues (queue) VALUES ($1) ON CONFLICT (queue) DO NOTHING`, queue); err != nil {
		return nil, fmt.Errorf("postgres store: register queue: %w", err)
	}
	conn, err := s.listenConn(ctx)
	if err != nil {
		return nil, err
	}
	snap, _, err := s.read(ctx, pool)
	if err != nil {
		conn.Release()
		return nil, err
	}
	s.hub.Publish(snap)

	lctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.listen(lctx, conn)
	return s, nil
}

var _ store.Store = (*Store)(nil)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// read returns the collection and the queue version. Outside a transaction
// the two may come from different commits; Transact detects that through the
// version check.
func (s *Store) read(ctx context.Context, q querier) (item.Snapshot, int64, error) {
	var version int64
	err := q.QueryRow(ctx, `SELECT version FROM ciqueue_queues WHERE queue = $1`, s.queue).Scan(&version)
	if err != nil {
		return item.Snapshot{}, 0, fmt.Errorf("postgres store: read version: %w", err)
	}
	rows, err := q.Query(ctx, `SELECT key, body FROM ciqueue_items WHERE queue = $1`, s.queue)
	if err != nil {
		return item.Snapshot{}, 0, fmt.Errorf("postgres store: read items: %w", err)
	}
	defer rows.Close()

	var items []item.Item
	for rows.Next() {
		var key string
		var body []byte
		if err := rows.Scan(&key, &body); err != nil {
			return item.Snapshot{}, 0, fmt.Errorf("postgres store: scan: %w", err)
		}
		it, err := item.Unmarshal(key, body)
		if err != nil {
			s.log.Warn("skipping undecodable item", log.Str("key", key), log.Err(err))
			continue
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return item.Snapshot{}, 0, fmt.Errorf("postgres store: read items: %w", err)
	}
	return item.NewSnapshot(items), version, nil
}

func (s *Store) refresh(ctx context.Context) {
	snap, _, err := s.read(ctx, s.pool)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("refresh failed", log.Err(err))
		}
		return
	}
	s.hub.Publish(snap)
}

func (s *Store) listenConn(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres store: acquire listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres store: listen: %w", err)
	}
	return conn, nil
}

func (s *Store) listen(ctx context.Context, conn *pgxpool.Conn) {
	defer s.wg.Done()
	defer func() {
		if conn != nil {
			conn.Release()
		}
	}()
	for ctx.Err() == nil {
		if conn == nil {
			var err error
			if conn, err = s.listenConn(ctx); err != nil {
				if ctx.Err() == nil {
					s.log.Warn("reconnect failed", log.Err(err))
				}
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
				continue
			}
			// Changes may have landed while nobody was listening.
			s.refresh(ctx)
		}

		wctx, cancel := ctx, context.CancelFunc(func() {})
		if s.resync > 0 {
			wctx, cancel = context.WithTimeout(ctx, s.resync)
		}
		n, err := conn.Conn().WaitForNotification(wctx)
		cancel()
		switch {
		case err == nil:
			if n.Payload == s.queue {
				s.refresh(ctx)
			}
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err):
			s.refresh(ctx)
		default:
			s.log.Warn("listener connection lost", log.Err(err))
			_ = conn.Conn().Close(context.Background())
			conn.Release()
			conn = nil
		}
	}
}

// Subscribe implements store.Store.
func (s *Store) Subscribe(ctx context.Context, fn func(item.Snapshot)) error {
	return s.hub.Subscribe(ctx, fn)
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
)

// Transact implements store.Store.
func (s *Store) Transact(ctx context.Context, fn store.UpdateFunc) (bool, item.Snapshot, error) {
	var cur item.Snapshot
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		committed, next, res, err := s.attempt(ctx, fn)
		if res == outcomeRetry {
			cur = next
			s.log.Debug("transaction lost race, retrying", log.Int("attempt", attempt))
			continue
		}
		return committed, next, err
	}
	return false, cur, store.ErrConflict
}

// attempt runs one optimistic round. On abort or error the returned snapshot
// is the one fn saw.
func (s *Store) attempt(ctx context.Context, fn store.UpdateFunc) (bool, item.Snapshot, outcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, item.Snapshot{}, outcomeDone, fmt.Errorf("postgres store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	cur, version, err := s.read(ctx, tx)
	if err != nil {
		return false, cur, outcomeDone, err
	}
	next, commit, updErr := store.Propose(cur, fn)
	if updErr != nil || !commit {
		return false, cur, outcomeDone, updErr
	}
	upserts, deletes := store.Diff(cur, next)
	if len(upserts) == 0 && len(deletes) == 0 {
		return true, next, outcomeDone, nil
	}

	tag, err := tx.Exec(ctx,
		`UPDATE ciqueue_queues SET version = version + 1 WHERE queue = $1 AND version = $2`,
		s.queue, version)
	if err != nil {
		return false, cur, outcomeDone, fmt.Errorf("postgres store: bump version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, cur, outcomeRetry, nil
	}
	if err := s.write(ctx, tx, upserts, deletes); err != nil {
		return false, cur, outcomeDone, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, cur, outcomeDone, fmt.Errorf("postgres store: commit: %w", err)
	}
	return true, next, outcomeDone, nil
}

// write queues the upserts, deletes and the change notification on tx.
func (s *Store) write(ctx context.Context, tx pgx.Tx, upserts []item.Item, deletes []string) error {
	batch := &pgx.Batch{}
	for _, it := range upserts {
		body, err := it.Marshal()
		if err != nil {
			return err
		}
		batch.Queue(`INSERT INTO ciqueue_items (queue, key, body) VALUES ($1, $2, $3)
			ON CONFLICT (queue, key) DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()`,
			s.queue, it.StoreKey, body)
	}
	if len(deletes) > 0 {
		batch.Queue(`DELETE FROM ciqueue_items WHERE queue = $1 AND key = ANY($2)`, s.queue, deletes)
	}
	batch.Queue(`SELECT pg_notify($1, $2)`, notifyChannel, s.queue)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres store: write: %w", err)
	}
	return nil
}

// writeUnconditional bumps the version without comparing it, so Push and
// Delete never conflict.
func (s *Store) writeUnconditional(ctx context.Context, upserts []item.Item, deletes []string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE ciqueue_queues SET version = version + 1 WHERE queue = $1`, s.queue); err != nil {
			return fmt.Errorf("postgres store: bump version: %w", err)
		}
		return s.write(ctx, tx, upserts, deletes)
	})
}

// Push implements store.Store.
func (s *Store) Push(ctx context.Context, rev item.Revision) (string, error) {
	key := ulid.Make().String()
	if err := s.writeUnconditional(ctx, []item.Item{item.New(key, rev)}, nil); err != nil {
		return "", fmt.Errorf("postgres store: push: %w", err)
	}
	return key, nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.writeUnconditional(ctx, nil, []string{key}); err != nil {
		return fmt.Errorf("postgres store: delete: %w", err)
	}
	return nil
}

// Close stops the listener and subscriptions, and closes an owned pool.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.hub.Close()
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}
