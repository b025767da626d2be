package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rzbill/ciqueue/internal/item"
	"github.com/rzbill/ciqueue/internal/lease"
	"github.com/rzbill/ciqueue/internal/store"
)

var rev = item.Revision{Owner: "acme", Repo: "api", SHA: "abc"}

// setupTestContainer starts postgres and returns its DSN.
func setupTestContainer(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(time.Minute),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())
}

func openTestStore(t *testing.T, dsn, queue string) *Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := Dial(ctx, Config{DSN: dsn}, queue, WithResyncInterval(100*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testQueue() string { return "test-" + strings.ToLower(ulid.Make().String()) }

func TestMigrationsAreEmbedded(t *testing.T) {
	src, err := iofs.New(migrations, "migrations")
	require.NoError(t, err)
	defer src.Close()
	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)
}

func TestPushTransactDelete(t *testing.T) {
	s := openTestStore(t, setupTestContainer(t), testQueue())
	ctx := context.Background()

	var last atomic.Int32
	require.NoError(t, s.Subscribe(ctx, func(snap item.Snapshot) { last.Store(int32(snap.Len())) }))

	k1, err := s.Push(ctx, rev)
	require.NoError(t, err)
	_, err = s.Push(ctx, rev)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return last.Load() == 2 }, 5*time.Second, 10*time.Millisecond)

	committed, result, err := s.Transact(ctx, func(cur item.Snapshot) (item.Snapshot, error) {
		c, next := lease.ProposeClaim(cur, time.Now(), lease.Policy{WorkerID: "w1", Timeout: time.Minute})
		if c == nil {
			return cur, store.ErrAbort
		}
		return next, nil
	})
	require.NoError(t, err)
	require.True(t, committed)
	got, _ := result.Get(k1)
	assert.Equal(t, "w1", got.LeaseHolder)

	committed, _, err = s.Transact(ctx, func(cur item.Snapshot) (item.Snapshot, error) {
		return cur, store.ErrAbort
	})
	require.NoError(t, err)
	assert.False(t, committed)

	require.NoError(t, s.Delete(ctx, k1))
	require.NoError(t, s.Delete(ctx, k1), "deleting a missing key is not an error")
	require.Eventually(t, func() bool { return last.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestConcurrentWriteForcesRetry(t *testing.T) {
	s := openTestStore(t, setupTestContainer(t), testQueue())
	ctx := context.Background()
	_, err := s.Push(ctx, rev)
	require.NoError(t, err)

	calls := 0
	committed, result, err := s.Transact(ctx, func(cur item.Snapshot) (item.Snapshot, error) {
		calls++
		if calls == 1 {
			_, perr := s.Push(ctx, rev)
			require.NoError(t, perr)
		}
		return cur.Without(cur.At(0).StoreKey), nil
	})
	require.NoError(t, err)
	assert.True(t, committed)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, result.Len())
}

func TestQueuesShareTablesButNotItems(t *testing.T) {
	dsn := setupTestContainer(t)
	queue := testQueue()
	a := openTestStore(t, dsn, queue)
	b := openTestStore(t, dsn, queue)
	other := openTestStore(t, dsn, testQueue())
	ctx := context.Background()

	var seen, otherSeen atomic.Int32
	require.NoError(t, b.Subscribe(ctx, func(snap item.Snapshot) { seen.Store(int32(snap.Len())) }))
	require.NoError(t, other.Subscribe(ctx, func(snap item.Snapshot) { otherSeen.Store(int32(snap.Len())) }))

	_, err := a.Push(ctx, rev)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return seen.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return otherSeen.Load() != 0 }, 300*time.Millisecond, 20*time.Millisecond)
}
