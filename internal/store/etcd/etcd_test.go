package etcd

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/rzbill/ciqueue/internal/item"
	"github.com/rzbill/ciqueue/internal/lease"
	"github.com/rzbill/ciqueue/internal/store"
)

// openTestStore connects to the etcd cluster named by CIQ_TEST_ETCD_ENDPOINTS
// and skips otherwise.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	eps := os.Getenv("CIQ_TEST_ETCD_ENDPOINTS")
	if eps == "" {
		t.Skip("CIQ_TEST_ETCD_ENDPOINTS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	queue := "test-" + strings.ToLower(ulid.Make().String())
	s, err := Dial(ctx, Config{Endpoints: strings.Split(eps, ","), DialTimeout: 2 * time.Second}, queue)
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.cli.Delete(context.Background(), s.prefix, clientv3.WithPrefix())
		_ = s.Close()
	})
	return s
}

var rev = item.Revision{Owner: "acme", Repo: "api", SHA: "abc"}

func TestKeysLayout(t *testing.T) {
	s := &Store{prefix: "/ciqueue/ci/"}
	assert.Equal(t, "/ciqueue/ci/items/K1", s.itemKey("K1"))
	assert.Equal(t, "/ciqueue/ci/head", s.headKey())
	assert.True(t, strings.HasPrefix(s.headKey(), s.prefix))
}

func TestPushClaimDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var last atomic.Int32
	require.NoError(t, s.Subscribe(ctx, func(snap item.Snapshot) { last.Store(int32(snap.Len())) }))

	k1, err := s.Push(ctx, rev)
	require.NoError(t, err)
	k2, err := s.Push(ctx, rev)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
	require.Eventually(t, func() bool { return last.Load() == 2 }, 5*time.Second, 10*time.Millisecond)

	now := time.Now()
	var claimed *item.Item
	committed, result, err := s.Transact(ctx, func(cur item.Snapshot) (item.Snapshot, error) {
		claimed = nil
		c, next := lease.ProposeClaim(cur, now, lease.Policy{WorkerID: "w1", Timeout: time.Minute})
		if c == nil {
			return cur, store.ErrAbort
		}
		claimed = c
		return next, nil
	})
	require.NoError(t, err)
	require.True(t, committed)
	require.NotNil(t, claimed)
	got, _ := result.Get(claimed.StoreKey)
	assert.Equal(t, "w1", got.LeaseHolder)

	require.NoError(t, s.Delete(ctx, k1))
	require.NoError(t, s.Delete(ctx, k1))
	require.Eventually(t, func() bool { return last.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestStaleHeadLosesRace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.Push(ctx, rev)
	require.NoError(t, err)

	calls := 0
	committed, _, err := s.Transact(ctx, func(cur item.Snapshot) (item.Snapshot, error) {
		calls++
		if calls == 1 {
			// a rival write lands between our read and our commit
			_, perr := s.Push(ctx, rev)
			require.NoError(t, perr)
		}
		return cur.Without(cur.At(0).StoreKey), nil
	})
	require.NoError(t, err)
	assert.True(t, committed)
	assert.Equal(t, 2, calls)
}
