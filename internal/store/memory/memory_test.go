package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/ciqueue/internal/item"
	"github.com/rzbill/ciqueue/internal/lease"
	"github.com/rzbill/ciqueue/internal/store"
)

var rev = item.Revision{Owner: "acme", Repo: "api", SHA: "abc"}

func claimFn(worker string, now time.Time, claimed **item.Item) store.UpdateFunc {
	return func(cur item.Snapshot) (item.Snapshot, error) {
		*claimed = nil
		c, next := lease.ProposeClaim(cur, now, lease.Policy{WorkerID: worker, Timeout: time.Minute})
		if c == nil {
			return cur, store.ErrAbort
		}
		*claimed = c
		return next, nil
	}
}

func TestPushDistinctKeysForDuplicates(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()
	k1, err := s.Push(ctx, rev)
	require.NoError(t, err)
	k2, err := s.Push(ctx, rev)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
	assert.Less(t, k1, k2)
	assert.Equal(t, 2, s.Snapshot().Len())
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()
	k, _ := s.Push(ctx, rev)
	require.NoError(t, s.Delete(ctx, k))
	v := s.Version()
	require.NoError(t, s.Delete(ctx, k))
	assert.Equal(t, v, s.Version())
}

func TestTransactAbortDoesNotCommit(t *testing.T) {
	s := New()
	defer s.Close()
	v := s.Version()
	committed, _, err := s.Transact(context.Background(), func(cur item.Snapshot) (item.Snapshot, error) {
		return cur, store.ErrAbort
	})
	require.NoError(t, err)
	assert.False(t, committed)
	assert.Equal(t, v, s.Version())
}

func TestTransactPropagatesUpdateError(t *testing.T) {
	s := New()
	defer s.Close()
	boom := errors.New("boom")
	committed, _, err := s.Transact(context.Background(), func(cur item.Snapshot) (item.Snapshot, error) {
		return cur, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, committed)
}

func TestTransactRetriesAfterInjectedRace(t *testing.T) {
	var s *Store
	var injected atomic.Bool
	s = New(WithBeforeCommit(func(attempt int) {
		if attempt == 0 && injected.CompareAndSwap(false, true) {
			// another worker claims k1 between our read and commit
			it, _ := s.Snapshot().Get("k1")
			s.Put(it.Claim("rival", time.Now()))
		}
	}))
	defer s.Close()
	s.Put(item.New("k1", rev))
	s.Put(item.New("k2", rev))

	var claimed *item.Item
	var calls int
	fn := claimFn("me", time.Now(), &claimed)
	committed, result, err := s.Transact(context.Background(), func(cur item.Snapshot) (item.Snapshot, error) {
		calls++
		return fn(cur)
	})
	require.NoError(t, err)
	require.True(t, committed)
	assert.Equal(t, 2, calls, "update func reruns against the fresher snapshot")
	require.NotNil(t, claimed)
	assert.Equal(t, "k2", claimed.StoreKey)
	got, _ := result.Get("k1")
	assert.Equal(t, "rival", got.LeaseHolder)
}

func TestTransactConflictAfterMaxAttempts(t *testing.T) {
	var s *Store
	s = New(WithMaxAttempts(3), WithBeforeCommit(func(int) {
		s.Put(item.New(fmt.Sprintf("noise-%d", time.Now().UnixNano()), rev))
	}))
	defer s.Close()
	committed, _, err := s.Transact(context.Background(), func(cur item.Snapshot) (item.Snapshot, error) {
		return cur.With(item.New("mine", rev)), nil
	})
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.False(t, committed)
}

func TestRacingWorkersClaimEachItemOnce(t *testing.T) {
	const workers = 16
	for _, items := range []int{1, 3} {
		s := New()
		for i := 0; i < items; i++ {
			s.Put(item.New(fmt.Sprintf("k%d", i), rev))
		}
		now := time.Now()
		start := make(chan struct{})
		var mu sync.Mutex
		winners := map[string][]string{}
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				<-start
				var claimed *item.Item
				committed, _, err := s.Transact(context.Background(), claimFn(worker, now, &claimed))
				if err != nil || !committed {
					return
				}
				mu.Lock()
				winners[claimed.StoreKey] = append(winners[claimed.StoreKey], worker)
				mu.Unlock()
			}(fmt.Sprintf("w%d", w))
		}
		close(start)
		wg.Wait()

		assert.Len(t, winners, items)
		for key, ws := range winners {
			assert.Len(t, ws, 1, "item %s claimed by %v", key, ws)
			it, _ := s.Snapshot().Get(key)
			assert.Equal(t, ws[0], it.LeaseHolder)
		}
		s.Close()
	}
}

func TestSubscribeSeesEveryChangeEventually(t *testing.T) {
	s := New()
	defer s.Close()
	var last atomic.Int32
	last.Store(-1)
	require.NoError(t, s.Subscribe(context.Background(), func(snap item.Snapshot) {
		last.Store(int32(snap.Len()))
	}))
	require.Eventually(t, func() bool { return last.Load() == 0 }, time.Second, time.Millisecond)
	for i := 0; i < 3; i++ {
		_, err := s.Push(context.Background(), rev)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return last.Load() == 3 }, time.Second, time.Millisecond)
}

func TestClosedStoreRejects(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	_, err := s.Push(context.Background(), rev)
	assert.ErrorIs(t, err, store.ErrClosed)
	_, _, err = s.Transact(context.Background(), func(cur item.Snapshot) (item.Snapshot, error) { return cur, nil })
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.ErrorIs(t, s.Subscribe(context.Background(), func(item.Snapshot) {}), store.ErrClosed)
}
