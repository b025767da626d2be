package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/ciqueue/internal/item"
)

var rev = item.Revision{Owner: "acme", Repo: "api", SHA: "abc"}

func TestDiff(t *testing.T) {
	before := item.NewSnapshot([]item.Item{item.New("k1", rev), item.New("k2", rev), item.New("k3", rev)})
	claimed := item.New("k2", rev).Claim("w1", time.UnixMilli(5))
	after := before.Without("k1").With(claimed).With(item.New("k4", rev))

	upserts, deletes := Diff(before, after)
	assert.Equal(t, []string{"k1"}, deletes)
	require.Len(t, upserts, 2)
	keys := []string{upserts[0].StoreKey, upserts[1].StoreKey}
	assert.ElementsMatch(t, []string{"k2", "k4"}, keys)

	up, del := Diff(before, before.Clone())
	assert.Empty(t, up)
	assert.Empty(t, del)
}

func TestProposeClassifiesOutcomes(t *testing.T) {
	cur := item.NewSnapshot([]item.Item{item.New("k1", rev)})

	_, commit, err := Propose(cur, func(s item.Snapshot) (item.Snapshot, error) { return s, ErrAbort })
	assert.NoError(t, err)
	assert.False(t, commit)

	boom := errors.New("boom")
	_, commit, err = Propose(cur, func(s item.Snapshot) (item.Snapshot, error) { return s, boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, commit)

	next, commit, err := Propose(cur, func(s item.Snapshot) (item.Snapshot, error) { return s.Without("k1"), nil })
	assert.NoError(t, err)
	assert.True(t, commit)
	assert.Equal(t, 0, next.Len())
}

func TestHubDeliversLatestFirst(t *testing.T) {
	h := NewHub()
	defer h.Close()
	h.Publish(item.NewSnapshot([]item.Item{item.New("k1", rev)}))

	got := make(chan item.Snapshot, 4)
	require.NoError(t, h.Subscribe(context.Background(), func(s item.Snapshot) { got <- s }))

	select {
	case s := <-got:
		assert.Equal(t, 1, s.Len())
	case <-time.After(time.Second):
		t.Fatal("no initial delivery")
	}

	h.Publish(item.Snapshot{})
	select {
	case s := <-got:
		assert.Equal(t, 0, s.Len())
	case <-time.After(time.Second):
		t.Fatal("no delivery after publish")
	}
}

func TestHubCoalescesForSlowSubscriber(t *testing.T) {
	h := NewHub()
	defer h.Close()

	release := make(chan struct{})
	var mu sync.Mutex
	var seen []int
	require.NoError(t, h.Subscribe(context.Background(), func(s item.Snapshot) {
		<-release
		mu.Lock()
		seen = append(seen, s.Len())
		mu.Unlock()
	}))

	h.Publish(item.NewSnapshot(make([]item.Item, 1)))
	time.Sleep(10 * time.Millisecond) // subscriber now blocked on the first snapshot
	for n := 2; n <= 5; n++ {
		h.Publish(item.NewSnapshot(make([]item.Item, n)))
	}
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []int{1, 5}, seen)
	mu.Unlock()
}

func TestHubUnsubscribesOnContextDone(t *testing.T) {
	h := NewHub()
	defer h.Close()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Subscribe(ctx, func(item.Snapshot) {}))
	assert.Equal(t, 1, h.Subscribers())
	cancel()
	require.Eventually(t, func() bool { return h.Subscribers() == 0 }, time.Second, time.Millisecond)
}

func TestHubClosed(t *testing.T) {
	h := NewHub()
	h.Close()
	assert.ErrorIs(t, h.Subscribe(context.Background(), func(item.Snapshot) {}), ErrClosed)
}
