package store

import (
	"context"
	"sync"

	"github.com/rzbill/ciqueue/internal/item"
)

// Hub fans snapshots out to subscribers. Each subscriber has a one-slot
// mailbox; publishing replaces an undelivered snapshot so delivery is
// latest-wins.
type Hub struct {
	mu     sync.Mutex
	latest item.Snapshot
	primed bool
	nextID uint64
	subs   map[uint64]*subscriber
	closed bool
	wg     sync.WaitGroup
}

type subscriber struct {
	box  chan item.Snapshot
	done chan struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub { return &Hub{subs: make(map[uint64]*subscriber)} }

// Latest returns the last published snapshot and whether one exists.
func (h *Hub) Latest() (item.Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest, h.primed
}

// Publish records s as the current state and offers it to every subscriber.
func (h *Hub) Publish(s item.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.latest, h.primed = s, true
	for _, sub := range h.subs {
		offer(sub.box, s)
	}
}

func offer(box chan item.Snapshot, s item.Snapshot) {
	select {
	case <-box:
	default:
	}
	box <- s
}

// Subscribe registers fn and returns immediately. fn runs on a dedicated
// goroutine, first with the latest snapshot (if any), until ctx is done or
// the hub is closed.
func (h *Hub) Subscribe(ctx context.Context, fn func(item.Snapshot)) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	id := h.nextID
	h.nextID++
	sub := &subscriber{box: make(chan item.Snapshot, 1), done: make(chan struct{})}
	h.subs[id] = sub
	if h.primed {
		sub.box <- h.latest
	}
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		defer h.remove(id)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case s := <-sub.box:
				fn(s)
			}
		}
	}()
	return nil
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close stops every subscription and waits for in-flight callbacks.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for _, sub := range h.subs {
		close(sub.done)
	}
	h.mu.Unlock()
	h.wg.Wait()
}
