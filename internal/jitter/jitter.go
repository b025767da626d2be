// Package jitter delays callbacks by a random fraction of a window so that
// workers reacting to the same store change do not hit the store in lockstep.
package jitter

import (
	"math/rand"
	"sync"
	"time"
)

// Scheduler runs callbacks after a delay drawn uniformly from
// [window/2, window]. Safe for concurrent use.
type Scheduler struct {
	window time.Duration

	mu      sync.Mutex
	rnd     *rand.Rand
	nextID  uint64
	timers  map[uint64]*time.Timer
	tickers []chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRand sets the random source, for reproducible delays in tests.
func WithRand(src rand.Source) Option {
	return func(s *Scheduler) { s.rnd = rand.New(src) }
}

// New returns a Scheduler for window.
func New(window time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		window: window,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		timers: make(map[uint64]*time.Timer),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Window returns the configured upper bound.
func (s *Scheduler) Window() time.Duration { return s.window }

// delayLocked draws the next delay. Callers hold s.mu.
func (s *Scheduler) delayLocked() time.Duration {
	if s.window <= 0 {
		return 0
	}
	half := s.window / 2
	return half + time.Duration(s.rnd.Int63n(int64(s.window-half)+1))
}

// Delay draws a delay the same way Schedule does.
func (s *Scheduler) Delay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delayLocked()
}

// Schedule runs fn once after a jittered delay. It is a no-op after Stop.
func (s *Scheduler) Schedule(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	id := s.nextID
	s.nextID++
	s.wg.Add(1)
	s.timers[id] = time.AfterFunc(s.delayLocked(), func() {
		defer s.wg.Done()
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		stopped := s.stopped
		s.mu.Unlock()
		if live && !stopped {
			fn()
		}
	})
}

// Pending returns the number of armed one-shot timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Every schedules fn with jitter on each tick of interval until Stop.
func (s *Scheduler) Every(interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	done := make(chan struct{})
	s.tickers = append(s.tickers, done)
	s.mu.Unlock()

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				s.Schedule(fn)
			}
		}
	}()
}

// Stop cancels every pending timer and ticker. Callbacks already running are
// not interrupted; Stop waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	for _, done := range s.tickers {
		close(done)
	}
	s.tickers = nil
	s.mu.Unlock()
	s.wg.Wait()
}
