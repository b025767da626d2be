// Package history keeps a bounded log of runs finished by this worker.
//
// Entries live in Pebble under h/<queue>/<id>, where id is a time-ordered
// pkg/id value, so a reverse scan yields newest first. Retention is enforced
// by count and by age; count trimming happens in the background once Add
// pushes the log over its limit.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/ciqueue/internal/item"
	pebblestore "github.com/rzbill/ciqueue/internal/storage/pebble"
	"github.com/rzbill/ciqueue/pkg/id"
	"github.com/rzbill/ciqueue/pkg/log"
)

// Entry is one finished run.
type Entry struct {
	ID            string        `json:"id"`
	Key           string        `json:"key"`
	Revision      item.Revision `json:"revision"`
	WorkerID      string        `json:"worker_id"`
	Result        string        `json:"result"`
	Error         string        `json:"error,omitempty"`
	StartedAtMs   int64         `json:"started_at_ms"`
	CompletedAtMs int64         `json:"completed_at_ms"`
	DurationMs    int64         `json:"duration_ms"`
	// Stopped marks runs that finished after the worker stopped; their
	// status was not published and their item was left for another worker.
	Stopped bool `json:"stopped,omitempty"`
}

const (
	DefaultMaxEntries = 1000
	DefaultMaxAge     = 24 * time.Hour
	maxListLimit      = 1000
)

// Recorder appends and lists entries for one queue.
type Recorder struct {
	db         *pebblestore.DB
	prefix     []byte
	ids        *id.Generator
	now        func() time.Time
	log        log.Logger
	maxEntries int
	maxAge     time.Duration

	mu       sync.Mutex
	count    int
	trimming bool
	closed   bool
	wg       sync.WaitGroup
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithRetention overrides the limits. Zero keeps the default.
func WithRetention(maxEntries int, maxAge time.Duration) Option {
	return func(r *Recorder) {
		if maxEntries > 0 {
			r.maxEntries = maxEntries
		}
		if maxAge > 0 {
			r.maxAge = maxAge
		}
	}
}

// WithClock overrides the clock used for age checks.
func WithClock(now func() time.Time) Option { return func(r *Recorder) { r.now = now } }

func WithLogger(l log.Logger) Option { return func(r *Recorder) { r.log = l } }

// New opens the history of queue in db, counting what is already there.
func New(db *pebblestore.DB, queue string, opts ...Option) (*Recorder, error) {
	r := &Recorder{
		db:         db,
		prefix:     []byte(fmt.Sprintf("h/%s/", queue)),
		now:        time.Now,
		log:        log.NewNopLogger(),
		maxEntries: DefaultMaxEntries,
		maxAge:     DefaultMaxAge,
	}
	for _, o := range opts {
		o(r)
	}
	r.ids = id.NewGenerator(id.WithClock(func() int64 { return r.now().UnixMilli() }))
	r.log = r.log.WithComponent("history")
	if err := db.ScanPrefix(r.prefix, func(_, _ []byte) bool { r.count++; return true }); err != nil {
		return nil, fmt.Errorf("history: count: %w", err)
	}
	return r, nil
}

func encodeEntry(e *Entry) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return pebblestore.EncodeRecord([]byte(e.Result), payload), nil
}

func decodeEntry(b []byte) (*Entry, error) {
	_, payload, err := pebblestore.DecodeRecord(b)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Add stores e, assigning its ID.
func (r *Recorder) Add(ctx context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("history: closed")
	}
	next := r.ids.Next()
	e.ID = next.String()
	value, err := encodeEntry(&e)
	if err != nil {
		return fmt.Errorf("history: encode: %w", err)
	}
	key := append(append([]byte(nil), r.prefix...), next.Bytes()...)

	batch := r.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(key, value, nil); err != nil {
		return fmt.Errorf("history: set: %w", err)
	}
	if err := r.db.CommitBatch(ctx, batch); err != nil {
		return fmt.Errorf("history: commit: %w", err)
	}
	r.count++

	if r.count > r.maxEntries && !r.trimming {
		r.trimming = true
		r.wg.Add(1)
		go r.trimLoop()
	}
	return nil
}

// trimLoop keeps trimming until the count is within bounds.
func (r *Recorder) trimLoop() {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if r.count <= r.maxEntries {
			r.trimming = false
			r.mu.Unlock()
			return
		}
		n, err := r.trimLocked(context.Background())
		r.mu.Unlock()
		if err != nil {
			r.log.Warn("trim failed", log.Err(err))
			r.mu.Lock()
			r.trimming = false
			r.mu.Unlock()
			return
		}
		r.log.Debug("trimmed history", log.Int("removed", n))
	}
}

// List returns up to limit entries, newest first. Entries older than the
// retention age and unreadable records are skipped.
func (r *Recorder) List(_ context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: r.prefix,
		UpperBound: pebblestore.PrefixUpperBound(r.prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("history: iterator: %w", err)
	}
	defer iter.Close()

	cutoff := r.now().Add(-r.maxAge).UnixMilli()
	out := make([]Entry, 0, limit)
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		if r.keyTime(iter.Key()) < cutoff {
			// Keys are time-ordered; everything further back is older.
			break
		}
		e, err := decodeEntry(iter.Value())
		if err != nil {
			continue
		}
		out = append(out, *e)
	}
	return out, iter.Error()
}

// keyTime is the millisecond timestamp of the id behind prefix in key.
func (r *Recorder) keyTime(key []byte) int64 {
	var ident id.ID
	copy(ident[:], key[len(r.prefix):])
	return ident.Time().UnixMilli()
}

// Trim drops entries past the age limit and the oldest entries past the
// count limit. It returns how many were removed.
func (r *Recorder) Trim(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trimLocked(ctx)
}

func (r *Recorder) trimLocked(ctx context.Context) (int, error) {
	var keys [][]byte
	if err := r.db.ScanPrefix(r.prefix, func(k, _ []byte) bool {
		keys = append(keys, k)
		return true
	}); err != nil {
		return 0, err
	}
	cutoff := r.now().Add(-r.maxAge).UnixMilli()
	drop := 0
	if excess := len(keys) - r.maxEntries; excess > 0 {
		drop = excess
	}
	for drop < len(keys) && r.keyTime(keys[drop]) < cutoff {
		drop++
	}
	if drop == 0 {
		r.count = len(keys)
		return 0, nil
	}

	batch := r.db.NewBatch()
	defer batch.Close()
	for _, k := range keys[:drop] {
		if err := batch.Delete(k, nil); err != nil {
			return 0, err
		}
	}
	if err := r.db.CommitBatch(ctx, batch); err != nil {
		return 0, err
	}
	r.count = len(keys) - drop
	return drop, nil
}

// Len is the number of stored entries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Close waits for a background trim and rejects further Adds. The database
// stays open.
func (r *Recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}
