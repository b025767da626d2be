package store

import (
	"context"
	"errors"

	"github.com/rzbill/ciqueue/internal/item"
)

var (
	// ErrAbort is returned by an UpdateFunc to end a transaction without
	// committing. Transact then reports committed=false and a nil error.
	ErrAbort = errors.New("store: transaction aborted")
	// ErrConflict means optimistic retries were exhausted.
	ErrConflict = errors.New("store: too many concurrent modifications")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// DefaultMaxAttempts bounds optimistic retries inside Transact.
const DefaultMaxAttempts = 25

// UpdateFunc maps the current snapshot to a proposed one. It may be invoked
// more than once per Transact call and must not have side effects that
// survive a retry.
type UpdateFunc func(current item.Snapshot) (item.Snapshot, error)

// Store is the remote item collection.
type Store interface {
	// Subscribe delivers the current snapshot promptly and then the full
	// snapshot after every change until ctx is done. Deliveries to one
	// subscriber are serialized and coalesced: a slow subscriber only sees
	// the latest state.
	Subscribe(ctx context.Context, fn func(item.Snapshot)) error
	// Transact applies fn with compare-and-swap semantics.
	Transact(ctx context.Context, fn UpdateFunc) (committed bool, result item.Snapshot, err error)
	// Push appends a new unclaimed item and returns its store key.
	Push(ctx context.Context, rev item.Revision) (string, error)
	// Delete removes key unconditionally. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error
	Close() error
}

// Propose runs fn against current and classifies the outcome: commit reports
// whether there is anything to write (or an unchanged proposal to accept),
// and err is non-nil only for failures other than ErrAbort.
func Propose(current item.Snapshot, fn UpdateFunc) (next item.Snapshot, commit bool, err error) {
	next, err = fn(current)
	if errors.Is(err, ErrAbort) {
		return current, false, nil
	}
	if err != nil {
		return current, false, err
	}
	return next, true, nil
}
