// Package status publishes human-visible progress for queued revisions
// (commit statuses). Publishing is best effort: a Publisher buffers updates
// and retries them in the background so a slow or failing sink never holds
// up the queue.
package status

import (
	"context"
	"time"

	"github.com/rzbill/ciqueue/internal/item"
)

// State is a commit status state.
type State string

const (
	Pending State = "pending"
	Success State = "success"
	Failure State = "failure"
	Error   State = "error"
)

// DefaultScope is the status context shown next to the commit.
const DefaultScope = "CI"

// Descriptions used by the coordinator.
const (
	DescWaiting   = "Waiting for worker"
	DescRunning   = "Running tests"
	DescPassed    = "Tests passed"
	DescFailed    = "Tests failed"
	DescCancelled = "Run cancelled"
)

// Update is one status change.
type Update struct {
	Revision    item.Revision `json:"revision"`
	Scope       string        `json:"scope"`
	State       State         `json:"state"`
	Description string        `json:"description"`
	Time        time.Time     `json:"time"`
}

// Sink delivers status updates somewhere visible.
type Sink interface {
	SetStatus(ctx context.Context, u Update) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, u Update) error

// SetStatus implements Sink.
func (f SinkFunc) SetStatus(ctx context.Context, u Update) error { return f(ctx, u) }

// NopSink discards updates.
type NopSink struct{}

// SetStatus implements Sink.
func (NopSink) SetStatus(context.Context, Update) error { return nil }
