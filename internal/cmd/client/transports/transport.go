package transports

import (
	"context"
	"errors"
	"fmt"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rzbill/ciqueue/internal/item"
	httpserver "github.com/rzbill/ciqueue/internal/server/http"
)

// QueueTransport abstracts the worker API used by the queue commands.
type QueueTransport interface {
	Submit(ctx context.Context, rev item.Revision) (key string, err error)
	Remove(ctx context.Context, needle item.Revision) (removed int, err error)
	// Pause asks the worker to stop claiming. With wait it returns only once
	// the worker has drained.
	Pause(ctx context.Context, wait bool) (httpserver.StateView, error)
	Resume(ctx context.Context) error
	State(ctx context.Context) (httpserver.StateView, error)
	Items(ctx context.Context) (httpserver.ItemsView, error)
	// History lists runs the worker finished, newest first.
	History(ctx context.Context, limit int) (httpserver.HistoryView, error)
}

// HealthTransport reports serving status of a worker service. An empty
// service asks about the process as a whole.
type HealthTransport interface {
	Check(ctx context.Context, service string) (*healthpb.HealthCheckResponse, error)
}

// ErrConflict is returned when the worker reports a removal lost to a
// concurrent update.
var ErrConflict = errors.New("conflict")

// APIError is a non-2xx reply from the worker.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}
