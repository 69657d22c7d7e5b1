package rest

import (
	"context"

	"github.com/tripwire/dirwatch/internal/agent"
	"github.com/tripwire/dirwatch/internal/queue"
	"github.com/tripwire/dirwatch/internal/storage"
)

// Watcher is the subset of agent.Agent used by the REST handlers. Defining an
// interface allows handlers to be tested without real filesystem watches.
type Watcher interface {
	// Health returns the current agent health snapshot.
	Health() agent.HealthStatus
	// Paths returns the canonical roots currently watched.
	Paths() []string
	// AddPath starts watching path.
	AddPath(path string) error
	// RemovePath stops watching path.
	RemovePath(path string) error
}

// BatchQueue is the subset of queue.SQLiteQueue used by the batch endpoints.
type BatchQueue interface {
	Dequeue(ctx context.Context, n int) ([]queue.PendingBatch, error)
	Ack(ctx context.Context, ids []int64) error
}

// EventStore is the subset of storage.Store used by the events endpoint.
type EventStore interface {
	QueryEvents(ctx context.Context, q storage.EventQuery) ([]storage.EventRecord, error)
}
