// Package storage provides the PostgreSQL-backed event store for dirwatch.
// Every released batch is flattened into one row per change event in the
// dirwatch_events table, written through a batched insert path on a pgxpool
// connection pool.
package storage

import (
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/dirwatch/internal/watcher"
)

// EventRecord maps to one row of the `dirwatch_events` table.
//
// Seq is the position of the event inside its batch; (BatchID, Seq) is
// unique, which makes replaying a batch idempotent.
type EventRecord struct {
	BatchID    uuid.UUID         `json:"batch_id"`
	Seq        int               `json:"seq"`
	Kind       watcher.EventKind `json:"kind"`
	Name       string            `json:"name"`
	Path       string            `json:"path"`
	IsDir      bool              `json:"is_dir"`
	ObservedAt time.Time         `json:"observed_at"`
	FiredAt    time.Time         `json:"fired_at"`
}

// EventQuery carries the filter and pagination parameters for QueryEvents.
//
// From and To bracket the fired_at column and are mandatory. Limit defaults
// to 100 when ≤ 0. An empty PathPrefix matches every path; a zero Kind
// matches every kind.
type EventQuery struct {
	PathPrefix string
	Kind       watcher.EventKind
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}
