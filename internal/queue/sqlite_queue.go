// Package queue provides a WAL-mode SQLite-backed batch queue for dirwatch.
// It implements the agent.Queue interface and adds Dequeue and Ack
// operations to support at-least-once delivery semantics: batches are
// persisted on Enqueue and are not removed until the consumer calls Ack.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that the agent's
// delivery goroutine can Enqueue while API consumers call Dequeue and Ack.
//
// # At-least-once delivery
//
// The delivered column is set to 1 only when Ack is called. If the process
// crashes between Enqueue and Ack, the batch is returned again by the next
// Dequeue call after restart.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/tripwire/dirwatch/internal/agent"
)

// SQLiteQueue is a WAL-mode SQLite-backed implementation of agent.Queue.
// It is safe for concurrent use.
type SQLiteQueue struct {
	db    *sql.DB
	depth atomic.Int64
}

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
//
// New seeds the internal depth counter from the number of rows currently
// marked as pending (delivered = 0), so Depth() is accurate immediately
// after a restart.
func New(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single connection keeps
	// concurrent Enqueue calls from failing with "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}

	// NORMAL synchronous: durable across application crashes; not OS crashes.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	q := &SQLiteQueue{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM batch_queue WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS batch_queue (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    batch_id    TEXT    NOT NULL UNIQUE,
    fired_at    TEXT    NOT NULL,
    event_count INTEGER NOT NULL,
    events      TEXT    NOT NULL DEFAULT '[]',
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_batch_queue_pending
    ON batch_queue (delivered, id);
`

// Enqueue persists b. It implements agent.Queue. The batch is stored with
// delivered = 0 and is included in subsequent Dequeue results until Ack is
// called for its ID. Enqueueing the same batch ID twice is a no-op.
func (q *SQLiteQueue) Enqueue(ctx context.Context, b agent.Batch) error {
	events, err := json.Marshal(b.Events)
	if err != nil {
		return fmt.Errorf("queue: marshal events: %w", err)
	}

	result, err := q.db.ExecContext(ctx,
		`INSERT INTO batch_queue (batch_id, fired_at, event_count, events)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (batch_id) DO NOTHING`,
		b.ID.String(),
		b.FiredAt.UTC().Format(time.RFC3339Nano),
		len(b.Events),
		string(events),
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(n)
	return nil
}

// PendingBatch is an unacknowledged batch returned by Dequeue.
// ID is the database primary key used to acknowledge the batch via Ack.
type PendingBatch struct {
	ID    int64       `json:"id"`
	Batch agent.Batch `json:"batch"`
}

// Dequeue returns up to n unacknowledged batches in insertion order (oldest
// first). It does not mark them as delivered; call Ack with the returned
// IDs to do that. If n ≤ 0, Dequeue returns nil without querying the database.
func (q *SQLiteQueue) Dequeue(ctx context.Context, n int) ([]PendingBatch, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, batch_id, fired_at, events
		 FROM   batch_queue
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var batches []PendingBatch
	for rows.Next() {
		var (
			pb        PendingBatch
			idStr     string
			firedStr  string
			eventsStr string
		)
		if err := rows.Scan(&pb.ID, &idStr, &firedStr, &eventsStr); err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}

		pb.Batch.ID, err = uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("queue: row %d: parse batch id: %w", pb.ID, err)
		}
		pb.Batch.FiredAt, err = time.Parse(time.RFC3339Nano, firedStr)
		if err != nil {
			pb.Batch.FiredAt, _ = time.Parse(time.RFC3339, firedStr)
		}

		// A malformed events value produces an empty batch rather than an
		// error so that one bad row does not block the queue.
		if err := json.Unmarshal([]byte(eventsStr), &pb.Batch.Events); err != nil {
			pb.Batch.Events = nil
		}

		batches = append(batches, pb)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue rows: %w", err)
	}
	return batches, nil
}

// Ack marks the batches identified by ids as delivered. Acknowledged batches
// are excluded from subsequent Dequeue results. Ack is idempotent.
func (q *SQLiteQueue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE batch_queue SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) batches. It reads
// from an atomic counter that is updated by Enqueue and Ack, so it never
// blocks. It implements agent.Queue.
func (q *SQLiteQueue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection. It implements
// agent.Queue.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

