package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tripwire/dirwatch/internal/agent"
	"github.com/tripwire/dirwatch/internal/watcher"
)

const (
	// DefaultBatchSize is the maximum number of event rows held in-memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending rows even when the buffer has not yet reached DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond

	// maxBufferedBatches bounds how many batchSize-worths of rows are kept
	// for retry while the database is unreachable.
	maxBufferedBatches = 100
)

const schema = `
CREATE TABLE IF NOT EXISTS dirwatch_events (
    batch_id    UUID        NOT NULL,
    seq         INTEGER     NOT NULL,
    kind        TEXT        NOT NULL,
    name        TEXT        NOT NULL,
    path        TEXT        NOT NULL,
    is_dir      BOOLEAN     NOT NULL DEFAULT FALSE,
    observed_at TIMESTAMPTZ NOT NULL,
    fired_at    TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (batch_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_dirwatch_events_fired_at
    ON dirwatch_events (fired_at DESC);
CREATE INDEX IF NOT EXISTS idx_dirwatch_events_path
    ON dirwatch_events (path text_pattern_ops);
`

// Store is the PostgreSQL-backed event store.
//
// Ingestion is batched: Deliver and InsertEvents append rows to an in-memory
// buffer which is flushed to the database either when it reaches batchSize
// or when the background ticker fires, whichever comes first. Rows from a
// failed flush are put back at the head of the buffer and retried.
type Store struct {
	pool          *pgxpool.Pool
	logger        *slog.Logger
	mu            sync.Mutex
	rows          []EventRecord
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize ≤ 0 is replaced with DefaultBatchSize.
// flushInterval ≤ 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("storage: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		logger:        logger,
		rows:          make([]EventRecord, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// EnsureSchema creates the dirwatch_events table and its indexes if they do
// not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("storage: ensure schema: %w", err)
	}
	return nil
}

// Close stops the background flush goroutine, flushes any remaining buffered
// rows, and closes the connection pool. It is safe to call Close more than
// once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
		return
	default:
		close(s.stopCh)
		<-s.doneCh
		if err := s.Flush(ctx); err != nil {
			s.logger.Error("storage: final flush failed, buffered events lost",
				slog.Int("rows", s.Pending()),
				slog.Any("error", err),
			)
		}
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Warn("storage: interval flush failed, will retry",
					slog.Int("rows", s.Pending()),
					slog.Any("error", err),
				)
			}
		}
	}
}

// Deliver implements agent.Sink by buffering one row per event of b.
func (s *Store) Deliver(ctx context.Context, b agent.Batch) error {
	return s.InsertEvents(ctx, Records(b)...)
}

// InsertEvents enqueues rows for deferred batch insertion.
//
// If the internal buffer reaches batchSize after appending, Flush is called
// synchronously before returning so that the caller observes back-pressure
// rather than unbounded memory growth.
func (s *Store) InsertEvents(ctx context.Context, rows ...EventRecord) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	s.rows = append(s.rows, rows...)
	full := len(s.rows) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Pending returns the number of rows waiting to be flushed.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// Flush drains the current buffer and sends all rows to PostgreSQL in a
// single pgx.Batch round-trip. Rows that conflict on (batch_id, seq) are
// silently ignored so replayed batches are idempotent.
//
// Flush is safe to call concurrently: a mutex swap ensures each call drains a
// distinct snapshot of the buffer. On failure the snapshot is put back in
// front of rows buffered meanwhile.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.rows) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.rows
	s.rows = make([]EventRecord, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO dirwatch_events
			(batch_id, seq, kind, name, path, is_dir, observed_at, fired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		r := &toInsert[i]
		b.Queue(query,
			r.BatchID, r.Seq, r.Kind.String(),
			r.Name, r.Path, r.IsDir,
			r.ObservedAt, r.FiredAt,
		)
	}

	if err := s.send(ctx, b, len(toInsert)); err != nil {
		s.requeue(toInsert)
		return err
	}
	return nil
}

func (s *Store) send(ctx context.Context, b *pgx.Batch, n int) error {
	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range n {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("storage: batch exec event: %w", err)
		}
	}
	return nil
}

// requeue puts failed rows back at the head of the buffer, dropping the
// oldest rows once the buffer exceeds its retry bound.
func (s *Store) requeue(failed []EventRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := append(failed, s.rows...)
	if limit := s.batchSize * maxBufferedBatches; len(rows) > limit {
		dropped := len(rows) - limit
		rows = rows[dropped:]
		s.logger.Error("storage: retry buffer full, dropping oldest events",
			slog.Int("dropped", dropped),
			slog.Int("kept", len(rows)),
		)
	}
	s.rows = rows
}

// QueryEvents returns paginated events whose batch fired within
// [q.From, q.To), newest batch first and in accumulation order within a
// batch.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]EventRecord, error) {
	where, args := q.filter()
	sql := fmt.Sprintf(`
		SELECT batch_id, seq, kind, name, path, is_dir, observed_at, fired_at
		FROM   dirwatch_events
		%s
		ORDER  BY fired_at DESC, batch_id, seq
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query events: %w", err)
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var (
			r    EventRecord
			kind string
		)
		err := rows.Scan(
			&r.BatchID, &r.Seq, &kind,
			&r.Name, &r.Path, &r.IsDir,
			&r.ObservedAt, &r.FiredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		if err := r.Kind.UnmarshalText([]byte(kind)); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, r)
	}
	return events, rows.Err()
}

// filter builds the WHERE clause and positional arguments for q. The first
// four arguments are always from, to, limit and offset.
func (q EventQuery) filter() (string, []any) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE fired_at >= $1 AND fired_at < $2"
	argIdx := 5

	if q.PathPrefix != "" {
		where += fmt.Sprintf(" AND path LIKE $%d", argIdx)
		args = append(args, likePrefix(q.PathPrefix))
		argIdx++
	}
	if q.Kind != 0 {
		where += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, q.Kind.String())
	}
	return where, args
}

// likePrefix escapes LIKE metacharacters in p and appends the wildcard.
func likePrefix(p string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(p) + "%"
}

// Records flattens b into one EventRecord per event, preserving order.
func Records(b agent.Batch) []EventRecord {
	out := make([]EventRecord, len(b.Events))
	for i, ev := range b.Events {
		out[i] = recordOf(b, i, ev)
	}
	return out
}

func recordOf(b agent.Batch, seq int, ev watcher.ChangeEvent) EventRecord {
	return EventRecord{
		BatchID:    b.ID,
		Seq:        seq,
		Kind:       ev.Kind,
		Name:       ev.Name,
		Path:       ev.Path,
		IsDir:      ev.IsDir,
		ObservedAt: ev.ObservedAt,
		FiredAt:    b.FiredAt,
	}
}
