// Package agent contains the dirwatch orchestrator. It owns the debounced
// watcher registry built from configuration, turns every released burst of
// changes into a Batch, and hands that batch to the local queue and to every
// configured sink.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/dirwatch/internal/config"
	"github.com/tripwire/dirwatch/internal/registry"
	"github.com/tripwire/dirwatch/internal/watcher"
)

// ErrNotRunning is returned by path operations while the agent is stopped.
var ErrNotRunning = errors.New("agent: not running")

// Batch is the unit delivered downstream: every change observed during one
// quiet period, across all watched roots.
type Batch struct {
	// ID uniquely identifies the batch.
	ID uuid.UUID `json:"id"`
	// FiredAt is when the quiet period elapsed.
	FiredAt time.Time `json:"fired_at"`
	// Events are the changes in accumulation order.
	Events []watcher.ChangeEvent `json:"events"`
}

// Sink receives released batches. Implementations must be safe for
// concurrent use.
type Sink interface {
	Deliver(ctx context.Context, b Batch) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, b Batch) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, b Batch) error { return f(ctx, b) }

// Queue is the interface for the local SQLite-backed batch queue.
type Queue interface {
	// Enqueue persists a batch for at-least-once delivery.
	Enqueue(ctx context.Context, b Batch) error
	// Depth returns the number of pending (unacknowledged) batches.
	Depth() int
	// Close releases resources held by the queue.
	Close() error
}

// Agent is the central orchestrator of dirwatch. It starts and supervises
// the watcher registry and delivers its output.
type Agent struct {
	cfg      *config.Config
	logger   *slog.Logger
	queue    Queue
	sinks    []Sink
	notifier watcher.Notifier

	startTime time.Time
	cancel    context.CancelFunc
	batches   chan Batch
	stop      chan struct{}

	mu          sync.RWMutex
	registry    *registry.DebouncedRegistry
	running     bool
	lastBatchAt time.Time
	delivered   uint64
	wg          sync.WaitGroup
}

// New creates a new Agent from the provided configuration and logger.
// The queue and sinks are optional; an agent without them only logs the
// batches it releases, which is useful in tests.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithQueue registers the local batch queue.
func WithQueue(q Queue) Option {
	return func(a *Agent) { a.queue = q }
}

// WithSinks registers one or more downstream sinks.
func WithSinks(s ...Sink) Option {
	return func(a *Agent) { a.sinks = append(a.sinks, s...) }
}

// WithNotifier overrides the notification backend selected by the config.
func WithNotifier(n watcher.Notifier) Option {
	return func(a *Agent) { a.notifier = n }
}

// Start builds the registry, begins watching every configured root and
// starts the delivery goroutine. Roots that cannot be added are reported in
// the returned error after the agent has been stopped again.
//
// The agent runs until Stop. Cancelling ctx does not stop delivery; sinks
// receive a context carrying ctx's values that is cancelled by Stop.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent: already running")
	}
	a.running = true
	a.startTime = time.Now()

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.batches = make(chan Batch, 16)
	a.stop = make(chan struct{})
	a.registry = registry.NewDebounced(a.debounceConfig(), a.release, a.logger)
	a.wg.Add(1)
	go a.processBatches(ctx)
	a.mu.Unlock()

	a.logger.Info("starting dirwatch agent",
		slog.Int("roots", len(a.cfg.Roots)),
		slog.String("backend", a.cfg.Backend),
		slog.Bool("recursive", a.cfg.Recursive),
		slog.Duration("timeout", a.cfg.Timeout),
		slog.Int("max_events", a.cfg.MaxEvents),
		slog.Duration("damper", a.cfg.Damper),
	)

	if err := a.registry.AddAll(a.cfg.Roots...); err != nil {
		a.Stop()
		return fmt.Errorf("agent: watch roots: %w", err)
	}

	a.logger.Info("dirwatch agent started")
	return nil
}

func (a *Agent) debounceConfig() registry.DebounceConfig {
	n := a.notifier
	if n == nil {
		switch a.cfg.Backend {
		case config.BackendPoll:
			n = watcher.PollNotifier{Interval: a.cfg.PollInterval, Recursive: a.cfg.Recursive}
		default:
			n = watcher.FSNotifier{Recursive: a.cfg.Recursive}
		}
	}
	return registry.DebounceConfig{
		Buffer: watcher.BufferConfig{
			Timeout:   a.cfg.Timeout,
			MaxEvents: a.cfg.MaxEvents,
			Watch: watcher.Config{
				Notifier:      n,
				RetryInterval: a.cfg.RetryInterval,
				ErrorSleep:    a.cfg.ErrorSleep,
				StopTimeout:   a.cfg.StopTimeout,
			},
		},
		Damper:       a.cfg.Damper,
		IdleInterval: a.cfg.IdleInterval,
	}
}

// Stop closes the registry, waits for pending deliveries and releases the
// queue. It is safe to call Stop multiple times.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	reg := a.registry
	a.mu.Unlock()

	// The delivery goroutine keeps draining until the damper has exited, so
	// release never blocks Close.
	if err := reg.Close(); err != nil {
		a.logger.Warn("error closing watcher registry", slog.Any("error", err))
	}
	close(a.stop)
	a.wg.Wait()
	a.cancel()

	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("error closing batch queue", slog.Any("error", err))
		}
	}

	a.logger.Info("dirwatch agent stopped")
}

// AddPath starts watching path, replacing any existing watcher for it.
func (a *Agent) AddPath(path string) error {
	reg, err := a.activeRegistry()
	if err != nil {
		return err
	}
	return reg.Add(path)
}

// RemovePath stops watching path.
func (a *Agent) RemovePath(path string) error {
	reg, err := a.activeRegistry()
	if err != nil {
		return err
	}
	return reg.Remove(path)
}

// Paths returns the canonical roots currently watched.
func (a *Agent) Paths() []string {
	reg, err := a.activeRegistry()
	if err != nil {
		return nil
	}
	return reg.PathsWatching()
}

func (a *Agent) activeRegistry() (*registry.DebouncedRegistry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.running {
		return nil, ErrNotRunning
	}
	return a.registry, nil
}

// release is the registry's uber fire callback. It runs on the damper
// goroutine and hands the batch to processBatches.
func (a *Agent) release(events []watcher.ChangeEvent) {
	b := Batch{
		ID:      uuid.New(),
		FiredAt: time.Now(),
		Events:  events,
	}
	a.batches <- b
}

// processBatches delivers released batches until Stop closes a.stop.
// Batches still buffered at that point are delivered before it returns.
func (a *Agent) processBatches(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case b := <-a.batches:
			a.handleBatch(ctx, b)
		case <-a.stop:
			for {
				select {
				case b := <-a.batches:
					a.handleBatch(ctx, b)
				default:
					return
				}
			}
		}
	}
}

// handleBatch records the batch in the local queue and forwards it to every
// sink. Errors are logged but do not stop the agent.
func (a *Agent) handleBatch(ctx context.Context, b Batch) {
	a.mu.Lock()
	a.lastBatchAt = b.FiredAt
	a.delivered++
	a.mu.Unlock()

	a.logger.Info("batch released",
		slog.String("batch_id", b.ID.String()),
		slog.Int("events", len(b.Events)),
	)

	if a.queue != nil {
		if err := a.queue.Enqueue(ctx, b); err != nil {
			a.logger.Warn("failed to enqueue batch", slog.String("batch_id", b.ID.String()), slog.Any("error", err))
		}
	}

	for i, s := range a.sinks {
		if err := s.Deliver(ctx, b); err != nil {
			a.logger.Warn("sink failed to deliver batch",
				slog.Int("sink", i),
				slog.String("batch_id", b.ID.String()),
				slog.Any("error", err),
			)
		}
	}
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status         string  `json:"status"`
	UptimeS        float64 `json:"uptime_s"`
	Watching       int     `json:"watching"`
	BufferedEvents int     `json:"buffered_events"`
	PendingEvents  int     `json:"pending_events"`
	Batches        uint64  `json:"batches"`
	QueueDepth     int     `json:"queue_depth"`
	LastBatchAt    string  `json:"last_batch_at,omitempty"`
}

// Health returns a snapshot of the current agent health state.
func (a *Agent) Health() HealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h := HealthStatus{
		Status:  "stopped",
		Batches: a.delivered,
	}
	if a.running {
		h.Status = "ok"
		h.UptimeS = time.Since(a.startTime).Seconds()
		s := a.registry.Stats()
		h.Watching = s.Watching
		h.BufferedEvents = s.Buffered
		h.PendingEvents = s.Pending
	}

	if a.queue != nil {
		h.QueueDepth = a.queue.Depth()
	}

	if !a.lastBatchAt.IsZero() {
		h.LastBatchAt = a.lastBatchAt.UTC().Format(time.RFC3339)
	}

	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the agent's health
// status as a JSON object and HTTP 200.
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := a.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		a.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
