package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultTimeout is the longest a non-empty buffer is held before it is
	// flushed.
	DefaultTimeout = time.Second

	// DefaultMaxEvents is the buffer size that forces a flush and the upper
	// bound on the length of a single fire call.
	DefaultMaxEvents = 256

	minMonitorInterval = time.Millisecond
)

// FireFunc receives a batch of buffered events. The slice is owned by the
// callee and is never longer than the configured MaxEvents.
type FireFunc func(events []ChangeEvent)

// BufferConfig configures a BufferedPathWatcher.
type BufferConfig struct {
	// Timeout is the maximum age of the oldest pending event before a flush.
	// Zero uses DefaultTimeout.
	Timeout time.Duration
	// MaxEvents forces a flush once exceeded and caps each fire call. Zero
	// uses DefaultMaxEvents.
	MaxEvents int
	// Watch configures the underlying PathWatcher.
	Watch Config
}

// BufferedPathWatcher accumulates the events of one PathWatcher and hands
// them to a FireFunc in batches. A flush happens when the buffer holds more
// than MaxEvents entries or when its oldest entry is older than Timeout.
// Events still buffered when the watcher stops are discarded.
type BufferedPathWatcher struct {
	watcher   *PathWatcher
	fire      FireFunc
	timeout   time.Duration
	maxEvents int
	logger    *slog.Logger

	mu           sync.Mutex
	buf          []ChangeEvent
	pendingSince time.Time
	lastFlush    time.Time
	started      bool
	cancel       context.CancelFunc

	// flushMu serialises flushes so batches from one watcher never
	// interleave.
	flushMu sync.Mutex
	kick    chan struct{}

	monitorDone chan struct{}
	stopOnce    sync.Once
	stopErr     error
}

// NewBufferedPathWatcher returns a buffered watcher for path that delivers
// batches to fire.
func NewBufferedPathWatcher(path string, cfg BufferConfig, fire FireFunc, logger *slog.Logger) *BufferedPathWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	b := &BufferedPathWatcher{
		fire:        fire,
		timeout:     cfg.Timeout,
		maxEvents:   cfg.MaxEvents,
		logger:      logger.With(slog.String("root", path)),
		kick:        make(chan struct{}, 1),
		monitorDone: make(chan struct{}),
	}
	b.watcher = NewPathWatcher(path, cfg.Watch, HookFunc(b.append), logger)
	return b
}

// Path returns the watched directory.
func (b *BufferedPathWatcher) Path() string { return b.watcher.Path() }

// State returns the lifecycle state of the underlying PathWatcher.
func (b *BufferedPathWatcher) State() State { return b.watcher.State() }

// Alive reports whether the underlying PathWatcher is running.
func (b *BufferedPathWatcher) Alive() bool { return b.watcher.Alive() }

// Err returns the error that terminated the underlying PathWatcher.
func (b *BufferedPathWatcher) Err() error { return b.watcher.Err() }

// Len returns the number of events waiting to be flushed.
func (b *BufferedPathWatcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// LastFlush returns when the last flush completed, or when the watcher was
// started if it has not flushed yet.
func (b *BufferedPathWatcher) LastFlush() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFlush
}

// Start launches the underlying PathWatcher and the flush monitor.
func (b *BufferedPathWatcher) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrAlreadyStarted
	}
	if err := b.watcher.Start(); err != nil {
		return err
	}
	b.started = true
	b.lastFlush = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.monitor(ctx)
	return nil
}

// Stop stops the underlying PathWatcher and the flush monitor. Pending
// events are dropped. Stop is idempotent.
func (b *BufferedPathWatcher) Stop() error {
	b.stopOnce.Do(func() {
		b.stopErr = b.stop()
	})
	return b.stopErr
}

// Close is an alias for Stop.
func (b *BufferedPathWatcher) Close() error { return b.Stop() }

func (b *BufferedPathWatcher) stop() error {
	werr := b.watcher.Stop()

	b.mu.Lock()
	cancel := b.cancel
	b.started = true
	b.mu.Unlock()
	if cancel == nil {
		return werr
	}
	cancel()

	timeout := b.watcher.cfg.StopTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.monitorDone:
		return werr
	case <-timer.C:
		b.logger.Warn("watcher: flush monitor did not exit in time", slog.Duration("timeout", timeout))
		return errors.Join(werr, fmt.Errorf("%w: flush monitor for %s", ErrStopTimeout, b.Path()))
	}
}

// append is the PathWatcher hook: every event lands in the buffer.
func (b *BufferedPathWatcher) append(ev ChangeEvent) {
	b.mu.Lock()
	if len(b.buf) == 0 {
		b.pendingSince = time.Now()
	}
	b.buf = append(b.buf, ev)
	over := len(b.buf) > b.maxEvents
	b.mu.Unlock()

	if over {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

func (b *BufferedPathWatcher) monitorInterval() time.Duration {
	return max(b.timeout/10, minMonitorInterval)
}

func (b *BufferedPathWatcher) monitor(ctx context.Context) {
	defer close(b.monitorDone)

	ticker := time.NewTicker(b.monitorInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-b.kick:
		}
		b.flush(false)
	}
}

// Flush hands every buffered event to the fire callback now, regardless of
// age or size. It returns the number of events flushed.
func (b *BufferedPathWatcher) Flush() int {
	return b.flush(true)
}

// flush evaluates the flush condition under the buffer lock and, when it
// holds, swaps the buffer out and fires it in chunks of at most MaxEvents.
func (b *BufferedPathWatcher) flush(force bool) int {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	now := time.Now()
	b.mu.Lock()
	n := len(b.buf)
	due := n > b.maxEvents || (n > 0 && now.Sub(b.pendingSince) >= b.timeout)
	if n == 0 || (!force && !due) {
		b.mu.Unlock()
		return 0
	}
	events := b.buf
	b.buf = nil
	b.pendingSince = time.Time{}
	b.mu.Unlock()

	for start := 0; start < len(events); start += b.maxEvents {
		end := min(start+b.maxEvents, len(events))
		b.safeFire(events[start:end:end])
	}

	b.mu.Lock()
	b.lastFlush = time.Now()
	b.mu.Unlock()
	return len(events)
}

func (b *BufferedPathWatcher) safeFire(events []ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("watcher: fire callback panicked",
				slog.Int("events", len(events)),
				slog.Any("panic", r),
			)
		}
	}()
	if b.fire != nil {
		b.fire(events)
	}
}
