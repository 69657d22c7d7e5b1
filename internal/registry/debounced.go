package registry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/dirwatch/internal/watcher"
)

const (
	// DefaultDamper is the quiet period used when DebounceConfig.Damper is
	// zero.
	DefaultDamper = 500 * time.Millisecond

	// DefaultIdleInterval is how long the damper waits between checks when
	// nothing is happening.
	DefaultIdleInterval = time.Hour
)

// UberFireFunc receives everything accumulated during one quiet period.
type UberFireFunc func(events []watcher.ChangeEvent)

// DebounceConfig configures a DebouncedRegistry.
type DebounceConfig struct {
	// Buffer configures every child BufferedPathWatcher.
	Buffer watcher.BufferConfig
	// Damper is the quiet period that must pass after the last child flush
	// before UberFireFunc is called.
	Damper time.Duration
	// IdleInterval bounds the damper's wait while there is no activity.
	IdleInterval time.Duration
}

// DamperStats is a point-in-time view of the damper stage.
type DamperStats struct {
	Watching int    `json:"watching"`
	Buffered int    `json:"buffered"`
	Pending  int    `json:"pending"`
	Firings  uint64 `json:"firings"`
}

// DebouncedRegistry collapses bursts of child flushes across every watched
// path into a single UberFireFunc call once the tree has been quiet for the
// damper period. UberFireFunc is never called concurrently with itself.
type DebouncedRegistry struct {
	*BufferedRegistry

	damper   time.Duration
	idle     time.Duration
	uberFire UberFireFunc
	logger   *slog.Logger

	mu      sync.Mutex
	pending []watcher.ChangeEvent
	firings atomic.Uint64

	kick      chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewDebounced returns a registry and starts its damper goroutine. Close
// must be called to release it.
func NewDebounced(cfg DebounceConfig, uberFire UberFireFunc, logger *slog.Logger) *DebouncedRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Damper <= 0 {
		cfg.Damper = DefaultDamper
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &DebouncedRegistry{
		damper:   cfg.Damper,
		idle:     cfg.IdleInterval,
		uberFire: uberFire,
		logger:   logger,
		kick:     make(chan struct{}, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	d.BufferedRegistry = NewBuffered(cfg.Buffer, d.fire, logger)
	go d.run(ctx)
	return d
}

// Stats returns the current damper counters.
func (d *DebouncedRegistry) Stats() DamperStats {
	d.mu.Lock()
	pending := len(d.pending)
	d.mu.Unlock()
	return DamperStats{
		Watching: d.Len(),
		Buffered: d.Pending(),
		Pending:  pending,
		Firings:  d.firings.Load(),
	}
}

// Close stops every child watcher and then the damper goroutine. Events
// still waiting for the quiet period are discarded.
func (d *DebouncedRegistry) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.BufferedRegistry.Close()
		d.cancel()
		<-d.done
	})
	return d.closeErr
}

// fire is the composite callback of the child watchers: it accumulates the
// batch and restarts the quiet period.
func (d *DebouncedRegistry) fire(events []watcher.ChangeEvent) {
	if len(events) == 0 {
		return
	}
	d.mu.Lock()
	d.pending = append(d.pending, events...)
	d.mu.Unlock()

	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *DebouncedRegistry) run(ctx context.Context) {
	defer close(d.done)

	idle := time.NewTimer(d.idle)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			idle.Reset(d.idle)
			continue
		case <-d.kick:
		}

		if !d.waitQuiet(ctx) {
			return
		}
		d.release()
		idle.Reset(d.idle)
	}
}

// waitQuiet returns once a full damper period passes without a kick. It
// returns false if ctx is cancelled first.
func (d *DebouncedRegistry) waitQuiet(ctx context.Context) bool {
	t := time.NewTimer(d.damper)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-d.kick:
			t.Reset(d.damper)
		case <-t.C:
			return true
		}
	}
}

// release hands the accumulated events to the consumer and clears the
// buffer.
func (d *DebouncedRegistry) release() {
	d.mu.Lock()
	events := d.pending
	d.pending = nil
	d.mu.Unlock()
	if len(events) == 0 {
		return
	}

	d.firings.Add(1)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("registry: uber fire callback panicked",
				slog.Int("events", len(events)),
				slog.Any("panic", r),
			)
		}
	}()
	d.logger.Debug("registry: quiet period elapsed", slog.Int("events", len(events)))
	if d.uberFire != nil {
		d.uberFire(events)
	}
}
