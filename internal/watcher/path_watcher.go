package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultRetryInterval is how long a watcher waits before re-registering
	// a path that does not exist yet.
	DefaultRetryInterval = time.Second

	// DefaultStopTimeout bounds how long Stop waits for the background
	// goroutine to exit.
	DefaultStopTimeout = 5 * time.Second
)

// Config controls how a PathWatcher registers, retries and stops.
type Config struct {
	// Notifier opens the change subscription. Nil uses a non-recursive
	// FSNotifier.
	Notifier Notifier

	// RetryInterval is the wait between registration attempts while the
	// path does not exist. Zero uses DefaultRetryInterval.
	RetryInterval time.Duration

	// ErrorSleep is the wait before re-registering after an unexpected
	// error. Zero means unset: unexpected errors end the watcher.
	ErrorSleep time.Duration

	// StopTimeout bounds Stop. Zero uses DefaultStopTimeout.
	StopTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Notifier == nil {
		c.Notifier = FSNotifier{}
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	return c
}

// PathWatcher observes one directory from a dedicated goroutine and reports
// every change to its Hooks. It keeps retrying while the directory is
// missing and re-registers when the directory is replaced. It is safe for
// concurrent use.
type PathWatcher struct {
	path   string
	cfg    Config
	hooks  Hooks
	logger *slog.Logger

	state atomic.Int32

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	sub     Subscription
	err     error

	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// NewPathWatcher returns a watcher for path. Nothing is registered until
// Start is called. A nil hooks value logs every change; a nil logger uses
// slog.Default().
func NewPathWatcher(path string, cfg Config, hooks Hooks, logger *slog.Logger) *PathWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("root", path))
	if hooks == nil {
		hooks = LogHooks{Logger: logger}
	}
	return &PathWatcher{
		path:   path,
		cfg:    cfg.withDefaults(),
		hooks:  hooks,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Path returns the directory this watcher observes.
func (w *PathWatcher) Path() string { return w.path }

// State returns the current lifecycle state.
func (w *PathWatcher) State() State { return State(w.state.Load()) }

// Alive reports whether the background goroutine is running.
func (w *PathWatcher) Alive() bool {
	s := w.State()
	return s != StateIdle && s != StateStopped
}

// Done returns a channel that is closed once the watcher has stopped,
// either on request or after a fatal error.
func (w *PathWatcher) Done() <-chan struct{} { return w.done }

// Err returns the error that terminated the watcher, or nil when it is
// still running or was stopped on request.
func (w *PathWatcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Start launches the background goroutine and returns immediately.
func (w *PathWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}
	w.started = true

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.setState(StateRegistering)
	go w.run(ctx)
	return nil
}

// Stop asks the watcher to exit and waits up to the configured stop timeout.
// If the goroutine is still blocked afterwards its subscription is closed
// forcibly and ErrStopTimeout is returned. Stop is idempotent and may be
// called before Start.
func (w *PathWatcher) Stop() error {
	w.stopOnce.Do(func() {
		w.stopErr = w.stop()
	})
	return w.stopErr
}

// Close is an alias for Stop.
func (w *PathWatcher) Close() error { return w.Stop() }

func (w *PathWatcher) stop() error {
	w.mu.Lock()
	if !w.started {
		w.started = true
		w.mu.Unlock()
		w.setState(StateStopped)
		close(w.done)
		return nil
	}
	cancel := w.cancel
	w.mu.Unlock()

	w.setState(StateStopping)
	cancel()

	timer := time.NewTimer(w.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return nil
	case <-timer.C:
	}

	w.mu.Lock()
	sub := w.sub
	w.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
	w.logger.Warn("watcher: stop timed out; subscription force-closed",
		slog.Duration("timeout", w.cfg.StopTimeout),
	)
	return fmt.Errorf("%w after %s: %s", ErrStopTimeout, w.cfg.StopTimeout, w.path)
}

// setState moves to s unless the watcher is already stopping or stopped;
// only the final transition to stopped is allowed from stopping.
func (w *PathWatcher) setState(s State) {
	for {
		cur := State(w.state.Load())
		if cur == StateStopped || (cur == StateStopping && s != StateStopped) {
			return
		}
		if w.state.CompareAndSwap(int32(cur), int32(s)) {
			return
		}
	}
}

func (w *PathWatcher) run(ctx context.Context) {
	defer close(w.done)
	defer w.setState(StateStopped)

	missingLogged := false
	for ctx.Err() == nil {
		w.setState(StateRegistering)
		sub, err := w.cfg.Notifier.Subscribe(w.path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				if !missingLogged {
					w.logger.Info("watcher: path does not exist yet; retrying",
						slog.Duration("retry_interval", w.cfg.RetryInterval),
					)
					missingLogged = true
				}
				w.setState(StateRetrying)
				if !sleepCtx(ctx, w.cfg.RetryInterval) {
					return
				}
				continue
			}
			if !w.retryAfter(ctx, err) {
				return
			}
			continue
		}
		if missingLogged {
			w.logger.Info("watcher: path appeared")
			missingLogged = false
		}

		err = w.watch(ctx, sub)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrWatchInvalidated):
			w.logger.Info("watcher: directory went away; re-registering")
		case errors.Is(err, ErrSubscriptionClosed):
			w.fail(fmt.Errorf("watcher: %s: interrupted while not stopping: %w", w.path, err))
			return
		default:
			if !w.retryAfter(ctx, err) {
				return
			}
		}
	}
}

// watch blocks on sub until it fails or ctx is cancelled, delivering every
// change to the hooks in the order reported.
func (w *PathWatcher) watch(ctx context.Context, sub Subscription) error {
	w.mu.Lock()
	w.sub = sub
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.sub = nil
		w.mu.Unlock()
		_ = sub.Close()
	}()

	w.setState(StateWatching)
	w.logger.Debug("watcher: watching")

	for {
		changes, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		now := time.Now()
		for _, c := range changes {
			w.deliver(ChangeEvent{
				Kind:       c.Kind,
				Name:       filepath.Base(c.Path),
				Path:       c.Path,
				IsDir:      c.IsDir,
				ObservedAt: now,
			})
		}
	}
}

func (w *PathWatcher) deliver(ev ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watcher: hook panicked",
				slog.String("path", ev.Path),
				slog.Any("panic", r),
			)
		}
	}()
	dispatch(w.hooks, ev)
}

// retryAfter sleeps ErrorSleep after an unexpected error. It returns false
// when the watcher must exit, either because ErrorSleep is unset or because
// ctx was cancelled during the sleep.
func (w *PathWatcher) retryAfter(ctx context.Context, err error) bool {
	if w.cfg.ErrorSleep <= 0 {
		w.fail(fmt.Errorf("watcher: %s: %w", w.path, err))
		return false
	}
	w.logger.Warn("watcher: unexpected error; retrying",
		slog.Any("error", err),
		slog.Duration("sleep", w.cfg.ErrorSleep),
	)
	w.setState(StateRetrying)
	return sleepCtx(ctx, w.cfg.ErrorSleep)
}

func (w *PathWatcher) fail(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.logger.Error("watcher: stopped on error", slog.Any("error", err))
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
