// Package registry manages the dynamic set of watched directories. Registry
// maps canonical paths to running watchers; BufferedRegistry routes every
// child flush into one composite callback; DebouncedRegistry adds a quiet
// period damper in front of the final consumer.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// closeConcurrency bounds how many watchers Close stops at once.
const closeConcurrency = 16

var (
	// ErrClosed is returned by Add after Close.
	ErrClosed = errors.New("registry: closed")

	// ErrNotWatched is returned by Remove for a path with no watcher.
	ErrNotWatched = errors.New("registry: path not watched")
)

// Watcher is the lifecycle a Registry drives. Both *watcher.PathWatcher and
// *watcher.BufferedPathWatcher satisfy it.
type Watcher interface {
	Path() string
	Start() error
	Stop() error
	Alive() bool
}

// Factory builds an unstarted watcher for a canonical path.
type Factory[W Watcher] func(path string) (W, error)

// Registry holds at most one live watcher per canonical path. Reads may run
// concurrently; Add, Remove and Close are serialised.
type Registry[W Watcher] struct {
	newWatcher Factory[W]
	logger     *slog.Logger

	mu       sync.RWMutex
	watchers map[string]W
	closed   bool
}

// New returns an empty registry that builds watchers with factory.
func New[W Watcher](factory Factory[W], logger *slog.Logger) *Registry[W] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry[W]{
		newWatcher: factory,
		logger:     logger,
		watchers:   make(map[string]W),
	}
}

// Add starts watching path. An existing watcher for the same canonical path
// is stopped before the new one is started.
func (r *Registry[W]) Add(path string) error {
	canon, err := Canonical(path)
	if err != nil {
		return err
	}
	w, err := r.newWatcher(canon)
	if err != nil {
		return fmt.Errorf("registry: new watcher for %s: %w", canon, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	old, replaced := r.watchers[canon]
	if replaced {
		delete(r.watchers, canon)
		if err := old.Stop(); err != nil {
			r.logger.Warn("registry: replaced watcher did not stop cleanly",
				slog.String("path", canon),
				slog.Any("error", err),
			)
		}
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("registry: start %s: %w", canon, err)
	}
	r.watchers[canon] = w

	r.logger.Info("registry: watching",
		slog.String("path", canon),
		slog.Bool("replaced", replaced),
	)
	return nil
}

// AddAll adds every path, continuing past failures. The returned error joins
// every individual failure.
func (r *Registry[W]) AddAll(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if err := r.Add(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Remove stops and forgets the watcher for path.
func (r *Registry[W]) Remove(path string) error {
	canon, err := Canonical(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.watchers[canon]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotWatched, canon)
	}
	delete(r.watchers, canon)
	if err := w.Stop(); err != nil {
		r.logger.Warn("registry: watcher did not stop cleanly",
			slog.String("path", canon),
			slog.Any("error", err),
		)
		return fmt.Errorf("registry: remove %s: %w", canon, err)
	}
	r.logger.Info("registry: stopped watching", slog.String("path", canon))
	return nil
}

// Close detaches every watcher and stops them concurrently. A failure to
// stop one watcher is logged and does not prevent the others from stopping;
// all failures are joined into the returned error. Close is idempotent.
func (r *Registry[W]) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	detached := r.watchers
	r.watchers = make(map[string]W)
	r.mu.Unlock()

	paths := make([]string, 0, len(detached))
	for path := range detached {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	// Every failure is reported, so each goroutine owns one slot instead of
	// returning its error to the group, which would keep only the first.
	var g errgroup.Group
	g.SetLimit(closeConcurrency)
	errs := make([]error, len(paths))
	for i, path := range paths {
		w := detached[path]
		g.Go(func() error {
			if err := w.Stop(); err != nil {
				r.logger.Warn("registry: watcher did not stop cleanly",
					slog.String("path", path),
					slog.Any("error", err),
				)
				errs[i] = fmt.Errorf("registry: stop %s: %w", path, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info("registry: closed", slog.Int("watchers", len(detached)))
	return errors.Join(errs...)
}

// Get returns the watcher registered for path.
func (r *Registry[W]) Get(path string) (W, bool) {
	var zero W
	canon, err := Canonical(path)
	if err != nil {
		return zero, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.watchers[canon]
	return w, ok
}

// PathsWatching returns the canonical paths currently registered, sorted.
func (r *Registry[W]) PathsWatching() []string {
	r.mu.RLock()
	paths := make([]string, 0, len(r.watchers))
	for p := range r.watchers {
		paths = append(paths, p)
	}
	r.mu.RUnlock()
	sort.Strings(paths)
	return paths
}

// Len returns the number of registered watchers.
func (r *Registry[W]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.watchers)
}

// IsEmpty reports whether no watcher is registered.
func (r *Registry[W]) IsEmpty() bool { return r.Len() == 0 }
