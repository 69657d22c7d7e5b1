package registry

import (
	"log/slog"

	"github.com/tripwire/dirwatch/internal/watcher"
)

// BufferedRegistry manages BufferedPathWatchers that all deliver their
// flushes to one composite FireFunc. The composite callback may be invoked
// concurrently by different children.
type BufferedRegistry struct {
	*Registry[*watcher.BufferedPathWatcher]
}

// NewBuffered returns a registry whose watchers are configured with cfg and
// fire into fire.
func NewBuffered(cfg watcher.BufferConfig, fire watcher.FireFunc, logger *slog.Logger) *BufferedRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	factory := func(path string) (*watcher.BufferedPathWatcher, error) {
		return watcher.NewBufferedPathWatcher(path, cfg, fire, logger), nil
	}
	return &BufferedRegistry{Registry: New(factory, logger)}
}

// Pending returns the number of events buffered across all children and
// not yet flushed.
func (b *BufferedRegistry) Pending() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, w := range b.watchers {
		n += w.Len()
	}
	return n
}
