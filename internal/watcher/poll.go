package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DefaultPollInterval is how often a PollNotifier subscription rescans its
// tree.
const DefaultPollInterval = 100 * time.Millisecond

// entryState holds the stable metadata for a single snapshot entry.
type entryState struct {
	mode    os.FileMode
	size    int64
	modTime time.Time
	isDir   bool
}

// PollNotifier detects changes by comparing periodic snapshots of the tree.
// It holds no kernel resources, which makes it usable on network and FUSE
// mounts where notifications are not delivered.
type PollNotifier struct {
	// Interval is the rescan period. Zero uses DefaultPollInterval.
	Interval time.Duration
	// Recursive includes every descendant instead of only the immediate
	// children of the root.
	Recursive bool
}

// Subscribe implements Notifier. The initial snapshot is taken before
// Subscribe returns so the first Next only reports later changes.
func (n PollNotifier) Subscribe(root string) (Subscription, error) {
	root = filepath.Clean(root)
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("watcher: stat %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, root)
	}

	interval := n.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	p := &pollSubscription{
		root:      root,
		recursive: n.Recursive,
		interval:  interval,
		closed:    make(chan struct{}),
	}
	snap, err := p.scan()
	if err != nil {
		return nil, err
	}
	p.snapshot = snap
	return p, nil
}

type pollSubscription struct {
	root      string
	recursive bool
	interval  time.Duration
	snapshot  map[string]entryState

	closeOnce sync.Once
	closed    chan struct{}
}

func (p *pollSubscription) Next(ctx context.Context) ([]RawChange, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.closed:
			return nil, ErrSubscriptionClosed
		case <-ticker.C:
		}

		current, err := p.scan()
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrWatchInvalidated
		}
		if err != nil {
			return nil, err
		}
		changes := diff(p.snapshot, current)
		p.snapshot = current
		if len(changes) > 0 {
			return changes, nil
		}
	}
}

func (p *pollSubscription) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// scan walks the root and returns a path→entryState snapshot. The root
// itself is not part of the snapshot. Entries that vanish mid-walk are
// skipped.
func (p *pollSubscription) scan() (map[string]entryState, error) {
	if _, err := os.Stat(p.root); err != nil {
		return nil, fmt.Errorf("watcher: stat %q: %w", p.root, err)
	}

	result := make(map[string]entryState)
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == p.root {
				return err
			}
			return nil //nolint:nilerr // entry disappeared between readdir and stat
		}
		if path == p.root {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr
		}
		result[path] = entryState{
			mode:    fi.Mode(),
			size:    fi.Size(),
			modTime: fi.ModTime(),
			isDir:   d.IsDir(),
		}
		if d.IsDir() && !p.recursive {
			return fs.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("watcher: scan %q: %w", p.root, err)
	}
	return result, nil
}

// diff compares two snapshots and returns the creates, writes and deletes
// between them, ordered by path within each kind.
func diff(old, current map[string]entryState) []RawChange {
	var created, modified, deleted []RawChange

	for path, cur := range current {
		prev, existed := old[path]
		switch {
		case !existed:
			created = append(created, RawChange{Path: path, Kind: EventCreated, IsDir: cur.isDir})
		case prev.isDir != cur.isDir:
			deleted = append(deleted, RawChange{Path: path, Kind: EventDeleted, IsDir: prev.isDir})
			created = append(created, RawChange{Path: path, Kind: EventCreated, IsDir: cur.isDir})
		case !cur.modTime.Equal(prev.modTime) || cur.size != prev.size || cur.mode != prev.mode:
			modified = append(modified, RawChange{Path: path, Kind: EventModified, IsDir: cur.isDir})
		}
	}
	for path, prev := range old {
		if _, ok := current[path]; !ok {
			deleted = append(deleted, RawChange{Path: path, Kind: EventDeleted, IsDir: prev.isDir})
		}
	}

	byPath := func(s []RawChange) {
		sort.Slice(s, func(i, j int) bool { return s[i].Path < s[j].Path })
	}
	byPath(created)
	byPath(modified)
	byPath(deleted)

	out := make([]RawChange, 0, len(created)+len(modified)+len(deleted))
	out = append(out, deleted...)
	out = append(out, created...)
	return append(out, modified...)
}
