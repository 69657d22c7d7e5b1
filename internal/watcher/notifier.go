package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// RawChange is a single entry reported by a Subscription, before the
// PathWatcher stamps it into a ChangeEvent.
type RawChange struct {
	Path  string
	Kind  EventKind
	IsDir bool
}

// Notifier opens change subscriptions on directories.
type Notifier interface {
	// Subscribe registers for changes under root. When root does not exist
	// the returned error satisfies errors.Is(err, fs.ErrNotExist).
	Subscribe(root string) (Subscription, error)
}

// Subscription is a live registration on one directory.
type Subscription interface {
	// Next blocks until at least one change is available and returns every
	// change that is ready. It returns ctx.Err() when ctx is done,
	// ErrWatchInvalidated when the root disappeared, and
	// ErrSubscriptionClosed after Close.
	Next(ctx context.Context) ([]RawChange, error)
	// Close releases the registration and unblocks a pending Next.
	Close() error
}

// defaultSkipDirs are never descended into by recursive subscriptions.
var defaultSkipDirs = map[string]bool{
	".git": true,
	".jj":  true,
}

// FSNotifier subscribes through fsnotify (inotify, kqueue,
// ReadDirectoryChangesW depending on the platform).
type FSNotifier struct {
	// Recursive adds a watch for every sub-directory, including ones
	// created while the subscription is live.
	Recursive bool
	// SkipDirs lists directory base names that recursive subscriptions do
	// not descend into. Nil uses .git and .jj.
	SkipDirs map[string]bool
}

// Subscribe implements Notifier.
func (n FSNotifier) Subscribe(root string) (Subscription, error) {
	root = filepath.Clean(root)
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("watcher: stat %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, root)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: fsnotify: %w", err)
	}

	skip := n.SkipDirs
	if skip == nil {
		skip = defaultSkipDirs
	}
	s := &fsSubscription{
		root:      root,
		fw:        fw,
		recursive: n.Recursive,
		skip:      skip,
		dirs:      make(map[string]struct{}),
		gone:      make(map[string]struct{}),
	}
	if err := fw.Add(root); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watcher: add %q: %w", root, err)
	}
	s.dirs[root] = struct{}{}
	s.track(root)
	return s, nil
}

type fsSubscription struct {
	root      string
	fw        *fsnotify.Watcher
	recursive bool
	skip      map[string]bool
	// dirs holds every directory known under root so that deletes, which
	// can no longer be stat'ed, are classified correctly.
	dirs map[string]struct{}
	// gone holds watched sub-directories already reported deleted. Their
	// own watch reports the removal a second time and that event is dropped.
	gone    map[string]struct{}
	invalid bool
}

// track records the directories under dir. Recursive subscriptions also add
// a watch for each of them; errors on individual entries are skipped.
func (s *fsSubscription) track(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		if !d.IsDir() || path == dir {
			return nil
		}
		if s.skip[d.Name()] {
			return fs.SkipDir
		}
		s.dirs[path] = struct{}{}
		if !s.recursive {
			return fs.SkipDir
		}
		_ = s.fw.Add(path)
		return nil
	})
}

func (s *fsSubscription) Next(ctx context.Context) ([]RawChange, error) {
	var out []RawChange
	for len(out) == 0 {
		if s.invalid {
			return nil, ErrWatchInvalidated
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-s.fw.Events:
			if !ok {
				return nil, ErrSubscriptionClosed
			}
			out = s.convert(out, ev)
		case err, ok := <-s.fw.Errors:
			if !ok {
				return nil, ErrSubscriptionClosed
			}
			if errors.Is(err, fsnotify.ErrClosed) {
				return nil, ErrSubscriptionClosed
			}
			return nil, fmt.Errorf("watcher: fsnotify: %w", err)
		}

		// Drain whatever else is already queued into the same batch.
	drain:
		for !s.invalid {
			select {
			case ev, ok := <-s.fw.Events:
				if !ok {
					break drain
				}
				out = s.convert(out, ev)
			default:
				break drain
			}
		}
	}
	return out, nil
}

func (s *fsSubscription) convert(out []RawChange, ev fsnotify.Event) []RawChange {
	name := filepath.Clean(ev.Name)
	if name == s.root && (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
		s.invalid = true
		return out
	}

	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		_, isDir := s.dirs[name]
		if !isDir {
			if _, dup := s.gone[name]; dup {
				delete(s.gone, name)
				return out
			}
		}
		delete(s.dirs, name)
		if isDir && s.recursive {
			s.gone[name] = struct{}{}
			// A renamed directory keeps its watch; stop following it.
			_ = s.fw.Remove(name)
		}
		return append(out, RawChange{Path: name, Kind: EventDeleted, IsDir: isDir})
	case ev.Has(fsnotify.Create):
		delete(s.gone, name)
		info, err := os.Lstat(name)
		isDir := err == nil && info.IsDir()
		if isDir && !s.skip[filepath.Base(name)] {
			s.dirs[name] = struct{}{}
			if s.recursive {
				_ = s.fw.Add(name)
				s.track(name)
			}
		}
		return append(out, RawChange{Path: name, Kind: EventCreated, IsDir: isDir})
	case ev.Has(fsnotify.Write):
		_, isDir := s.dirs[name]
		return append(out, RawChange{Path: name, Kind: EventModified, IsDir: isDir})
	default:
		// Chmod-only events are too noisy to be useful.
		return out
	}
}

func (s *fsSubscription) Close() error {
	return s.fw.Close()
}
