// Package watcher provides the per-directory watch loop and the buffered
// flush stage of the dirwatch pipeline. A PathWatcher owns exactly one
// directory subtree and turns raw OS notifications into ChangeEvents; a
// BufferedPathWatcher collects those events and hands them to a fire
// callback in bounded batches.
package watcher

import (
	"errors"
	"time"
)

// EventKind classifies a change observed under a watched directory.
type EventKind uint8

const (
	// EventCreated indicates a file or directory appeared.
	EventCreated EventKind = iota + 1
	// EventModified indicates a file or directory was written or its
	// metadata changed.
	EventModified
	// EventDeleted indicates a file or directory was removed or moved away.
	EventDeleted
)

// String returns the lower-case name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventModified:
		return "modified"
	case EventDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so that kinds serialise as
// their names in JSON payloads.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EventKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "created":
		*k = EventCreated
	case "modified":
		*k = EventModified
	case "deleted":
		*k = EventDeleted
	default:
		return errors.New("watcher: unknown event kind " + string(b))
	}
	return nil
}

// ChangeEvent is a single observed change. Values are never mutated after
// the watcher creates them.
type ChangeEvent struct {
	// Kind is created, modified or deleted.
	Kind EventKind `json:"kind"`
	// Name is the base name of the changed entry.
	Name string `json:"name"`
	// Path is the absolute path of the changed entry.
	Path string `json:"path"`
	// IsDir reports whether the entry is a directory.
	IsDir bool `json:"is_dir"`
	// ObservedAt is when the watcher saw the change.
	ObservedAt time.Time `json:"observed_at"`
}

// State is the lifecycle state of a PathWatcher.
type State int32

const (
	StateIdle State = iota
	StateRegistering
	StateWatching
	StateRetrying
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRegistering:
		return "registering"
	case StateWatching:
		return "watching"
	case StateRetrying:
		return "retrying"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyStarted is returned by Start when the watcher is running or
	// has already run.
	ErrAlreadyStarted = errors.New("watcher: already started")

	// ErrStopTimeout is returned by Stop when the background goroutine did
	// not exit within the configured stop timeout.
	ErrStopTimeout = errors.New("watcher: stop timed out")

	// ErrWatchInvalidated is returned by Subscription.Next when the watched
	// root was removed or renamed from under the subscription.
	ErrWatchInvalidated = errors.New("watcher: watch handle invalidated")

	// ErrSubscriptionClosed is returned by Subscription.Next after Close.
	ErrSubscriptionClosed = errors.New("watcher: subscription closed")

	// ErrNotDirectory is returned by Subscribe when the root exists but is
	// not a directory.
	ErrNotDirectory = errors.New("watcher: not a directory")
)
