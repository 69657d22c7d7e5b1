package watcher

import (
	"log/slog"
)

// Hooks receives the changes a PathWatcher observes, one method per
// (kind, entry type) combination. Calls for one watcher are made from its
// single background goroutine in the order the OS reported them.
type Hooks interface {
	OnFileCreated(ev ChangeEvent)
	OnDirCreated(ev ChangeEvent)
	OnFileModified(ev ChangeEvent)
	OnDirModified(ev ChangeEvent)
	OnFileDeleted(ev ChangeEvent)
	OnDirDeleted(ev ChangeEvent)
}

// LogHooks is the default Hooks implementation. It writes one info line per
// change and does nothing else.
type LogHooks struct {
	Logger *slog.Logger
}

func (h LogHooks) log(msg string, ev ChangeEvent) {
	l := h.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info(msg,
		slog.String("path", ev.Path),
		slog.String("name", ev.Name),
		slog.Time("observed_at", ev.ObservedAt),
	)
}

func (h LogHooks) OnFileCreated(ev ChangeEvent)  { h.log("watcher: file created", ev) }
func (h LogHooks) OnDirCreated(ev ChangeEvent)   { h.log("watcher: directory created", ev) }
func (h LogHooks) OnFileModified(ev ChangeEvent) { h.log("watcher: file modified", ev) }
func (h LogHooks) OnDirModified(ev ChangeEvent)  { h.log("watcher: directory modified", ev) }
func (h LogHooks) OnFileDeleted(ev ChangeEvent)  { h.log("watcher: file deleted", ev) }
func (h LogHooks) OnDirDeleted(ev ChangeEvent)   { h.log("watcher: directory deleted", ev) }

// HookFunc adapts a single function to Hooks; every method forwards to it.
type HookFunc func(ev ChangeEvent)

func (f HookFunc) OnFileCreated(ev ChangeEvent)  { f(ev) }
func (f HookFunc) OnDirCreated(ev ChangeEvent)   { f(ev) }
func (f HookFunc) OnFileModified(ev ChangeEvent) { f(ev) }
func (f HookFunc) OnDirModified(ev ChangeEvent)  { f(ev) }
func (f HookFunc) OnFileDeleted(ev ChangeEvent)  { f(ev) }
func (f HookFunc) OnDirDeleted(ev ChangeEvent)   { f(ev) }

// dispatch routes ev to the matching hook.
func dispatch(h Hooks, ev ChangeEvent) {
	switch ev.Kind {
	case EventCreated:
		if ev.IsDir {
			h.OnDirCreated(ev)
		} else {
			h.OnFileCreated(ev)
		}
	case EventModified:
		if ev.IsDir {
			h.OnDirModified(ev)
		} else {
			h.OnFileModified(ev)
		}
	case EventDeleted:
		if ev.IsDir {
			h.OnDirDeleted(ev)
		} else {
			h.OnFileDeleted(ev)
		}
	}
}
