package watcher

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError + 10, // suppress all output
	}))
}

// logBuffer is a goroutine-safe sink for slog output inspected by tests.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) count(substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), substr)
}

func bufferLogger(b *logBuffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(b, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeStep is one scripted result of fakeSub.Next.
type fakeStep struct {
	changes []RawChange
	err     error
}

// fakeSub is a Subscription driven by the test through its steps channel.
type fakeSub struct {
	steps     chan fakeStep
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSub() *fakeSub {
	return &fakeSub{steps: make(chan fakeStep, 16), closed: make(chan struct{})}
}

func (s *fakeSub) Next(ctx context.Context) ([]RawChange, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrSubscriptionClosed
	case st := <-s.steps:
		return st.changes, st.err
	}
}

func (s *fakeSub) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSub) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeNotifier hands out fakeSubs. Scripted Subscribe errors are consumed in
// order before any subscription succeeds.
type fakeNotifier struct {
	mu    sync.Mutex
	errs  []error
	subs  []*fakeSub
	calls int
}

func (n *fakeNotifier) Subscribe(string) (Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if len(n.errs) > 0 {
		err := n.errs[0]
		n.errs = n.errs[1:]
		return nil, err
	}
	s := newFakeSub()
	n.subs = append(n.subs, s)
	return s, nil
}

func (n *fakeNotifier) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

// sub returns the i-th successful subscription.
func (n *fakeNotifier) sub(t *testing.T, i int) *fakeSub {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if i >= len(n.subs) {
		t.Fatalf("subscription %d not opened (have %d)", i, len(n.subs))
	}
	return n.subs[i]
}

// hookCall records one Hooks invocation.
type hookCall struct {
	method string
	ev     ChangeEvent
}

type recordingHooks struct {
	mu    sync.Mutex
	calls []hookCall
}

func (h *recordingHooks) record(method string, ev ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, hookCall{method: method, ev: ev})
}

func (h *recordingHooks) snapshot() []hookCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hookCall(nil), h.calls...)
}

func (h *recordingHooks) OnFileCreated(ev ChangeEvent)  { h.record("OnFileCreated", ev) }
func (h *recordingHooks) OnDirCreated(ev ChangeEvent)   { h.record("OnDirCreated", ev) }
func (h *recordingHooks) OnFileModified(ev ChangeEvent) { h.record("OnFileModified", ev) }
func (h *recordingHooks) OnDirModified(ev ChangeEvent)  { h.record("OnDirModified", ev) }
func (h *recordingHooks) OnFileDeleted(ev ChangeEvent)  { h.record("OnFileDeleted", ev) }
func (h *recordingHooks) OnDirDeleted(ev ChangeEvent)   { h.record("OnDirDeleted", ev) }
