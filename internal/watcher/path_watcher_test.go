package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"testing"
	"testing/synctest"
	"time"
)

func TestPathWatcher_DeliversChangesInOrder(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		n := &fakeNotifier{}
		hooks := &recordingHooks{}
		w := NewPathWatcher("/data", Config{Notifier: n}, hooks, noopLogger())
		if err := w.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer w.Stop()

		synctest.Wait()
		if got := w.State(); got != StateWatching {
			t.Fatalf("State = %v, want watching", got)
		}

		n.sub(t, 0).steps <- fakeStep{changes: []RawChange{
			{Path: "/data/a.txt", Kind: EventCreated},
			{Path: "/data/sub", Kind: EventCreated, IsDir: true},
			{Path: "/data/a.txt", Kind: EventModified},
			{Path: "/data/sub", Kind: EventModified, IsDir: true},
			{Path: "/data/a.txt", Kind: EventDeleted},
			{Path: "/data/sub", Kind: EventDeleted, IsDir: true},
		}}
		synctest.Wait()

		want := []string{
			"OnFileCreated", "OnDirCreated",
			"OnFileModified", "OnDirModified",
			"OnFileDeleted", "OnDirDeleted",
		}
		calls := hooks.snapshot()
		if len(calls) != len(want) {
			t.Fatalf("got %d hook calls, want %d", len(calls), len(want))
		}
		for i, c := range calls {
			if c.method != want[i] {
				t.Errorf("call %d = %s, want %s", i, c.method, want[i])
			}
			if c.ev.ObservedAt.IsZero() {
				t.Errorf("call %d: ObservedAt is zero", i)
			}
		}
		if calls[0].ev.Name != "a.txt" {
			t.Errorf("Name = %q, want a.txt", calls[0].ev.Name)
		}
	})
}

func TestPathWatcher_RetriesMissingPathAndLogsOnce(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		missing := fmt.Errorf("stat: %w", fs.ErrNotExist)
		n := &fakeNotifier{errs: []error{missing, missing, missing}}
		logs := &logBuffer{}
		w := NewPathWatcher("/later", Config{Notifier: n, RetryInterval: time.Second}, &recordingHooks{}, bufferLogger(logs))
		if err := w.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer w.Stop()

		synctest.Wait()
		if got := w.State(); got != StateRetrying {
			t.Fatalf("State = %v, want retrying", got)
		}
		if got := n.callCount(); got != 1 {
			t.Fatalf("Subscribe calls = %d, want 1", got)
		}

		time.Sleep(time.Second)
		synctest.Wait()
		if got := n.callCount(); got != 2 {
			t.Fatalf("Subscribe calls after one interval = %d, want 2", got)
		}

		time.Sleep(2 * time.Second)
		synctest.Wait()
		if got := w.State(); got != StateWatching {
			t.Fatalf("State = %v, want watching once the path exists", got)
		}
		if got := logs.count("does not exist yet"); got != 1 {
			t.Errorf("missing-path log lines = %d, want 1", got)
		}
		if got := logs.count("path appeared"); got != 1 {
			t.Errorf("path-appeared log lines = %d, want 1", got)
		}
	})
}

func TestPathWatcher_ReregistersAfterInvalidation(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		n := &fakeNotifier{}
		hooks := &recordingHooks{}
		w := NewPathWatcher("/data", Config{Notifier: n}, hooks, noopLogger())
		if err := w.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer w.Stop()
		synctest.Wait()

		first := n.sub(t, 0)
		first.steps <- fakeStep{err: ErrWatchInvalidated}
		synctest.Wait()

		if !first.isClosed() {
			t.Error("invalidated subscription was not closed")
		}
		if got := n.callCount(); got != 2 {
			t.Fatalf("Subscribe calls = %d, want 2", got)
		}

		n.sub(t, 1).steps <- fakeStep{changes: []RawChange{{Path: "/data/new", Kind: EventCreated}}}
		synctest.Wait()
		if calls := hooks.snapshot(); len(calls) != 1 || calls[0].ev.Path != "/data/new" {
			t.Errorf("hook calls after re-register = %+v", calls)
		}
		if w.Err() != nil {
			t.Errorf("Err = %v, want nil", w.Err())
		}
	})
}

func TestPathWatcher_UnexpectedErrorIsFatalWithoutErrorSleep(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		boom := errors.New("boom")
		n := &fakeNotifier{}
		w := NewPathWatcher("/data", Config{Notifier: n}, &recordingHooks{}, noopLogger())
		if err := w.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		synctest.Wait()

		n.sub(t, 0).steps <- fakeStep{err: boom}
		<-w.Done()

		if !errors.Is(w.Err(), boom) {
			t.Errorf("Err = %v, want wrapping boom", w.Err())
		}
		if w.Alive() {
			t.Error("Alive = true after fatal error")
		}
		if got := w.State(); got != StateStopped {
			t.Errorf("State = %v, want stopped", got)
		}
		if err := w.Stop(); err != nil {
			t.Errorf("Stop after fatal error: %v", err)
		}
	})
}

func TestPathWatcher_UnexpectedErrorRetriesAfterErrorSleep(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		n := &fakeNotifier{}
		w := NewPathWatcher("/data", Config{Notifier: n, ErrorSleep: 3 * time.Second}, &recordingHooks{}, noopLogger())
		if err := w.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer w.Stop()
		synctest.Wait()

		n.sub(t, 0).steps <- fakeStep{err: errors.New("transient")}
		synctest.Wait()
		if got := w.State(); got != StateRetrying {
			t.Fatalf("State = %v, want retrying", got)
		}

		time.Sleep(2 * time.Second)
		synctest.Wait()
		if got := n.callCount(); got != 1 {
			t.Fatalf("re-registered before ErrorSleep elapsed (calls = %d)", got)
		}

		time.Sleep(time.Second)
		synctest.Wait()
		if got := n.callCount(); got != 2 {
			t.Fatalf("Subscribe calls = %d, want 2", got)
		}
		if got := w.State(); got != StateWatching {
			t.Errorf("State = %v, want watching", got)
		}
	})
}

func TestPathWatcher_SubscriptionClosedWhileRunningIsFatal(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		n := &fakeNotifier{}
		w := NewPathWatcher("/data", Config{Notifier: n, ErrorSleep: time.Second}, &recordingHooks{}, noopLogger())
		if err := w.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		synctest.Wait()

		_ = n.sub(t, 0).Close()
		<-w.Done()

		if !errors.Is(w.Err(), ErrSubscriptionClosed) {
			t.Errorf("Err = %v, want ErrSubscriptionClosed", w.Err())
		}
	})
}

func TestPathWatcher_StopClosesSubscription(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		n := &fakeNotifier{}
		w := NewPathWatcher("/data", Config{Notifier: n}, &recordingHooks{}, noopLogger())
		if err := w.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		synctest.Wait()
		if !w.Alive() {
			t.Fatal("Alive = false while watching")
		}

		if err := w.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
		if w.Alive() {
			t.Error("Alive = true after Stop")
		}
		if got := w.State(); got != StateStopped {
			t.Errorf("State = %v, want stopped", got)
		}
		if !n.sub(t, 0).isClosed() {
			t.Error("subscription still open after Stop")
		}
		if err := w.Stop(); err != nil {
			t.Errorf("second Stop: %v", err)
		}
	})
}

func TestPathWatcher_StopTimesOutOnBlockedHook(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		n := &fakeNotifier{}
		release := make(chan struct{})
		entered := make(chan struct{})
		hook := HookFunc(func(ChangeEvent) {
			close(entered)
			<-release
		})
		w := NewPathWatcher("/data", Config{Notifier: n, StopTimeout: 2 * time.Second}, hook, noopLogger())
		if err := w.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		synctest.Wait()

		sub := n.sub(t, 0)
		sub.steps <- fakeStep{changes: []RawChange{{Path: "/data/x", Kind: EventCreated}}}
		<-entered

		start := time.Now()
		err := w.Stop()
		if !errors.Is(err, ErrStopTimeout) {
			t.Fatalf("Stop = %v, want ErrStopTimeout", err)
		}
		if elapsed := time.Since(start); elapsed != 2*time.Second {
			t.Errorf("Stop returned after %v, want 2s", elapsed)
		}
		if !sub.isClosed() {
			t.Error("subscription was not force-closed")
		}

		close(release)
		<-w.Done()
	})
}

func TestPathWatcher_StartTwice(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		w := NewPathWatcher("/data", Config{Notifier: &fakeNotifier{}}, &recordingHooks{}, noopLogger())
		if err := w.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer w.Stop()
		if err := w.Start(); !errors.Is(err, ErrAlreadyStarted) {
			t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
		}
	})
}

func TestPathWatcher_StopBeforeStart(t *testing.T) {
	w := NewPathWatcher("/data", Config{Notifier: &fakeNotifier{}}, &recordingHooks{}, noopLogger())
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	select {
	case <-w.Done():
	default:
		t.Error("Done not closed after Stop")
	}
	if err := w.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Start after Stop = %v, want ErrAlreadyStarted", err)
	}
}

func TestPathWatcher_HookPanicDoesNotStopWatcher(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		n := &fakeNotifier{}
		var (
			mu   sync.Mutex
			seen []string
		)
		hook := HookFunc(func(ev ChangeEvent) {
			if ev.Name == "bad" {
				panic("hook failure")
			}
			mu.Lock()
			seen = append(seen, ev.Name)
			mu.Unlock()
		})
		w := NewPathWatcher("/data", Config{Notifier: n}, hook, noopLogger())
		if err := w.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer w.Stop()
		synctest.Wait()

		n.sub(t, 0).steps <- fakeStep{changes: []RawChange{
			{Path: "/data/bad", Kind: EventCreated},
			{Path: "/data/good", Kind: EventCreated},
		}}
		synctest.Wait()

		mu.Lock()
		defer mu.Unlock()
		if len(seen) != 1 || seen[0] != "good" {
			t.Errorf("seen = %v, want [good]", seen)
		}
		if !w.Alive() {
			t.Error("watcher died after hook panic")
		}
	})
}
