package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/akstspace/media-mgmt-agent/internal/events"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastSchedule keeps tests in the millisecond range.
func fastSchedule() Schedule {
	return Schedule{
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// nextEvent returns the next event of kind from ch.
func nextEvent(t *testing.T, ch <-chan events.Event, kind string) events.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestDefaultSchedule(t *testing.T) {
	s := Schedule{}.withDefaults()
	if s != DefaultSchedule() {
		t.Errorf("withDefaults() = %+v, want %+v", s, DefaultSchedule())
	}
	custom := Schedule{PollInterval: time.Second}.withDefaults()
	if custom.PollInterval != time.Second || custom.InitialDelay != 2*time.Second {
		t.Errorf("partial defaults = %+v", custom)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	m := NewManager(bus, quietLogger())
	defer m.Stop()
	w := m.Watch(context.Background(), "radarr", func(context.Context) error { return nil }, fastSchedule())

	e := nextEvent(t, ch, events.KindServiceUp)
	if e.Source != events.SourceHealth || e.Data["service"] != "radarr" {
		t.Errorf("event = %+v", e)
	}
	waitFor(t, "ready", w.Ready)
	if st := w.Status(); st.LastError != "" || st.LastCheck.IsZero() {
		t.Errorf("status = %+v", st)
	}
}

func TestWatcher_RecoversAfterFailures(t *testing.T) {
	var calls atomic.Int32
	probe := func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("connection refused")
		}
		return nil
	}
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	m := NewManager(bus, quietLogger())
	defer m.Stop()
	w := m.Watch(context.Background(), "llm", probe, fastSchedule())

	down := nextEvent(t, ch, events.KindServiceDown)
	if down.Data["error"] != "connection refused" {
		t.Errorf("down event = %+v", down)
	}
	nextEvent(t, ch, events.KindServiceUp)
	waitFor(t, "ready", w.Ready)
	if calls.Load() < 3 {
		t.Errorf("probe calls = %d, want >= 3", calls.Load())
	}
}

func TestWatcher_GoesDownWhilePolling(t *testing.T) {
	var failing atomic.Bool
	probe := func(context.Context) error {
		if failing.Load() {
			return errors.New("503")
		}
		return nil
	}
	m := NewManager(nil, quietLogger())
	defer m.Stop()
	w := m.Watch(context.Background(), "sonarr", probe, fastSchedule())

	waitFor(t, "ready", w.Ready)
	failing.Store(true)
	waitFor(t, "down", func() bool { return !w.Ready() })
	if w.Status().LastError != "503" {
		t.Errorf("status = %+v", w.Status())
	}
	if m.Healthy() {
		t.Error("Healthy() should be false with a down service")
	}
}

func TestWatcher_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(nil, quietLogger())
	w := m.Watch(ctx, "llm", func(context.Context) error { return errors.New("down") }, fastSchedule())
	cancel()

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}

func TestManager_Status(t *testing.T) {
	m := NewManager(nil, quietLogger())
	defer m.Stop()
	m.Watch(context.Background(), "sonarr", func(context.Context) error { return nil }, fastSchedule())
	m.Watch(context.Background(), "llm", func(context.Context) error { return nil }, fastSchedule())

	waitFor(t, "healthy", func() bool {
		st := m.Status()
		return len(st) == 2 && st[0].Ready && st[1].Ready
	})
	st := m.Status()
	if st[0].Name != "llm" || st[1].Name != "sonarr" {
		t.Errorf("status order = %+v", st)
	}
	if !m.Healthy() {
		t.Error("Healthy() = false")
	}

	var nilManager *Manager
	if nilManager.Status() != nil || !nilManager.Healthy() {
		t.Error("nil manager should report no services and healthy")
	}
}

func TestManager_WatchReplaces(t *testing.T) {
	m := NewManager(nil, quietLogger())
	defer m.Stop()
	first := m.Watch(context.Background(), "llm", func(context.Context) error { return nil }, fastSchedule())
	m.Watch(context.Background(), "llm", func(context.Context) error { return nil }, fastSchedule())

	select {
	case <-first.done:
	case <-time.After(2 * time.Second):
		t.Fatal("replaced watcher still running")
	}
	if n := len(m.Status()); n != 1 {
		t.Errorf("watchers = %d, want 1", n)
	}
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" {
			w.Write([]byte(`{"status":"OK"}`))
			return
		}
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx := context.Background()
	if err := HTTPProbe(srv.Client(), srv.URL+"/ping")(ctx); err != nil {
		t.Errorf("ping probe: %v", err)
	}
	if err := HTTPProbe(srv.Client(), srv.URL+"/down")(ctx); err == nil {
		t.Error("probe of a 503 should fail")
	}

	srv.Close()
	if err := HTTPProbe(http.DefaultClient, srv.URL+"/ping")(ctx); err == nil {
		t.Error("probe of a closed server should fail")
	}
}
