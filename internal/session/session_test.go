package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/akstspace/media-mgmt-agent/internal/apperr"
	"github.com/akstspace/media-mgmt-agent/internal/tools"
	"github.com/akstspace/media-mgmt-agent/internal/vault"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func unlockedHandle(t *testing.T) *vault.Handle {
	t.Helper()
	v, err := vault.Open(filepath.Join(t.TempDir(), "vault.db"),
		vault.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { v.Close() })
	if err := v.Initialize("operator", "correct horse"); err != nil {
		t.Fatal(err)
	}
	h, err := v.Unlock("correct horse")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Store(vault.Record{Kind: vault.KindMovie, BaseURL: "http://radarr:7878", APIKey: "k"}); err != nil {
		t.Fatal(err)
	}
	return h
}

func TestNew(t *testing.T) {
	a := New("operator", nil)
	b := New("operator", nil)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("ids %q and %q should be unique and non-empty", a.ID, b.ID)
	}
	if a.User != "operator" || a.Len() != 0 {
		t.Errorf("session = %+v", a)
	}
}

func TestAppend_OrderAndTimestamps(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	s := New("operator", nil, WithClock(clock.Now))

	s.Append(Message{Role: RoleUser, Content: "add inception"})
	clock.Advance(time.Second)
	s.Append(Message{Role: RoleAssistant, Invocations: []tools.Invocation{{CorrelationID: "c1", Tool: "movie_search"}}})
	// An explicit timestamp in the past is clamped to keep the order.
	s.Append(Message{Role: RoleTool, CorrelationID: "c1", Tool: "movie_search", Content: "found", Timestamp: clock.Now().Add(-time.Hour)})

	h := s.History()
	if len(h) != 3 {
		t.Fatalf("len = %d", len(h))
	}
	for i := 1; i < len(h); i++ {
		if h[i].Timestamp.Before(h[i-1].Timestamp) {
			t.Errorf("message %d goes back in time", i)
		}
	}
	if h[0].Timestamp.IsZero() || h[2].CorrelationID != "c1" {
		t.Errorf("history = %+v", h)
	}

	// History returns a copy.
	h[0].Content = "mutated"
	if s.History()[0].Content != "add inception" {
		t.Error("History exposed internal slice")
	}
}

func TestTryBeginTurn_Busy(t *testing.T) {
	s := New("operator", nil)
	end, err := s.TryBeginTurn()
	if err != nil {
		t.Fatal(err)
	}
	if !s.Busy() {
		t.Error("Busy() = false during a turn")
	}
	if _, err := s.TryBeginTurn(); !errors.Is(err, apperr.ErrSessionBusy) {
		t.Fatalf("second turn err = %v, want SessionBusy", err)
	}
	end()
	end() // idempotent
	end2, err := s.TryBeginTurn()
	if err != nil {
		t.Fatalf("turn after end: %v", err)
	}
	end2()
}

func TestTryBeginTurn_Concurrent(t *testing.T) {
	s := New("operator", nil)
	var (
		wg      sync.WaitGroup
		granted atomic.Int32
		busy    atomic.Int32
		release = make(chan struct{})
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			end, err := s.TryBeginTurn()
			if err != nil {
				busy.Add(1)
				return
			}
			granted.Add(1)
			<-release
			end()
		}()
	}
	for granted.Load()+busy.Load() < 16 {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()
	if granted.Load() != 1 || busy.Load() != 15 {
		t.Errorf("granted=%d busy=%d, want 1 and 15", granted.Load(), busy.Load())
	}
}

func TestExpired(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	s := New("operator", nil, WithClock(clock.Now))

	clock.Advance(29 * time.Minute)
	if s.Expired(30 * time.Minute) {
		t.Error("expired too early")
	}
	s.Touch()
	clock.Advance(29 * time.Minute)
	if s.Expired(30 * time.Minute) {
		t.Error("Touch did not extend the session")
	}

	end, _ := s.TryBeginTurn()
	clock.Advance(time.Hour)
	if s.Expired(30 * time.Minute) {
		t.Error("a session in a turn must not expire")
	}
	end()
	clock.Advance(31 * time.Minute)
	if !s.Expired(30 * time.Minute) {
		t.Error("idle session should expire")
	}
}

func TestContext_CarriesHandle(t *testing.T) {
	h := unlockedHandle(t)
	s := New("operator", h)

	ctx := s.Context(context.Background())
	if tools.SessionIDFromContext(ctx) != s.ID {
		t.Error("session id not attached")
	}
	rec, err := vault.ReadFromContext(ctx, vault.KindMovie)
	if err != nil {
		t.Fatalf("ReadFromContext: %v", err)
	}
	if rec.BaseURL != "http://radarr:7878" {
		t.Errorf("record = %+v", rec)
	}
}

func TestClose(t *testing.T) {
	h := unlockedHandle(t)
	s := New("operator", h)
	s.Append(Message{Role: RoleUser, Content: "hi"})
	ctx := s.Context(context.Background())

	s.Close()
	s.Close()

	if !h.Released() {
		t.Error("Close did not release the vault handle")
	}
	if s.Len() != 0 || !s.Closed() {
		t.Error("history not discarded")
	}
	if _, err := vault.ReadFromContext(ctx, vault.KindMovie); !errors.Is(err, apperr.ErrAuth) {
		t.Errorf("read after close err = %v, want AuthError", err)
	}
	if err := s.Append(Message{Role: RoleUser}); !errors.Is(err, apperr.ErrAuth) {
		t.Errorf("Append after close err = %v", err)
	}
	if _, err := s.TryBeginTurn(); !errors.Is(err, apperr.ErrAuth) {
		t.Errorf("TryBeginTurn after close err = %v", err)
	}
}
