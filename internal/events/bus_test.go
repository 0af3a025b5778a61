package events

import (
	"sync"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceAgent, Kind: KindTurnStart})
	b.Emit(SourceAuth, KindLogin, map[string]any{"ok": false})
	if b.SubscriberCount() != 0 || b.Dropped() != 0 {
		t.Error("nil bus should report no subscribers and no drops")
	}
}

func TestFanOut(t *testing.T) {
	b := New()
	subs := []<-chan Event{b.Subscribe(4), b.Subscribe(4), b.Subscribe(4)}
	defer func() {
		for _, ch := range subs {
			b.Unsubscribe(ch)
		}
	}()

	b.Emit(SourceAgent, KindToolCall, map[string]any{
		"session_id":     "s1",
		"correlation_id": "01JB7Z4Q3Y4C8W2M5N6P7R8S9T",
		"tool":           "movie_search",
	})
	for i, ch := range subs {
		e := receive(t, ch)
		if e.Source != SourceAgent || e.Kind != KindToolCall || e.Data["tool"] != "movie_search" {
			t.Errorf("subscriber %d got %+v", i, e)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("subscriber %d: Emit did not stamp the time", i)
		}
	}
}

func TestSlowSubscriberMissesEvents(t *testing.T) {
	b := New()
	slow := b.Subscribe(1)
	fast := b.Subscribe(8)
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	for _, kind := range []string{KindTurnStart, KindPlan, KindTurnComplete} {
		b.Emit(SourceAgent, kind, nil)
	}

	if e := receive(t, slow); e.Kind != KindTurnStart {
		t.Errorf("slow subscriber first event = %q", e.Kind)
	}
	select {
	case e := <-slow:
		t.Errorf("slow subscriber should have missed the rest, got %q", e.Kind)
	default:
	}
	for _, want := range []string{KindTurnStart, KindPlan, KindTurnComplete} {
		if e := receive(t, fast); e.Kind != want {
			t.Errorf("fast subscriber got %q, want %q", e.Kind, want)
		}
	}
	if b.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", b.Dropped())
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	a, c := b.Subscribe(2), b.Subscribe(2)
	if b.SubscriberCount() != 2 {
		t.Fatalf("SubscriberCount() = %d", b.SubscriberCount())
	}

	b.Unsubscribe(a)
	if _, open := <-a; open {
		t.Error("channel still open after Unsubscribe")
	}
	b.Unsubscribe(a)
	if b.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", b.SubscriberCount())
	}

	b.Emit(SourceAuth, KindLogout, map[string]any{"session_id": "s1"})
	if e := receive(t, c); e.Data["session_id"] != "s1" {
		t.Errorf("remaining subscriber got %+v", e)
	}
	b.Unsubscribe(c)
	b.Emit(SourceAuth, KindSessionExpired, nil)
}

func TestConcurrentPublishers(t *testing.T) {
	b := New()
	ch := b.Subscribe(32)

	var received int
	drained := make(chan struct{})
	go func() {
		for range ch {
			received++
		}
		close(drained)
	}()

	var wg sync.WaitGroup
	for p := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				b.Emit(SourceAgent, KindToolDone, map[string]any{"publisher": p, "seq": i})
			}
		}()
	}
	wg.Wait()
	b.Unsubscribe(ch)
	<-drained

	if uint64(received)+b.Dropped() != 8*50 {
		t.Errorf("received %d + dropped %d != %d", received, b.Dropped(), 8*50)
	}
}
