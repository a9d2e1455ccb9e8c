package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestSubscribeReceivesMatchingEvents(t *testing.T) {
	b := New(100, nil)
	var mu sync.Mutex
	var got []Event
	done := make(chan struct{}, 1)

	b.Subscribe([]EventType{NodeCompleted}, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		done <- struct{}{}
	}, "")

	b.Emit(Event{Type: NodeStarted, StreamID: "s1"})
	b.Emit(Event{Type: NodeCompleted, StreamID: "s1"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Type != NodeCompleted {
		t.Fatalf("expected exactly one NodeCompleted event, got %+v", got)
	}
}

func TestStreamFilter(t *testing.T) {
	b := New(100, nil)
	var count int32
	done := make(chan struct{}, 1)
	b.Subscribe(nil, func(e Event) {
		count++
		done <- struct{}{}
	}, "stream-a")

	b.Emit(Event{Type: RunStarted, StreamID: "stream-b"})
	b.Emit(Event{Type: RunStarted, StreamID: "stream-a"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for matching event")
	}
	if count != 1 {
		t.Fatalf("expected 1 delivered event, got %d", count)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(100, nil)
	delivered := make(chan struct{}, 10)
	id := b.Subscribe(nil, func(e Event) { delivered <- struct{}{} }, "")
	if !b.Unsubscribe(id) {
		t.Fatal("expected Unsubscribe to report true")
	}
	if b.Unsubscribe(id) {
		t.Fatal("second Unsubscribe should report false")
	}
	b.Emit(Event{Type: RunStarted})
	select {
	case <-delivered:
		t.Fatal("should not have received event after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	b := New(10, nil)
	done := make(chan struct{}, 1)
	b.Subscribe(nil, func(e Event) {
		defer func() { done <- struct{}{} }()
		panic("boom")
	}, "")

	b.Emit(Event{Type: RunStarted})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
	// Emit must not have blocked or propagated the panic to us.
	time.Sleep(10 * time.Millisecond)
	stats := b.Stats()
	if stats["handler_panics"].(int64) < 1 {
		t.Fatalf("expected handler_panics >= 1, got %v", stats["handler_panics"])
	}
}

func TestHistoryRetainsRecentEvents(t *testing.T) {
	b := New(2, nil)
	b.Emit(Event{Type: RunStarted, StreamID: "s"})
	b.Emit(Event{Type: NodeStarted, StreamID: "s"})
	b.Emit(Event{Type: NodeCompleted, StreamID: "s"})

	hist := b.History("s", 0)
	if len(hist) != 2 {
		t.Fatalf("expected ring buffer capped at 2, got %d", len(hist))
	}
}
