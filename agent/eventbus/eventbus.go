// Package eventbus implements the in-process pub/sub Event Bus from
// spec.md §4.3: per-subscriber filters, a ring buffer of recent events
// for late subscribers, and non-blocking, error-isolated dispatch.
package eventbus

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType is the closed set of event kinds the runtime emits.
type EventType string

const (
	NodeStarted       EventType = "node_started"
	NodeCompleted     EventType = "node_completed"
	NodeRetry         EventType = "node_retry"
	EdgeTraversed     EventType = "edge_traversed"
	ExecutionPaused   EventType = "execution_paused"
	ExecutionResumed  EventType = "execution_resumed"
	RunStarted        EventType = "run_started"
	RunCompleted      EventType = "run_completed"
	ProblemReported   EventType = "problem_reported"
)

// Event is a discriminated record describing one runtime occurrence.
// Events are advisory: they are not a durable log (the Runtime Log Store
// owns durability) and exist for decoupled observers (UIs, metrics).
type Event struct {
	Type        EventType
	Timestamp   time.Time
	StreamID    string
	ExecutionID string
	Payload     map[string]interface{}
}

const subscriberQueueDepth = 64

type subscription struct {
	id           string
	types        map[EventType]bool // empty set = all types
	filterStream string             // empty = all streams
	queue        chan Event
	done         chan struct{}
}

func (s *subscription) matches(e Event) bool {
	if s.filterStream != "" && s.filterStream != e.StreamID {
		return false
	}
	if len(s.types) == 0 {
		return true
	}
	return s.types[e.Type]
}

// Bus is the in-process event bus. The zero value is not usable; use New.
type Bus struct {
	maxHistory int
	logger     *log.Logger

	mu   sync.RWMutex
	subs map[string]*subscription

	ringMu  sync.Mutex
	ring    []Event
	ringPos int

	dropped       atomic.Int64
	handlerPanics atomic.Int64
}

// New constructs a Bus retaining up to maxHistory recent events for late
// subscribers (spec.md §6.4 max_history, default 1000).
func New(maxHistory int, logger *log.Logger) *Bus {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		maxHistory: maxHistory,
		logger:     logger,
		subs:       make(map[string]*subscription),
		ring:       make([]Event, 0, maxHistory),
	}
}

// Subscribe registers handler for the given event types (nil/empty means
// all types), optionally restricted to one stream. Returns a subscription
// id usable with Unsubscribe. handler runs on a dedicated goroutine per
// subscriber; a panic inside handler is recovered, logged, and counted —
// it never reaches Emit's caller.
func (b *Bus) Subscribe(eventTypes []EventType, handler func(Event), filterStream string) string {
	sub := &subscription{
		id:           uuid.NewString(),
		filterStream: filterStream,
		queue:        make(chan Event, subscriberQueueDepth),
		done:         make(chan struct{}),
	}
	if len(eventTypes) > 0 {
		sub.types = make(map[EventType]bool, len(eventTypes))
		for _, t := range eventTypes {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go b.dispatchLoop(sub, handler)
	return sub.id
}

func (b *Bus) dispatchLoop(sub *subscription, handler func(Event)) {
	for {
		select {
		case ev := <-sub.queue:
			b.invoke(handler, ev)
		case <-sub.done:
			return
		}
	}
}

func (b *Bus) invoke(handler func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			b.logger.Printf("eventbus: subscriber handler panicked: %v", r)
		}
	}()
	handler(ev)
}

// Unsubscribe removes a subscription. Returns false if id was not found.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.done)
	}
	return ok
}

// Emit publishes an event to the ring buffer and every matching
// subscriber. Never blocks: a subscriber with a full queue has its oldest
// queued event dropped to make room, and the drop is counted.
func (b *Bus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.ringMu.Lock()
	if len(b.ring) < b.maxHistory {
		b.ring = append(b.ring, e)
	} else {
		b.ring[b.ringPos] = e
		b.ringPos = (b.ringPos + 1) % b.maxHistory
	}
	b.ringMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(e) {
			continue
		}
		select {
		case sub.queue <- e:
		default:
			select {
			case <-sub.queue:
			default:
			}
			select {
			case sub.queue <- e:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// History returns up to limit of the most recent retained events,
// optionally filtered to one stream. limit<=0 returns everything
// retained.
func (b *Bus) History(streamID string, limit int) []Event {
	b.ringMu.Lock()
	snapshot := make([]Event, 0, len(b.ring))
	snapshot = append(snapshot, b.ring[b.ringPos:]...)
	snapshot = append(snapshot, b.ring[:b.ringPos]...)
	b.ringMu.Unlock()

	var out []Event
	for _, e := range snapshot {
		if streamID != "" && e.StreamID != streamID {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Stats reports bus-level counters, included in AgentRuntime.GetStats().
func (b *Bus) Stats() map[string]interface{} {
	b.mu.RLock()
	subCount := len(b.subs)
	b.mu.RUnlock()
	return map[string]interface{}{
		"subscribers":    subCount,
		"dropped_events": b.dropped.Load(),
		"handler_panics": b.handlerPanics.Load(),
	}
}
