package events

import (
	"sync"
	"time"
)

// Type enumerates the lifecycle and trading events the core publishes.
type Type string

const (
	BotStateChanged Type = "bot_state_changed"
	OrderPlaced     Type = "order_placed"
	OrderFilled     Type = "order_filled"
	OrderCancelled  Type = "order_cancelled"
	OrderError      Type = "order_error"
	SignalGenerated Type = "signal_generated"
	SignalRejected  Type = "signal_rejected"
	DealOpened      Type = "deal_opened"
	DealClosed      Type = "deal_closed"
	RegimeChanged   Type = "regime_changed"
	EmergencyStop   Type = "emergency_stop"
	PhaseAdvanced   Type = "phase_advanced"
)

// Event is a single bus message. Data holds the stable payload schema
// for the event type.
type Event struct {
	Type      Type                   `json:"type"`
	Bot       string                 `json:"bot"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber handles events delivered in publish order for any single bot.
type Subscriber func(Event)

// Bus is an in-process publish-subscribe channel. Each subscriber gets
// its own dispatch goroutine fed from a buffered queue, so publishes
// never block the trading loop and per-subscriber delivery preserves
// publish order.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Type][]chan Event
	allSubs []chan Event
	closed  bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Type][]chan Event)}
}

// Subscribe registers a subscriber for a specific event type.
func (b *Bus) Subscribe(t Type, fn Subscriber) {
	ch := b.spawn(fn)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], ch)
}

// SubscribeAll registers a subscriber for every event.
func (b *Bus) SubscribeAll(fn Subscriber) {
	ch := b.spawn(fn)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, ch)
}

func (b *Bus) spawn(fn Subscriber) chan Event {
	ch := make(chan Event, 256)
	go func() {
		for ev := range ch {
			fn(ev)
		}
	}()
	return ch
}

// Publish delivers an event to all matching subscribers. A subscriber
// whose queue is full drops the event rather than stalling the
// publisher.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[ev.Type] {
		select {
		case ch <- ev:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close stops delivery and releases the dispatch goroutines.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}
