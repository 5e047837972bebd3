// Package bus is the in-process publish/subscribe channel between the
// webhook ingress and the relay manager. It carries the typed deletion and
// edit notifications the out-of-process deletion detector emits; the relay
// only assumes at-least-once, possibly duplicated delivery, so swapping the
// in-process bus for an external broker would not change consumer logic.
package bus

import (
	"log/slog"
	"sync"

	"github.com/onnwee/chat-relay/backend/platform"
)

// EventType discriminates bus payloads.
type EventType string

const (
	MessageDeleted EventType = "message-deleted"
	MessageEdited  EventType = "message-edited"
)

// Event is a deletion or edit notification for one tracked message.
// Timestamp is unix milliseconds, matching the detector's wire format.
type Event struct {
	Type      EventType         `json:"type"`
	MappingID string            `json:"mappingId"`
	Platform  platform.Platform `json:"platform"`
	MessageID string            `json:"messageId"`
	Content   string            `json:"content,omitempty"` // edits only
	Timestamp int64             `json:"timestamp"`
}

// Bus fans events out to all subscribers. Publish never blocks the caller:
// a subscriber that falls behind its buffer loses events, which the
// idempotent consumption contract absorbs (a lost deletion is retried by the
// detector, a duplicated one is a no-op).
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

const subscriberBuffer = 64

// Subscribe registers a consumer and returns its channel plus a cancel
// function. The channel closes on cancel or Close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("bus subscriber buffer full, dropping event",
				slog.String("type", string(ev.Type)),
				slog.String("mapping_id", ev.MappingID),
				slog.String("component", "bus"))
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
