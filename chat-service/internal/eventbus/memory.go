package eventbus

import (
	"context"
	"sync"
)

// Nop drops every event.
type Nop struct{}

func (Nop) PublishEvent(context.Context, string, map[string]interface{}) error { return nil }
func (Nop) Close() error                                                      { return nil }

// Published is one event captured by MemoryBus.
type Published struct {
	Topic   string
	Payload map[string]interface{}
}

// MemoryBus keeps events in process. Used by the memory driver and tests.
type MemoryBus struct {
	mu     sync.Mutex
	events []Published
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) PublishEvent(_ context.Context, topic string, payload map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, Published{Topic: topic, Payload: payload})
	return nil
}

// Events returns a copy of the captured events.
func (b *MemoryBus) Events() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Published, len(b.events))
	copy(out, b.events)
	return out
}

// OfType filters captured events by their "type" field.
func (b *MemoryBus) OfType(eventType string) []Published {
	var out []Published
	for _, e := range b.Events() {
		if e.Payload["type"] == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (b *MemoryBus) Close() error { return nil }
