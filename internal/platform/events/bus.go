// Package events provides an in-process event bus with pluggable delivery
// sinks. Services publish domain events; sinks fan them out (webhooks, logs).
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is a domain event emitted by a service operation.
type Event struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// New builds an event with a fresh ID and timestamp. The payload is marshalled
// to JSON; a marshal failure leaves the payload empty rather than blocking the
// publishing operation.
func New(eventType, resourceType, resourceID string, payload interface{}) Event {
	evt := Event{
		ID:           uuid.New().String(),
		Type:         eventType,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Timestamp:    time.Now().UTC(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			evt.Payload = raw
		}
	}
	return evt
}

// Publisher is the narrow interface services depend on.
type Publisher interface {
	Publish(evt Event)
}

// Sink receives events dispatched by the bus.
type Sink interface {
	Deliver(ctx context.Context, evt Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, evt Event)

func (f SinkFunc) Deliver(ctx context.Context, evt Event) { f(ctx, evt) }

// Bus is a buffered in-process event bus. Publish never blocks the caller;
// when the buffer is full the event is dropped and logged.
type Bus struct {
	log   zerolog.Logger
	ch    chan Event
	mu    sync.RWMutex
	sinks []Sink
}

func NewBus(log zerolog.Logger, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		log: log.With().Str("component", "events").Logger(),
		ch:  make(chan Event, buffer),
	}
}

// Attach registers a sink. Attach before Start; sinks added later are picked
// up by subsequent dispatches.
func (b *Bus) Attach(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish enqueues the event for asynchronous dispatch.
func (b *Bus) Publish(evt Event) {
	select {
	case b.ch <- evt:
	default:
		b.log.Warn().Str("event_type", evt.Type).Str("event_id", evt.ID).
			Msg("event buffer full, dropping event")
	}
}

// Start consumes the queue until ctx is cancelled. Run it in its own
// goroutine from main.
func (b *Bus) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.drain()
			return
		case evt := <-b.ch:
			b.dispatch(ctx, evt)
		}
	}
}

func (b *Bus) drain() {
	for {
		select {
		case evt := <-b.ch:
			b.dispatch(context.Background(), evt)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, evt Event) {
	b.mu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, s := range sinks {
		s.Deliver(ctx, evt)
	}
	b.log.Debug().Str("event_type", evt.Type).Str("resource_id", evt.ResourceID).
		Int("sinks", len(sinks)).Msg("event dispatched")
}
