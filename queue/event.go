// Package queue publishes container and operation lifecycle events to
// RabbitMQ so the adapter layer and other services can react to them, for
// example releasing resources reserved for an expired container.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	EventContainerCreated   = "container.created"
	EventContainerActivated = "container.activated"
	EventContainerExpired   = "container.expired"
	EventOperationStarted   = "operation.started"
	EventOperationCompleted = "operation.completed"
	EventOperationFailed    = "operation.failed"
	EventOperationTimeout   = "operation.timeout"
)

// Event is a lifecycle notification
type Event struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Subject string                 `json:"subject"` // container or operation id
	Owner   string                 `json:"owner,omitempty"`
	At      time.Time              `json:"at"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh id.
func NewEvent(eventType, subject, owner string, at time.Time) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Subject: subject,
		Owner:   owner,
		At:      at,
	}
}

// With returns a copy of e with key set in Data.
func (e Event) With(key string, value interface{}) Event {
	data := make(map[string]interface{}, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

// Publisher delivers events
type Publisher interface {
	// Publish delivers one event.
	Publish(ctx context.Context, event Event) error

	// Close releases the underlying connection.
	Close() error
}

// NopPublisher discards every event
type NopPublisher struct{}

// Publish discards event.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close does nothing.
func (NopPublisher) Close() error { return nil }

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error // returned from Publish when set
}

// Publish records event.
func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, event)
	return nil
}

// Close does nothing.
func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
