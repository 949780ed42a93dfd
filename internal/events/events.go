// Package events defines the structured diagnostics sink for
// reconciliation passes. The reconciler emits one event per entry
// action plus pass boundaries; consumers decide what to do with them.
package events

import (
	"encoding/json"
	"time"
)

// Type represents the kind of event.
type Type string

const (
	PassStarted   Type = "pass.started"
	PassCompleted Type = "pass.completed"

	EntryCreated        Type = "entry.created"
	EntryRecreated      Type = "entry.recreated"
	EntryOptionsUpdated Type = "entry.options_updated"
	EntryDeleted        Type = "entry.deleted"
	EntryUnchanged      Type = "entry.unchanged"
	EntryFailed         Type = "entry.failed"
)

// Event is one structured event emitted during a reconciliation pass.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	PassID    string         `json:"pass_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// New creates an event stamped with the current time.
func New(eventType Type, passID string) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		PassID:    passID,
	}
}

// WithData adds a data field and returns the event for chaining.
func (e *Event) WithData(key string, value any) *Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// JSON returns the event serialized as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Emitter is the interface for event consumers.
type Emitter interface {
	Emit(event *Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements Emitter by discarding the event.
func (NoopEmitter) Emit(*Event) {}

// CollectorEmitter collects events in memory, for tests and for the
// CLI's event-log export.
type CollectorEmitter struct {
	Events []*Event
}

// Emit appends the event to the collector.
func (c *CollectorEmitter) Emit(event *Event) {
	c.Events = append(c.Events, event)
}
