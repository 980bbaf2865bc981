// Package operation defines the opbus data model: operations, their
// sequence-numbered event logs, the status transition rule, and the
// Store contract that persistence backends implement.
package operation

import (
	"time"

	"github.com/opsline/opbus/id"
)

// EventType identifies the kind of event appended to an operation's log.
// The five core types carry lifecycle semantics; producers may also use
// free-form domain subtypes (e.g. "rows_copied") which leave the
// operation's status untouched.
type EventType string

const (
	// EventStarted marks the operation as running.
	EventStarted EventType = "started"
	// EventProgress reports incremental progress on a running operation.
	EventProgress EventType = "progress"
	// EventCompleted is the terminal success event.
	EventCompleted EventType = "completed"
	// EventError is the terminal failure event.
	EventError EventType = "error"
	// EventCancelled is the terminal cancellation event.
	EventCancelled EventType = "cancelled"
)

// Synthetic event types. These are delivery-channel artefacts only: they
// are never persisted and never consume a sequence number.
const (
	// EventStreamEnd is the sentinel emitted after a terminal event has
	// been delivered; the transport should close the connection.
	EventStreamEnd EventType = "stream_end"
	// EventKeepalive is injected into idle streams to defeat intermediary
	// proxy idle timeouts.
	EventKeepalive EventType = "keepalive"
)

// Terminal reports whether the event type finalizes an operation.
func (et EventType) Terminal() bool {
	switch et {
	case EventCompleted, EventError, EventCancelled:
		return true
	}
	return false
}

// Synthetic reports whether the event type is a delivery artefact that is
// never persisted.
func (et EventType) Synthetic() bool {
	return et == EventStreamEnd || et == EventKeepalive
}

// Event is an immutable fact appended to an operation's log.
//
// Sequence numbers are assigned atomically at append time, start at 1,
// and are strictly increasing with no gaps for a given operation.
// Synthetic events carry sequence 0.
type Event struct {
	ID          id.EventID     `json:"id"`
	OperationID id.OperationID `json:"operation_id"`
	Type        EventType      `json:"type"`
	Sequence    uint64         `json:"sequence"`
	Timestamp   time.Time      `json:"ts"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Message returns the "message" payload field, if present.
func (e *Event) Message() string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload["message"].(string)
	return s
}

// ErrorText returns the "error" payload field, if present.
func (e *Event) ErrorText() string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload["error"].(string)
	return s
}

// NewSynthetic builds an unpersisted delivery-channel event (keepalive or
// stream_end) for the given operation.
func NewSynthetic(opID id.OperationID, et EventType) *Event {
	return &Event{
		ID:          id.NewEventID(),
		OperationID: opID,
		Type:        et,
		Sequence:    0,
		Timestamp:   time.Now().UTC(),
	}
}
