package operation

import (
	"testing"

	"github.com/opsline/opbus/id"
)

func TestNextStatusLifecycle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		current Status
		event   EventType
		want    Status
		ok      bool
	}{
		{"started from pending", StatusPending, EventStarted, StatusRunning, true},
		{"progress from pending", StatusPending, EventProgress, StatusRunning, true},
		{"progress keeps running", StatusRunning, EventProgress, StatusRunning, true},
		{"completed from running", StatusRunning, EventCompleted, StatusCompleted, true},
		{"completed from pending", StatusPending, EventCompleted, StatusCompleted, true},
		{"error from running", StatusRunning, EventError, StatusFailed, true},
		{"cancelled from pending", StatusPending, EventCancelled, StatusCancelled, true},
		{"domain subtype keeps status", StatusRunning, EventType("rows_copied"), StatusRunning, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextStatus(tt.current, tt.event)
			if got != tt.want || ok != tt.ok {
				t.Errorf("NextStatus(%q, %q) = (%q, %v), want (%q, %v)",
					tt.current, tt.event, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestNextStatusTerminalIsFinal(t *testing.T) {
	t.Parallel()

	for _, terminal := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		for _, et := range []EventType{EventStarted, EventProgress, EventCompleted, EventError, EventCancelled} {
			got, ok := NextStatus(terminal, et)
			if ok {
				t.Errorf("NextStatus(%q, %q) reported a legal transition out of a terminal status", terminal, et)
			}
			if got != terminal {
				t.Errorf("NextStatus(%q, %q) = %q, want status unchanged", terminal, et, got)
			}
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning} {
		if s.Terminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
}

func TestEventTypeClassification(t *testing.T) {
	t.Parallel()

	if !EventCompleted.Terminal() || !EventError.Terminal() || !EventCancelled.Terminal() {
		t.Error("completed/error/cancelled should be terminal event types")
	}
	if EventStarted.Terminal() || EventProgress.Terminal() {
		t.Error("started/progress should not be terminal event types")
	}
	if !EventStreamEnd.Synthetic() || !EventKeepalive.Synthetic() {
		t.Error("stream_end/keepalive should be synthetic")
	}
	if EventProgress.Synthetic() {
		t.Error("progress should not be synthetic")
	}
}

func TestNewSynthetic(t *testing.T) {
	t.Parallel()

	opID := id.NewOperationID()
	evt := NewSynthetic(opID, EventKeepalive)
	if evt.Sequence != 0 {
		t.Errorf("synthetic event sequence = %d, want 0", evt.Sequence)
	}
	if evt.OperationID != opID {
		t.Error("synthetic event should carry the operation id")
	}
	if evt.Timestamp.IsZero() {
		t.Error("synthetic event should be timestamped")
	}
}

func TestEventPayloadAccessors(t *testing.T) {
	t.Parallel()

	evt := &Event{Payload: map[string]any{"message": "halfway", "error": "boom"}}
	if evt.Message() != "halfway" {
		t.Errorf("Message() = %q, want %q", evt.Message(), "halfway")
	}
	if evt.ErrorText() != "boom" {
		t.Errorf("ErrorText() = %q, want %q", evt.ErrorText(), "boom")
	}

	empty := &Event{}
	if empty.Message() != "" || empty.ErrorText() != "" {
		t.Error("nil payload accessors should return empty strings")
	}
}
