package operation

import (
	"time"

	"github.com/opsline/opbus/id"
)

// Status represents the lifecycle status of an operation.
type Status string

const (
	// StatusPending means the operation has been created but no work
	// has started yet.
	StatusPending Status = "pending"
	// StatusRunning means a producer is actively working on the operation.
	StatusRunning Status = "running"
	// StatusCompleted means the operation finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the operation ended with an error.
	StatusFailed Status = "failed"
	// StatusCancelled means the operation was cancelled before completion.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. No transition is legal
// out of a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// NextStatus applies the central status transition rule: given the
// operation's current status and an incoming event type, it returns the
// resulting status and whether the transition is legal.
//
// A second terminal event against an already-terminal operation returns
// (current, false); callers treat that as a no-op rather than an error,
// since multiple producers racing to finalize is a realistic failure mode.
func NextStatus(current Status, et EventType) (Status, bool) {
	if current.Terminal() {
		return current, false
	}
	switch et {
	case EventStarted:
		return StatusRunning, true
	case EventProgress:
		if current == StatusPending {
			return StatusRunning, true
		}
		return current, true
	case EventCompleted:
		return StatusCompleted, true
	case EventError:
		return StatusFailed, true
	case EventCancelled:
		return StatusCancelled, true
	}
	// Free-form domain subtypes carry no lifecycle semantics.
	return current, true
}

// Operation is a trackable unit of producer-initiated work. It is the
// single current-status record for an append-only event log; the log
// itself is authoritative, the Operation is a snapshot.
type Operation struct {
	ID           id.OperationID `json:"id"`
	Type         string         `json:"type"`
	OwnerID      string         `json:"owner_id"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Status       Status         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ResultData   map[string]any `json:"result_data,omitempty"`

	// TTL is the remaining lifetime the store assigned to this record.
	// Operations are not permanent records; they expire regardless of status.
	TTL time.Duration `json:"ttl,omitempty"`
}
