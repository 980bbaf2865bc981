package opbus

import (
	"errors"

	"github.com/opsline/opbus/fanout"
	"github.com/opsline/opbus/operation"
	"github.com/opsline/opbus/stream"
)

// Sentinel errors from subpackages, re-exported so embedders can match
// with errors.Is against a single package.
var (
	// ErrOperationNotFound is returned when an operation's metadata is
	// absent or has expired.
	ErrOperationNotFound = operation.ErrNotFound

	// ErrStoreUnavailable wraps transport failures talking to the backing
	// store.
	ErrStoreUnavailable = operation.ErrUnavailable

	// ErrConnectionLimit is returned when opening a stream would exceed
	// the per-user connection cap.
	ErrConnectionLimit = stream.ErrConnectionLimit

	// ErrBridgeClosed is returned when publishing through a closed
	// fanout bridge.
	ErrBridgeClosed = fanout.ErrClosed
)

// Errors originating in the bus itself.
var (
	// ErrNoStore is returned by New when no store is provided.
	ErrNoStore = errors.New("opbus: no store configured")

	// ErrAccessDenied is returned when the requester does not own the
	// operation it is trying to read, stream, or cancel.
	ErrAccessDenied = errors.New("opbus: access denied")

	// ErrAlreadyTerminal is returned by Cancel when the operation has
	// already reached a terminal status.
	ErrAlreadyTerminal = errors.New("opbus: operation already in a terminal state")

	// ErrStreamClosed is returned by StreamReader.Next after the stream
	// has been closed.
	ErrStreamClosed = errors.New("opbus: stream closed")
)
