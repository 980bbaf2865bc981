package operation

import (
	"context"
	"errors"
	"time"

	"github.com/opsline/opbus/id"
)

var (
	// ErrNotFound is returned when an operation's metadata record is
	// absent or has expired.
	ErrNotFound = errors.New("opbus: operation not found")

	// ErrUnavailable wraps transport failures talking to the backing
	// store. Producers see it synchronously so they can decide to retry.
	ErrUnavailable = errors.New("opbus: store unavailable")
)

// Store defines the persistence contract for operations and their
// append-only event logs. Implementations must assign sequence numbers
// atomically so that concurrent appends to one operation observe strictly
// increasing, gapless numbering.
type Store interface {
	// CreateOperation writes the metadata record with status pending and
	// initializes the sequence counter to zero.
	CreateOperation(ctx context.Context, op *Operation) error

	// AppendEvent atomically assigns the next sequence number, appends the
	// event to the operation's log, refreshes the log TTL, and updates the
	// metadata record's status per the transition rule. A terminal event
	// against an already-terminal operation is appended to the log but
	// leaves the recorded status untouched (no error).
	//
	// Fails with ErrNotFound when metadata is absent, unless the append
	// is made lenient via WithLenient, in which case minimal metadata is
	// synthesized instead.
	AppendEvent(ctx context.Context, opID id.OperationID, et EventType, payload map[string]any, opts ...AppendOption) (*Event, error)

	// GetEvents range-reads the log ascending by sequence number,
	// inclusive of fromSeq. limit <= 0 means no limit.
	GetEvents(ctx context.Context, opID id.OperationID, fromSeq uint64, limit int) ([]*Event, error)

	// GetMetadata returns the operation's current metadata snapshot, or
	// ErrNotFound if the record is absent or expired.
	GetMetadata(ctx context.Context, opID id.OperationID) (*Operation, error)

	// CancelOperation appends a cancelled event carrying the reason.
	CancelOperation(ctx context.Context, opID id.OperationID, reason string) error

	// ReapExpired is a backstop sweep ensuring every metadata record has a
	// finite TTL. It returns the number of records fixed or removed. The
	// store's native expiry is the primary mechanism; this is defensive.
	ReapExpired(ctx context.Context) (int, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// AppendOptions carries per-append settings.
type AppendOptions struct {
	// TTL overrides the store's default record lifetime for this append.
	TTL time.Duration

	// Lenient makes the append synthesize minimal metadata when the
	// operation record is missing instead of failing. Fire-and-forget
	// producer paths (background emitters that must not crash on an
	// expired operation) use this; interactive producer paths stay strict
	// so a lost progress event is visible to the caller.
	Lenient bool

	// Owner seeds the owner on metadata synthesized by a lenient append.
	Owner string
}

// AppendOption configures a single AppendEvent call.
type AppendOption func(*AppendOptions)

// WithTTL overrides the default record TTL for this append.
func WithTTL(d time.Duration) AppendOption {
	return func(o *AppendOptions) { o.TTL = d }
}

// WithLenient allows the append to proceed when the operation record is
// missing, synthesizing minimal metadata owned by owner.
func WithLenient(owner string) AppendOption {
	return func(o *AppendOptions) {
		o.Lenient = true
		o.Owner = owner
	}
}

// BuildAppendOptions folds a list of options into a settings struct.
func BuildAppendOptions(opts []AppendOption) AppendOptions {
	var o AppendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
