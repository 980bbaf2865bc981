package fanout

import (
	"context"
	"sync/atomic"

	"github.com/opsline/opbus/id"
	"github.com/opsline/opbus/operation"
)

// Compile-time interface check.
var _ Bridge = (*Loopback)(nil)

// Loopback is an in-process bridge: published events go straight to the
// local sink. It is the default for single-process embeddings and tests,
// where producer and viewers share one dispatcher.
type Loopback struct {
	sink   Sink
	refs   *refcounts
	closed atomic.Bool
}

// NewLoopback creates a loopback bridge delivering to sink.
func NewLoopback(sink Sink) *Loopback {
	return &Loopback{sink: sink, refs: newRefcounts()}
}

// Publish delivers the event directly to the local sink.
func (l *Loopback) Publish(ctx context.Context, evt *operation.Event) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.sink.Broadcast(ctx, evt)
	return nil
}

// Subscribe tracks local interest. The loopback has no remote topic to
// open, but the ref-count keeps Stats meaningful and behavior uniform
// with the redis bridge.
func (l *Loopback) Subscribe(opID id.OperationID) {
	l.refs.inc(opID.String())
}

// Unsubscribe releases local interest.
func (l *Loopback) Unsubscribe(opID id.OperationID) {
	l.refs.dec(opID.String())
}

// Run blocks until ctx is cancelled; the loopback needs no relay loop.
func (l *Loopback) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Close marks the bridge closed; further publishes fail with ErrClosed.
func (l *Loopback) Close() error {
	l.closed.Store(true)
	return nil
}

// ActiveTopics returns the number of operations with local interest.
func (l *Loopback) ActiveTopics() int {
	return len(l.refs.active())
}
