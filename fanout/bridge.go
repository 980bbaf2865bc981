// Package fanout relays events appended in one process to stream
// dispatchers in other processes, via per-operation topic pub/sub with
// ref-counted subscriptions.
//
// The bridge is a low-latency push optimization layered on top of the
// durable event store; its failure affects latency, never correctness.
// Messages dropped during an outage are not retried here — clients
// recover by replaying from the store.
package fanout

import (
	"context"
	"errors"
	"sync"

	"github.com/opsline/opbus/id"
	"github.com/opsline/opbus/operation"
)

// ErrClosed is returned when publishing through a closed bridge.
var ErrClosed = errors.New("opbus: fanout bridge closed")

// Sink receives relayed events. The stream dispatcher implements it.
type Sink interface {
	Broadcast(ctx context.Context, evt *operation.Event) int
}

// Bridge makes an event appended in one process visible to dispatchers in
// other processes. Subscribe/Unsubscribe are ref-counted per operation:
// the topic is opened on the 0→1 transition and closed on 1→0, bounding
// open subscriptions to the number of operations with local viewers.
//
// Bridge satisfies stream.Subscriptions, so a dispatcher can notify it
// directly as connections come and go.
type Bridge interface {
	// Publish sends a freshly stored event to the operation's topic.
	Publish(ctx context.Context, evt *operation.Event) error

	// Subscribe registers local interest in an operation's topic.
	Subscribe(opID id.OperationID)

	// Unsubscribe releases local interest in an operation's topic.
	Unsubscribe(opID id.OperationID)

	// Run drives the relay loop, forwarding received topic messages to
	// the sink until ctx is cancelled.
	Run(ctx context.Context) error

	// Close releases bridge resources.
	Close() error
}

// refcounts tracks per-topic subscription counts.
type refcounts struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRefcounts() *refcounts {
	return &refcounts{counts: make(map[string]int)}
}

// inc increments the count for key and reports a 0→1 transition.
func (r *refcounts) inc(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[key]++
	return r.counts[key] == 1
}

// dec decrements the count for key and reports a 1→0 transition.
func (r *refcounts) dec(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.counts[key]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(r.counts, key)
		return true
	}
	r.counts[key] = n - 1
	return false
}

// active returns a snapshot of all keys with a non-zero count.
func (r *refcounts) active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.counts))
	for k := range r.counts {
		keys = append(keys, k)
	}
	return keys
}
