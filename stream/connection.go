package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/opsline/opbus/id"
	"github.com/opsline/opbus/operation"
)

// Connection is a single client's view of one operation's event stream.
// It owns a bounded FIFO delivery queue; the dispatcher enqueues
// non-blockingly and evicts the connection if the queue overflows.
type Connection struct {
	id          id.ConnectionID
	operationID id.OperationID
	ownerID     string

	// ch is the bounded channel events are delivered on.
	ch chan *operation.Event

	// lastEnqueue is the unix-nano time of the last successful delivery,
	// used by the idle-keepalive sweep.
	lastEnqueue atomic.Int64

	// mu serializes send against close: a broadcast racing a removal must
	// never send on the just-closed channel. The enqueue under the lock is
	// non-blocking, so the critical section stays short.
	mu     sync.Mutex
	closed atomic.Bool
}

func newConnection(connID id.ConnectionID, opID id.OperationID, ownerID string, capacity int) *Connection {
	c := &Connection{
		id:          connID,
		operationID: opID,
		ownerID:     ownerID,
		ch:          make(chan *operation.Event, capacity),
	}
	c.lastEnqueue.Store(time.Now().UnixNano())
	return c
}

// ID returns the connection identifier.
func (c *Connection) ID() id.ConnectionID { return c.id }

// OperationID returns the operation this connection is watching.
func (c *Connection) OperationID() id.OperationID { return c.operationID }

// OwnerID returns the identity the connection was opened under.
func (c *Connection) OwnerID() string { return c.ownerID }

// C returns the read-only delivery channel. It is closed when the
// connection is removed from the dispatcher.
func (c *Connection) C() <-chan *operation.Event { return c.ch }

// send attempts a non-blocking enqueue. Returns false if the connection
// is closed or its queue is full.
func (c *Connection) send(evt *operation.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return false
	}
	select {
	case c.ch <- evt:
		c.lastEnqueue.Store(time.Now().UnixNano())
		return true
	default:
		return false
	}
}

// idleSince reports whether no event has been enqueued for at least d.
func (c *Connection) idleSince(now time.Time, d time.Duration) bool {
	return now.Sub(time.Unix(0, c.lastEnqueue.Load())) >= d
}

// close closes the delivery channel. Safe to call multiple times.
func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.CompareAndSwap(false, true) {
		close(c.ch)
	}
}
