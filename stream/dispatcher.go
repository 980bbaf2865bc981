// Package stream provides the in-process connection registry and fan-out
// for live operation events. Each client connection owns a bounded
// delivery queue; broadcasts never block on a slow consumer — a connection
// whose queue overflows is forcibly evicted, and the client recovers by
// replaying from the durable event log.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opsline/opbus/id"
	"github.com/opsline/opbus/observability"
	"github.com/opsline/opbus/operation"
)

var (
	// ErrConnectionLimit is returned when an owner already holds the
	// maximum number of live connections.
	ErrConnectionLimit = errors.New("opbus: connection limit exceeded")
)

// Default dispatcher tunables.
const (
	DefaultMaxConnectionsPerUser = 5
	DefaultQueueCapacity         = 100
)

// Subscriptions is notified when an operation gains its first local
// connection and loses its last one. The fanout bridge implements it to
// ref-count topic subscriptions; a nil Subscriptions disables the hooks.
type Subscriptions interface {
	Subscribe(opID id.OperationID)
	Unsubscribe(opID id.OperationID)
}

// Dispatcher is the in-process registry of live stream connections.
// It is safe for concurrent use.
type Dispatcher struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	subs    Subscriptions

	maxPerUser int
	queueCap   int

	// hookMu is held across a registry transition and its Subscriptions
	// hook so hooks fire in registry order: without it, a first-Add and a
	// racing last-Remove could invoke Unsubscribe before the pending
	// Subscribe and leak a topic subscription with no local connections.
	hookMu sync.Mutex

	mu       sync.RWMutex
	conns    map[string]map[string]*Connection // operationID → connectionID → conn
	perOwner map[string]int

	totalDropped atomic.Int64
	totalEvicted atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxConnectionsPerUser caps concurrent connections per owner.
func WithMaxConnectionsPerUser(n int) Option {
	return func(d *Dispatcher) { d.maxPerUser = n }
}

// WithQueueCapacity bounds each connection's delivery queue.
func WithQueueCapacity(n int) Option {
	return func(d *Dispatcher) { d.queueCap = n }
}

// WithSubscriptions wires the fanout bridge's ref-counted topic hooks.
func WithSubscriptions(s Subscriptions) Option {
	return func(d *Dispatcher) { d.subs = s }
}

// WithMetrics wires delivery metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a connection dispatcher.
func NewDispatcher(logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:     logger,
		maxPerUser: DefaultMaxConnectionsPerUser,
		queueCap:   DefaultQueueCapacity,
		conns:      make(map[string]map[string]*Connection),
		perOwner:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Add registers a new connection for the operation, enforcing the
// per-owner cap. Returns the connection whose channel the transport
// layer should drain.
func (d *Dispatcher) Add(ctx context.Context, opID id.OperationID, connID id.ConnectionID, ownerID string) (*Connection, error) {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()

	d.mu.Lock()
	if d.perOwner[ownerID] >= d.maxPerUser {
		d.mu.Unlock()
		return nil, ErrConnectionLimit
	}

	conn := newConnection(connID, opID, ownerID, d.queueCap)
	key := opID.String()
	set, ok := d.conns[key]
	if !ok {
		set = make(map[string]*Connection)
		d.conns[key] = set
	}
	first := len(set) == 0
	set[connID.String()] = conn
	d.perOwner[ownerID]++
	d.mu.Unlock()

	if first && d.subs != nil {
		d.subs.Subscribe(opID)
	}
	d.metrics.ConnectionOpened(ctx)
	return conn, nil
}

// Remove deregisters a connection and frees its resources. Idempotent.
func (d *Dispatcher) Remove(ctx context.Context, opID id.OperationID, connID id.ConnectionID) {
	key := opID.String()

	d.hookMu.Lock()
	defer d.hookMu.Unlock()

	d.mu.Lock()
	set, ok := d.conns[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	conn, ok := set[connID.String()]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(set, connID.String())
	last := len(set) == 0
	if last {
		delete(d.conns, key)
	}
	if d.perOwner[conn.ownerID] > 0 {
		d.perOwner[conn.ownerID]--
		if d.perOwner[conn.ownerID] == 0 {
			delete(d.perOwner, conn.ownerID)
		}
	}
	d.mu.Unlock()

	conn.close()
	if last && d.subs != nil {
		d.subs.Unsubscribe(opID)
	}
	d.metrics.ConnectionClosed(ctx)
}

// Broadcast delivers an event to every connection registered under the
// operation with a non-blocking enqueue. A connection whose queue is full
// gets a best-effort synthetic error event and is forcibly evicted, so a
// slow consumer never stalls the producer or its peers. Returns the
// number of connections that received the event.
func (d *Dispatcher) Broadcast(ctx context.Context, evt *operation.Event) int {
	d.mu.RLock()
	set := d.conns[evt.OperationID.String()]
	// Copy to avoid holding the lock during sends.
	targets := make([]*Connection, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	d.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if conn.send(evt) {
			delivered++
			continue
		}
		if conn.closed.Load() {
			continue
		}
		d.totalDropped.Add(1)
		d.metrics.Dropped(ctx, 1)
		d.evict(ctx, conn)
	}
	d.metrics.Delivered(ctx, int64(delivered))
	return delivered
}

// evict removes a slow consumer, attempting a synthetic error event on
// its queue first so the client learns why the stream ended. The attempt
// is swallowed if the queue is still full.
func (d *Dispatcher) evict(ctx context.Context, conn *Connection) {
	overflow := &operation.Event{
		ID:          id.NewEventID(),
		OperationID: conn.operationID,
		Type:        operation.EventError,
		Timestamp:   time.Now().UTC(),
		Payload:     map[string]any{"error": "event queue overflow, connection evicted"},
	}
	conn.send(overflow)

	d.totalEvicted.Add(1)
	d.metrics.Evicted(ctx)
	d.logger.Warn("evicting slow stream connection",
		slog.String("connection_id", conn.id.String()),
		slog.String("operation_id", conn.operationID.String()),
	)
	d.Remove(ctx, conn.operationID, conn.id)
}

// SweepIdle injects a synthetic keepalive into every connection that has
// received nothing for at least idle. Keepalives carry sequence 0 and are
// never persisted; they exist to defeat proxy idle timeouts. Returns the
// number of keepalives sent.
func (d *Dispatcher) SweepIdle(ctx context.Context, idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	now := time.Now()

	d.mu.RLock()
	var targets []*Connection
	for _, set := range d.conns {
		for _, c := range set {
			if c.idleSince(now, idle) {
				targets = append(targets, c)
			}
		}
	}
	d.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if conn.send(operation.NewSynthetic(conn.operationID, operation.EventKeepalive)) {
			sent++
		}
	}
	return sent
}

// ConnectionCount returns the number of live connections for an operation.
func (d *Dispatcher) ConnectionCount(opID id.OperationID) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.conns[opID.String()])
}

// OwnerCount returns the number of live connections held by an owner.
func (d *Dispatcher) OwnerCount(ownerID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.perOwner[ownerID]
}

// Stats returns dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	ops := len(d.conns)
	conns := 0
	for _, set := range d.conns {
		conns += len(set)
	}
	d.mu.RUnlock()

	return Stats{
		Operations:   ops,
		Connections:  conns,
		TotalDropped: d.totalDropped.Load(),
		TotalEvicted: d.totalEvicted.Load(),
	}
}

// Stats contains dispatcher metrics.
type Stats struct {
	Operations   int   `json:"operations"`
	Connections  int   `json:"connections"`
	TotalDropped int64 `json:"total_dropped"`
	TotalEvicted int64 `json:"total_evicted"`
}

// Shutdown closes every connection and clears the registry.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()

	d.mu.Lock()
	sets := d.conns
	d.conns = make(map[string]map[string]*Connection)
	d.perOwner = make(map[string]int)
	d.mu.Unlock()

	for key, set := range sets {
		for _, conn := range set {
			conn.close()
			d.metrics.ConnectionClosed(ctx)
		}
		if d.subs != nil {
			if opID, err := id.ParseOperationID(key); err == nil {
				d.subs.Unsubscribe(opID)
			}
		}
	}
	d.logger.Info("stream dispatcher shut down")
}
