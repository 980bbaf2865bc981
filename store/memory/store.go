// Package memory implements operation.Store entirely in process memory.
// Safe for concurrent access. Intended for unit testing and for
// single-process embeddings that don't need durability.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/opsline/opbus/id"
	"github.com/opsline/opbus/operation"
)

// Ensure Store implements operation.Store at compile time.
var _ operation.Store = (*Store)(nil)

// record bundles an operation's metadata, its log, and its sequence
// counter under one entry so appends stay atomic under the store mutex.
type record struct {
	op     *operation.Operation
	events []*operation.Event
	seq    uint64
	expiry time.Time
}

// Store is a fully in-memory implementation of operation.Store.
type Store struct {
	mu         sync.Mutex
	ops        map[string]*record
	defaultTTL time.Duration

	// now is swappable for expiry tests.
	now func() time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithDefaultTTL sets the record lifetime applied when an append carries
// no explicit TTL. Defaults to one hour.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *Store) { s.defaultTTL = d }
}

// WithClock overrides the time source. Tests use this to force expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		ops:        make(map[string]*record),
		defaultTTL: time.Hour,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping always succeeds for the memory store.
func (s *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

// CreateOperation persists a new operation with status pending and a
// zeroed sequence counter.
func (s *Store) CreateOperation(_ context.Context, op *operation.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	ttl := op.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	cp := *op
	cp.Status = operation.StatusPending
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.TTL = ttl

	s.ops[op.ID.String()] = &record{op: &cp, expiry: now.Add(ttl)}
	return nil
}

// AppendEvent assigns the next sequence number and appends under the
// store mutex, so concurrent appends to one operation observe strictly
// increasing, gapless numbering.
func (s *Store) AppendEvent(_ context.Context, opID id.OperationID, et operation.EventType, payload map[string]any, opts ...operation.AppendOption) (*operation.Event, error) {
	o := operation.BuildAppendOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	rec := s.live(opID, now)
	if rec == nil {
		if !o.Lenient {
			return nil, operation.ErrNotFound
		}
		rec = s.synthesize(opID, o.Owner, now)
	}

	rec.seq++
	evt := &operation.Event{
		ID:          id.NewEventID(),
		OperationID: opID,
		Type:        et,
		Sequence:    rec.seq,
		Timestamp:   now,
		Payload:     payload,
	}
	rec.events = append(rec.events, evt)

	if next, ok := operation.NextStatus(rec.op.Status, et); ok {
		rec.op.Status = next
		rec.op.UpdatedAt = now
		applyTerminalFields(rec.op, et, payload)
	}

	ttl := o.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	rec.op.TTL = ttl
	rec.expiry = now.Add(ttl)

	return evt, nil
}

// GetEvents range-reads the log ascending by sequence, inclusive of fromSeq.
func (s *Store) GetEvents(_ context.Context, opID id.OperationID, fromSeq uint64, limit int) ([]*operation.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.live(opID, s.now().UTC())
	if rec == nil {
		return nil, operation.ErrNotFound
	}

	var out []*operation.Event
	for _, evt := range rec.events {
		if evt.Sequence < fromSeq {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetMetadata returns a snapshot of the operation's metadata record.
func (s *Store) GetMetadata(_ context.Context, opID id.OperationID) (*operation.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.live(opID, s.now().UTC())
	if rec == nil {
		return nil, operation.ErrNotFound
	}
	cp := *rec.op
	return &cp, nil
}

// CancelOperation appends a cancelled event carrying the reason.
func (s *Store) CancelOperation(ctx context.Context, opID id.OperationID, reason string) error {
	_, err := s.AppendEvent(ctx, opID, operation.EventCancelled, map[string]any{"reason": reason})
	return err
}

// ReapExpired removes records past their deadline and assigns the default
// TTL to any record missing one. Returns the number of records touched.
func (s *Store) ReapExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	fixed := 0
	for key, rec := range s.ops {
		switch {
		case rec.expiry.IsZero():
			rec.expiry = now.Add(s.defaultTTL)
			fixed++
		case now.After(rec.expiry):
			delete(s.ops, key)
			fixed++
		}
	}
	return fixed, nil
}

// live returns the record for opID if present and unexpired, deleting it
// lazily when the deadline has passed. Caller holds s.mu.
func (s *Store) live(opID id.OperationID, now time.Time) *record {
	rec, ok := s.ops[opID.String()]
	if !ok {
		return nil
	}
	if !rec.expiry.IsZero() && now.After(rec.expiry) {
		delete(s.ops, opID.String())
		return nil
	}
	return rec
}

// synthesize creates minimal metadata for a lenient append against a
// missing record. Caller holds s.mu.
func (s *Store) synthesize(opID id.OperationID, owner string, now time.Time) *record {
	rec := &record{
		op: &operation.Operation{
			ID:        opID,
			Type:      "unknown",
			OwnerID:   owner,
			Status:    operation.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
			TTL:       s.defaultTTL,
		},
		expiry: now.Add(s.defaultTTL),
	}
	s.ops[opID.String()] = rec
	return rec
}

// applyTerminalFields populates error_message / result_data on terminal
// transitions.
func applyTerminalFields(op *operation.Operation, et operation.EventType, payload map[string]any) {
	switch et {
	case operation.EventCompleted:
		if len(payload) > 0 {
			op.ResultData = payload
		}
	case operation.EventError:
		if msg, ok := payload["error"].(string); ok {
			op.ErrorMessage = msg
		}
	case operation.EventCancelled:
		if reason, ok := payload["reason"].(string); ok {
			op.ErrorMessage = reason
		}
	}
}
