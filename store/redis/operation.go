package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/opsline/opbus/id"
	"github.com/opsline/opbus/operation"
)

// CreateOperation writes the metadata Hash with status pending and
// initializes the sequence counter to zero.
func (s *Store) CreateOperation(ctx context.Context, op *operation.Operation) error {
	now := time.Now().UTC()
	ttl := op.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	opID := op.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, metaKey(opID), map[string]any{
		"id":          opID,
		"type":        op.Type,
		"owner_id":    op.OwnerID,
		"resource_id": op.ResourceID,
		"status":      string(operation.StatusPending),
		"created_at":  now.Format(time.RFC3339Nano),
		"updated_at":  now.Format(time.RFC3339Nano),
	})
	pipe.Set(ctx, seqKey(opID), 0, ttl)
	pipe.Expire(ctx, metaKey(opID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapUnavailable("create operation", err)
	}
	return nil
}

// AppendEvent atomically assigns the next sequence number via INCR, adds
// the event to the log Sorted Set, refreshes TTLs, and updates the
// metadata Hash per the transition rule.
//
// The status update is a read-modify-write without cross-process locking:
// two producers racing to finalize resolve to first-writer-wins on the
// Hash, while the log keeps both events. The log is authoritative.
func (s *Store) AppendEvent(ctx context.Context, opID id.OperationID, et operation.EventType, payload map[string]any, opts ...operation.AppendOption) (*operation.Event, error) {
	o := operation.BuildAppendOptions(opts)
	oid := opID.String()
	now := time.Now().UTC()

	status, err := s.currentStatus(ctx, oid)
	if err != nil {
		return nil, err
	}
	if status == "" {
		if !o.Lenient {
			return nil, operation.ErrNotFound
		}
		if err := s.synthesizeMeta(ctx, oid, o.Owner, now); err != nil {
			return nil, err
		}
		status = operation.StatusPending
	}

	seq, err := s.client.Incr(ctx, seqKey(oid)).Result()
	if err != nil {
		return nil, wrapUnavailable("append incr", err)
	}

	evt := &operation.Event{
		ID:          id.NewEventID(),
		OperationID: opID,
		Type:        et,
		Sequence:    uint64(seq),
		Timestamp:   now,
		Payload:     payload,
	}
	member, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("opbus/redis: marshal event: %w", err)
	}

	ttl := o.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, logKey(oid), goredis.Z{Score: float64(seq), Member: string(member)})
	if next, ok := operation.NextStatus(status, et); ok {
		fields := map[string]any{
			"status":     string(next),
			"updated_at": now.Format(time.RFC3339Nano),
		}
		addTerminalFields(fields, et, payload)
		pipe.HSet(ctx, metaKey(oid), fields)
	}
	pipe.Expire(ctx, metaKey(oid), ttl)
	pipe.Expire(ctx, seqKey(oid), ttl)
	pipe.Expire(ctx, logKey(oid), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, wrapUnavailable("append event", err)
	}
	return evt, nil
}

// GetEvents range-reads the log ascending by sequence, inclusive of fromSeq.
func (s *Store) GetEvents(ctx context.Context, opID id.OperationID, fromSeq uint64, limit int) ([]*operation.Event, error) {
	rangeBy := &goredis.ZRangeBy{
		Min: strconv.FormatUint(fromSeq, 10),
		Max: "+inf",
	}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}
	members, err := s.client.ZRangeByScore(ctx, logKey(opID.String()), rangeBy).Result()
	if err != nil {
		return nil, wrapUnavailable("get events", err)
	}

	events := make([]*operation.Event, 0, len(members))
	for _, m := range members {
		var evt operation.Event
		if err := json.Unmarshal([]byte(m), &evt); err != nil {
			return nil, fmt.Errorf("opbus/redis: decode event: %w", err)
		}
		events = append(events, &evt)
	}
	return events, nil
}

// GetMetadata returns the operation's metadata snapshot.
func (s *Store) GetMetadata(ctx context.Context, opID id.OperationID) (*operation.Operation, error) {
	oid := opID.String()
	vals, err := s.client.HGetAll(ctx, metaKey(oid)).Result()
	if err != nil {
		return nil, wrapUnavailable("get metadata", err)
	}
	if len(vals) == 0 {
		return nil, operation.ErrNotFound
	}

	op, err := mapToOperation(vals)
	if err != nil {
		return nil, err
	}
	if remaining, ttlErr := s.client.TTL(ctx, metaKey(oid)).Result(); ttlErr == nil && remaining > 0 {
		op.TTL = remaining
	}
	return op, nil
}

// CancelOperation appends a cancelled event carrying the reason.
func (s *Store) CancelOperation(ctx context.Context, opID id.OperationID, reason string) error {
	_, err := s.AppendEvent(ctx, opID, operation.EventCancelled, map[string]any{"reason": reason})
	return err
}

// ReapExpired scans metadata keys and assigns the default TTL to any
// record missing one. Redis-native expiry is the primary mechanism; this
// backstop only repairs keys that somehow lost their deadline.
func (s *Store) ReapExpired(ctx context.Context) (int, error) {
	fixed := 0
	iter := s.client.Scan(ctx, 0, metaKeyPattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		remaining, err := s.client.TTL(ctx, key).Result()
		if err != nil {
			return fixed, wrapUnavailable("reap ttl", err)
		}
		if remaining == -1 { // key exists but has no expiry
			if err := s.client.Expire(ctx, key, s.defaultTTL).Err(); err != nil {
				return fixed, wrapUnavailable("reap expire", err)
			}
			s.logger.Warn("assigned missing TTL to operation record", "key", key)
			fixed++
		}
	}
	if err := iter.Err(); err != nil {
		return fixed, wrapUnavailable("reap scan", err)
	}
	return fixed, nil
}

// currentStatus reads the status field of the metadata Hash. Returns ""
// when the record is absent.
func (s *Store) currentStatus(ctx context.Context, oid string) (operation.Status, error) {
	val, err := s.client.HGet(ctx, metaKey(oid), "status").Result()
	if err == goredis.Nil {
		return "", nil
	}
	if err != nil {
		return "", wrapUnavailable("read status", err)
	}
	return operation.Status(val), nil
}

// synthesizeMeta creates minimal metadata for a lenient append against a
// missing record.
func (s *Store) synthesizeMeta(ctx context.Context, oid, owner string, now time.Time) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, metaKey(oid), map[string]any{
		"id":         oid,
		"type":       "unknown",
		"owner_id":   owner,
		"status":     string(operation.StatusPending),
		"created_at": now.Format(time.RFC3339Nano),
		"updated_at": now.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, metaKey(oid), s.defaultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapUnavailable("synthesize metadata", err)
	}
	s.logger.Warn("lenient append synthesized metadata for missing operation", "operation_id", oid)
	return nil
}

// addTerminalFields folds error_message / result_data into the Hash update
// on terminal transitions.
func addTerminalFields(fields map[string]any, et operation.EventType, payload map[string]any) {
	switch et {
	case operation.EventCompleted:
		if len(payload) > 0 {
			if data, err := json.Marshal(payload); err == nil {
				fields["result_data"] = string(data)
			}
		}
	case operation.EventError:
		if msg, ok := payload["error"].(string); ok {
			fields["error_message"] = msg
		}
	case operation.EventCancelled:
		if reason, ok := payload["reason"].(string); ok {
			fields["error_message"] = reason
		}
	}
}

// mapToOperation decodes a metadata Hash into an Operation.
func mapToOperation(m map[string]string) (*operation.Operation, error) {
	opID, err := id.ParseOperationID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("opbus/redis: parse operation id: %w", err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])

	op := &operation.Operation{
		ID:           opID,
		Type:         m["type"],
		OwnerID:      m["owner_id"],
		ResourceID:   m["resource_id"],
		Status:       operation.Status(m["status"]),
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		ErrorMessage: m["error_message"],
	}
	if raw := m["result_data"]; raw != "" {
		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err == nil {
			op.ResultData = data
		}
	}
	return op, nil
}
