// Package redis implements operation.Store on Redis. Sequence numbers use
// atomic counters (INCR), event logs are Sorted Sets scored by sequence
// number, and operation metadata lives in Hashes. All keys carry a finite
// TTL so operations expire regardless of status.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opsline/opbus/operation"
)

// Compile-time interface check.
var _ operation.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithDefaultTTL sets the record lifetime applied when an append carries
// no explicit TTL. Defaults to one hour.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *Store) { s.defaultTTL = d }
}

// Store implements operation.Store backed by Redis.
type Store struct {
	client     redis.Cmdable
	logger     *slog.Logger
	defaultTTL time.Duration
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default(), defaultTTL: time.Hour}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrapUnavailable("ping", err)
	}
	return nil
}

// Close is a no-op — the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// wrapUnavailable tags a transport failure with operation.ErrUnavailable
// so producers can classify it without depending on redis error types.
func wrapUnavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", operation.ErrUnavailable, op, err)
}
