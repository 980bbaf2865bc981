package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/opsline/opbus/backoff"
	"github.com/opsline/opbus/id"
	"github.com/opsline/opbus/operation"
)

// Compile-time interface check.
var _ Bridge = (*Redis)(nil)

// topicKey returns the pub/sub channel for an operation: opbus:topic:{id}
func topicKey(opID string) string { return "opbus:topic:" + opID }

// RedisOption configures the Redis bridge.
type RedisOption func(*Redis)

// WithBackoff sets the relay reconnect strategy. Defaults to exponential
// with full jitter.
func WithBackoff(b backoff.Strategy) RedisOption {
	return func(r *Redis) { r.bo = b }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) RedisOption {
	return func(r *Redis) { r.logger = l }
}

// Redis is a cross-process bridge on Redis pub/sub. Publish sends the
// serialized event to the operation's channel; the relay loop (Run)
// forwards received messages to the local sink, retrying its subscription
// connection with backoff when it drops.
type Redis struct {
	client goredis.UniversalClient
	sink   Sink
	logger *slog.Logger
	bo     backoff.Strategy
	refs   *refcounts

	// mu guards ps and closed. The relay loop replaces ps on reconnect;
	// Subscribe/Unsubscribe mutate its channel set concurrently.
	mu     sync.Mutex
	ps     *goredis.PubSub
	closed bool
}

// NewRedis creates a redis-backed bridge delivering received topic
// messages to sink. The caller owns the Redis client lifecycle.
func NewRedis(client goredis.UniversalClient, sink Sink, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		sink:   sink,
		logger: slog.Default(),
		bo:     backoff.DefaultStrategy(),
		refs:   newRefcounts(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Publish sends the event to the operation's topic channel. Delivery is
// fire-and-forget: subscribers that miss it recover via store replay.
func (r *Redis) Publish(ctx context.Context, evt *operation.Event) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.mu.Unlock()

	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, topicKey(evt.OperationID.String()), data).Err()
}

// Subscribe opens the operation's topic on the 0→1 ref transition.
func (r *Redis) Subscribe(opID id.OperationID) {
	topic := topicKey(opID.String())
	if !r.refs.inc(opID.String()) {
		return
	}
	r.mu.Lock()
	ps := r.ps
	r.mu.Unlock()
	if ps == nil {
		return // relay not running yet; Run subscribes active topics on start
	}
	if err := ps.Subscribe(context.Background(), topic); err != nil {
		r.logger.Warn("topic subscribe failed, relay will resubscribe on reconnect",
			slog.String("topic", topic), slog.Any("error", err))
	}
}

// Unsubscribe closes the operation's topic on the 1→0 ref transition.
func (r *Redis) Unsubscribe(opID id.OperationID) {
	topic := topicKey(opID.String())
	if !r.refs.dec(opID.String()) {
		return
	}
	r.mu.Lock()
	ps := r.ps
	r.mu.Unlock()
	if ps == nil {
		return
	}
	if err := ps.Unsubscribe(context.Background(), topic); err != nil {
		r.logger.Warn("topic unsubscribe failed",
			slog.String("topic", topic), slog.Any("error", err))
	}
}

// Run drives the relay loop until ctx is cancelled. On a receive error
// the subscription connection is torn down and rebuilt with backoff, then
// every ref-counted topic is resubscribed. Messages missed during the
// outage are not replayed here.
func (r *Redis) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		ps, err := r.connect(ctx)
		if err != nil {
			return err
		}

		err = r.receive(ctx, ps)
		r.detach(ps)
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		delay := r.bo.Delay(attempt)
		r.logger.Warn("relay subscription lost, reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// connect opens a fresh subscription covering all ref-counted topics.
func (r *Redis) connect(ctx context.Context) (*goredis.PubSub, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	topics := r.refs.active()
	channels := make([]string, len(topics))
	for i, t := range topics {
		channels[i] = topicKey(t)
	}

	ps := r.client.Subscribe(ctx, channels...)
	r.ps = ps
	return ps, nil
}

// receive forwards messages to the sink until the subscription errors or
// ctx is cancelled.
func (r *Redis) receive(ctx context.Context, ps *goredis.PubSub) error {
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return err
		}

		var evt operation.Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			r.logger.Warn("dropping undecodable relay message",
				slog.String("channel", msg.Channel), slog.Any("error", err))
			continue
		}
		r.sink.Broadcast(ctx, &evt)
	}
}

// detach clears the active subscription reference and closes it.
func (r *Redis) detach(ps *goredis.PubSub) {
	r.mu.Lock()
	if r.ps == ps {
		r.ps = nil
	}
	r.mu.Unlock()
	_ = ps.Close()
}

// Close shuts the bridge down. The relay loop exits on its next receive.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.ps != nil {
		err := r.ps.Close()
		r.ps = nil
		return err
	}
	return nil
}
