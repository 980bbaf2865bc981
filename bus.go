package opbus

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/opsline/opbus/fanout"
	"github.com/opsline/opbus/id"
	"github.com/opsline/opbus/lifecycle"
	"github.com/opsline/opbus/observability"
	"github.com/opsline/opbus/operation"
	"github.com/opsline/opbus/stream"
)

// BridgeFactory builds a fanout bridge delivering to the given sink. The
// indirection lets New wire the dispatcher as the bridge's sink without
// the caller holding either.
type BridgeFactory func(sink fanout.Sink) fanout.Bridge

// Bus wires the event store, the fanout bridge, the stream dispatcher and
// the producer into one embeddable unit. All dependencies are injected;
// nothing is process-global, so multiple buses can coexist in one process
// (and do, in tests).
type Bus struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	store      operation.Store
	bridge     fanout.Bridge
	dispatcher *stream.Dispatcher
	producer   *lifecycle.Producer
}

// Option configures a Bus.
type Option func(*busOptions)

type busOptions struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	factory BridgeFactory
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(o *busOptions) { o.cfg = cfg }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *busOptions) { o.logger = logger }
}

// WithMeter enables metrics on the given OTel meter.
func WithMeter(meter metric.Meter) Option {
	return func(o *busOptions) { o.metrics = observability.NewWithMeter(meter) }
}

// WithBridge selects the fanout bridge. The default is an in-process
// loopback; multi-process deployments pass a factory building
// fanout.NewRedis over a shared client.
func WithBridge(factory BridgeFactory) Option {
	return func(o *busOptions) { o.factory = factory }
}

// relaySink forwards bridge deliveries to the dispatcher. It exists so
// the bridge can be constructed before the dispatcher; the dispatcher
// field is set once during New, before anything runs.
type relaySink struct {
	d *stream.Dispatcher
}

func (s *relaySink) Broadcast(ctx context.Context, evt *operation.Event) int {
	return s.d.Broadcast(ctx, evt)
}

// New creates a Bus over the given store.
func New(store operation.Store, opts ...Option) (*Bus, error) {
	if store == nil {
		return nil, ErrNoStore
	}

	o := &busOptions{
		cfg:    DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.factory == nil {
		o.factory = func(sink fanout.Sink) fanout.Bridge { return fanout.NewLoopback(sink) }
	}

	sink := &relaySink{}
	bridge := o.factory(sink)
	dispatcher := stream.NewDispatcher(o.logger,
		stream.WithMaxConnectionsPerUser(o.cfg.MaxConnectionsPerUser),
		stream.WithQueueCapacity(o.cfg.ConnectionQueueCapacity),
		stream.WithSubscriptions(bridge),
		stream.WithMetrics(o.metrics),
	)
	sink.d = dispatcher

	producer := lifecycle.NewProducer(store, bridge, o.logger,
		lifecycle.WithMetrics(o.metrics),
		lifecycle.WithProgressInterval(o.cfg.ProgressInterval),
		lifecycle.WithDefaultTTL(o.cfg.DefaultTTL),
	)

	return &Bus{
		cfg:        o.cfg,
		logger:     o.logger,
		metrics:    o.metrics,
		store:      store,
		bridge:     bridge,
		dispatcher: dispatcher,
		producer:   producer,
	}, nil
}

// Producer returns the producer surface for emitting operation events.
func (b *Bus) Producer() *lifecycle.Producer { return b.producer }

// Dispatcher exposes the stream dispatcher, mainly for stats endpoints.
func (b *Bus) Dispatcher() *stream.Dispatcher { return b.dispatcher }

// Run drives the bus's background loops until ctx is cancelled: the
// bridge relay, the idle-keepalive sweep, and the expired-record reaper.
// On cancellation it shuts down the dispatcher and closes the bridge.
func (b *Bus) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.bridge.Run(gctx)
	})

	if b.cfg.IdleKeepalive > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(b.cfg.IdleKeepalive)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					b.dispatcher.SweepIdle(gctx, b.cfg.IdleKeepalive)
				}
			}
		})
	}

	if b.cfg.ReapInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(b.cfg.ReapInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					n, err := b.store.ReapExpired(gctx)
					if err != nil {
						b.logger.Warn("expired-record sweep failed", slog.Any("error", err))
						continue
					}
					if n > 0 {
						b.logger.Info("expired-record sweep", slog.Int("fixed", n))
					}
				}
			}
		})
	}

	err := g.Wait()

	shutdownCtx := context.WithoutCancel(ctx)
	b.dispatcher.Shutdown(shutdownCtx)
	if closeErr := b.bridge.Close(); closeErr != nil {
		b.logger.Warn("bridge close failed", slog.Any("error", closeErr))
	}
	return err
}

// GetStatus returns the operation's metadata snapshot, enforcing that the
// requester owns it.
func (b *Bus) GetStatus(ctx context.Context, opID id.OperationID, ownerID string) (*operation.Operation, error) {
	meta, err := b.store.GetMetadata(ctx, opID)
	if err != nil {
		return nil, err
	}
	if meta.OwnerID != ownerID {
		return nil, ErrAccessDenied
	}
	return meta, nil
}

// Cancel requests cancellation of a running operation. Terminal
// operations cannot be cancelled.
func (b *Bus) Cancel(ctx context.Context, opID id.OperationID, ownerID string) error {
	meta, err := b.GetStatus(ctx, opID, ownerID)
	if err != nil {
		return err
	}
	if meta.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	return b.producer.Cancel(ctx, opID, "cancelled by owner")
}

// OpenStream opens a live event stream over an operation. The requester
// must own the operation. Events already in the log starting at fromSeq
// (inclusive) are replayed first, then the stream switches to live
// delivery, deduplicating events that arrive through both paths by
// sequence number. After a terminal event is delivered the stream emits a
// synthetic stream_end sentinel and ends.
//
// The caller must drain the reader promptly or Close it; a reader whose
// live queue overflows is evicted and its stream ends early.
func (b *Bus) OpenStream(ctx context.Context, opID id.OperationID, ownerID string, fromSeq uint64) (*StreamReader, error) {
	meta, err := b.store.GetMetadata(ctx, opID)
	if err != nil {
		return nil, err
	}
	if meta.OwnerID != ownerID {
		return nil, ErrAccessDenied
	}

	// Register the live connection before reading the log so no event
	// falls between replay and live delivery; overlap is deduplicated by
	// the sequence watermark.
	conn, err := b.dispatcher.Add(ctx, opID, id.NewConnectionID(), ownerID)
	if err != nil {
		return nil, err
	}

	replay, err := b.store.GetEvents(ctx, opID, fromSeq, 0)
	if err != nil {
		b.dispatcher.Remove(ctx, opID, conn.ID())
		return nil, err
	}

	r := newStreamReader(b.dispatcher, conn)
	go r.pump(replay, meta.Status.Terminal())
	return r, nil
}
