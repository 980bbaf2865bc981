// Package lifecycle is the producer-facing surface of the bus. Job
// runners interact with operations only through a Producer — never
// touching the store or the fanout bridge directly — so every append goes
// through one code path that persists first and publishes second.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opsline/opbus/fanout"
	"github.com/opsline/opbus/id"
	"github.com/opsline/opbus/observability"
	"github.com/opsline/opbus/operation"
)

// WorkFunc is a unit of work executed under Run. It receives the
// operation id so it can emit progress, and returns the result payload
// recorded on completion.
type WorkFunc func(ctx context.Context, opID id.OperationID) (map[string]any, error)

// Producer emits typed lifecycle and progress events for operations.
type Producer struct {
	store   operation.Store
	bridge  fanout.Bridge
	logger  *slog.Logger
	metrics *observability.Metrics

	// defaultTTL, when non-zero, overrides the store's record lifetime
	// for operations created and events appended through this producer.
	defaultTTL time.Duration

	// progressEvery, when non-zero, rate-limits progress events per
	// operation. Terminal events are never limited.
	progressEvery time.Duration
	limiters      sync.Map // operationID string → *rate.Limiter
}

// Option configures a Producer.
type Option func(*Producer)

// WithMetrics wires producer metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Producer) { p.metrics = m }
}

// WithProgressInterval throttles progress events per operation to at most
// one per interval. Zero (the default) disables throttling.
func WithProgressInterval(d time.Duration) Option {
	return func(p *Producer) { p.progressEvery = d }
}

// WithDefaultTTL overrides the store's record lifetime for operations
// created and events appended through this producer. Per-call
// operation.WithTTL still wins.
func WithDefaultTTL(d time.Duration) Option {
	return func(p *Producer) { p.defaultTTL = d }
}

// NewProducer creates the producer surface over a store and a bridge.
func NewProducer(store operation.Store, bridge fanout.Bridge, logger *slog.Logger, opts ...Option) *Producer {
	p := &Producer{
		store:  store,
		bridge: bridge,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start creates an operation and appends its started event.
func (p *Producer) Start(ctx context.Context, opType, ownerID, resourceID string, initial map[string]any) (id.OperationID, error) {
	op := &operation.Operation{
		ID:         id.NewOperationID(),
		Type:       opType,
		OwnerID:    ownerID,
		ResourceID: resourceID,
		TTL:        p.defaultTTL,
	}
	if err := p.store.CreateOperation(ctx, op); err != nil {
		return id.Nil, err
	}
	if _, err := p.emit(ctx, op.ID, operation.EventStarted, initial); err != nil {
		return id.Nil, err
	}
	return op.ID, nil
}

// Progress appends a progress event. percent < 0 means "not reported".
// Returns false when the event was suppressed by the progress throttle;
// suppression is not an error — the next unthrottled progress or the
// terminal event carries the state forward.
func (p *Producer) Progress(ctx context.Context, opID id.OperationID, message string, percent float64, details map[string]any) (bool, error) {
	if !p.allowProgress(opID) {
		return false, nil
	}

	payload := map[string]any{"message": message}
	if percent >= 0 {
		payload["percent"] = percent
	}
	for k, v := range details {
		payload[k] = v
	}
	_, err := p.emit(ctx, opID, operation.EventProgress, payload)
	return err == nil, err
}

// Complete appends the terminal success event carrying the result.
func (p *Producer) Complete(ctx context.Context, opID id.OperationID, result map[string]any) error {
	_, err := p.emit(ctx, opID, operation.EventCompleted, result)
	return err
}

// Fail appends the terminal failure event, capturing the error's type and
// message.
func (p *Producer) Fail(ctx context.Context, opID id.OperationID, cause error, details map[string]any) error {
	payload := map[string]any{
		"error":      cause.Error(),
		"error_type": fmt.Sprintf("%T", cause),
	}
	for k, v := range details {
		payload[k] = v
	}
	_, err := p.emit(ctx, opID, operation.EventError, payload)
	return err
}

// Cancel appends the terminal cancellation event carrying the reason.
func (p *Producer) Cancel(ctx context.Context, opID id.OperationID, reason string) error {
	_, err := p.emit(ctx, opID, operation.EventCancelled, map[string]any{"reason": reason})
	return err
}

// Emit appends a free-form domain event (e.g. "rows_copied"). Background
// emitters that must survive an expired operation pass
// operation.WithLenient.
func (p *Producer) Emit(ctx context.Context, opID id.OperationID, et operation.EventType, payload map[string]any, opts ...operation.AppendOption) (*operation.Event, error) {
	return p.emit(ctx, opID, et, payload, opts...)
}

// Status is a thin read-through to the operation's metadata.
func (p *Producer) Status(ctx context.Context, opID id.OperationID) (operation.Status, error) {
	meta, err := p.store.GetMetadata(ctx, opID)
	if err != nil {
		return "", err
	}
	return meta.Status, nil
}

// Run starts an operation, invokes fn, and guarantees exactly one
// terminal event no matter how fn exits: completed on normal return,
// cancelled when fn returns the context's cancellation error, error on
// any other failure or panic (panics are re-raised after the event is
// emitted). A store failure while emitting the terminal event is logged
// and swallowed so it never masks fn's own error.
func (p *Producer) Run(ctx context.Context, opType, ownerID, resourceID string, initial map[string]any, fn WorkFunc) (id.OperationID, error) {
	opID, err := p.Start(ctx, opType, ownerID, resourceID, initial)
	if err != nil {
		return id.Nil, err
	}

	// Terminal events must reach the store even when ctx was cancelled
	// mid-work.
	finalCtx := context.WithoutCancel(ctx)

	defer func() {
		if rec := recover(); rec != nil {
			failErr := p.Fail(finalCtx, opID, fmt.Errorf("panic: %v", rec), map[string]any{"panic": true})
			if failErr != nil {
				p.logger.Error("failed to record panic terminal event",
					slog.String("operation_id", opID.String()), slog.Any("error", failErr))
			}
			panic(rec)
		}
	}()

	result, workErr := fn(ctx, opID)
	switch {
	case workErr == nil:
		if err := p.Complete(finalCtx, opID, result); err != nil {
			return opID, err
		}
	case errors.Is(workErr, context.Canceled):
		if err := p.Cancel(finalCtx, opID, "work cancelled"); err != nil {
			p.logger.Error("failed to record cancel terminal event",
				slog.String("operation_id", opID.String()), slog.Any("error", err))
		}
	default:
		if err := p.Fail(finalCtx, opID, workErr, nil); err != nil {
			p.logger.Error("failed to record failure terminal event",
				slog.String("operation_id", opID.String()), slog.Any("error", err))
		}
	}
	return opID, workErr
}

// emit persists the event, then publishes it to the bridge. Store errors
// propagate to the caller; publish errors only cost latency (viewers
// recover via replay), so they are logged and swallowed.
func (p *Producer) emit(ctx context.Context, opID id.OperationID, et operation.EventType, payload map[string]any, opts ...operation.AppendOption) (*operation.Event, error) {
	if p.defaultTTL > 0 {
		// Prepended so a per-call WithTTL still wins.
		opts = append([]operation.AppendOption{operation.WithTTL(p.defaultTTL)}, opts...)
	}
	evt, err := p.store.AppendEvent(ctx, opID, et, payload, opts...)
	if err != nil {
		return nil, err
	}
	p.metrics.EventAppended(ctx, string(et))
	if et.Terminal() {
		p.limiters.Delete(opID.String())
	}

	if p.bridge != nil {
		if pubErr := p.bridge.Publish(ctx, evt); pubErr != nil {
			p.logger.Warn("event stored but not published to fanout",
				slog.String("operation_id", opID.String()),
				slog.String("event_type", string(et)),
				slog.Any("error", pubErr),
			)
		}
	}
	return evt, nil
}

// allowProgress applies the per-operation progress throttle.
func (p *Producer) allowProgress(opID id.OperationID) bool {
	if p.progressEvery <= 0 {
		return true
	}
	lim, _ := p.limiters.LoadOrStore(opID.String(), rate.NewLimiter(rate.Every(p.progressEvery), 1))
	return lim.(*rate.Limiter).Allow()
}
