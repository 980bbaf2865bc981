package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/opsline/opbus/fanout"
	"github.com/opsline/opbus/id"
	"github.com/opsline/opbus/operation"
	"github.com/opsline/opbus/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureSink records every event broadcast through the bridge.
type captureSink struct {
	mu     sync.Mutex
	events []*operation.Event
}

func (c *captureSink) Broadcast(_ context.Context, evt *operation.Event) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return 1
}

func (c *captureSink) all() []*operation.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*operation.Event, len(c.events))
	copy(out, c.events)
	return out
}

func newTestProducer(t *testing.T, opts ...Option) (*Producer, *memory.Store, *captureSink) {
	t.Helper()
	store := memory.New()
	sink := &captureSink{}
	bridge := fanout.NewLoopback(sink)
	return NewProducer(store, bridge, testLogger(), opts...), store, sink
}

func TestProducerStartProgressComplete(t *testing.T) {
	t.Parallel()
	p, store, sink := newTestProducer(t)
	ctx := context.Background()

	opID, err := p.Start(ctx, "volume_migrate", "user1", "vol-9", map[string]any{"message": "queued"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ok, err := p.Progress(ctx, opID, "copying blocks", 40, map[string]any{"blocks": 512})
	if err != nil || !ok {
		t.Fatalf("Progress = (%v, %v), want (true, nil)", ok, err)
	}
	if err := p.Complete(ctx, opID, map[string]any{"new_volume": "vol-10"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	events, err := store.GetEvents(ctx, opID, 0, 0)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, want := range []operation.EventType{operation.EventStarted, operation.EventProgress, operation.EventCompleted} {
		if events[i].Type != want {
			t.Errorf("events[%d].Type = %q, want %q", i, events[i].Type, want)
		}
		if events[i].Sequence != uint64(i+1) {
			t.Errorf("events[%d].Sequence = %d, want %d", i, events[i].Sequence, i+1)
		}
	}
	if got := events[1].Payload["percent"]; got != float64(40) {
		t.Errorf("progress percent = %v, want 40", got)
	}

	meta, err := store.GetMetadata(ctx, opID)
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.Status != operation.StatusCompleted {
		t.Errorf("status = %q, want completed", meta.Status)
	}
	if meta.ResultData["new_volume"] != "vol-10" {
		t.Errorf("result_data = %v, want new_volume=vol-10", meta.ResultData)
	}

	if got := len(sink.all()); got != 3 {
		t.Errorf("bridge received %d events, want 3", got)
	}
}

func TestProducerProgressOmitsNegativePercent(t *testing.T) {
	t.Parallel()
	p, store, _ := newTestProducer(t)
	ctx := context.Background()

	opID, err := p.Start(ctx, "backup", "user1", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := p.Progress(ctx, opID, "scanning", -1, nil); err != nil {
		t.Fatalf("Progress: %v", err)
	}

	events, _ := store.GetEvents(ctx, opID, 2, 0)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if _, present := events[0].Payload["percent"]; present {
		t.Error("percent should be absent when not reported")
	}
	if events[0].Payload["message"] != "scanning" {
		t.Errorf("message = %v, want scanning", events[0].Payload["message"])
	}
}

func TestProducerProgressThrottle(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestProducer(t, WithProgressInterval(time.Hour))
	ctx := context.Background()

	opID, err := p.Start(ctx, "backup", "user1", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ok, err := p.Progress(ctx, opID, "first", 10, nil)
	if err != nil || !ok {
		t.Fatalf("first Progress = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = p.Progress(ctx, opID, "second", 20, nil)
	if err != nil {
		t.Fatalf("second Progress: %v", err)
	}
	if ok {
		t.Error("second Progress within interval should be suppressed")
	}

	// Terminal events are never throttled.
	if err := p.Complete(ctx, opID, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestProducerFailPayload(t *testing.T) {
	t.Parallel()
	p, store, _ := newTestProducer(t)
	ctx := context.Background()

	opID, err := p.Start(ctx, "backup", "user1", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Fail(ctx, opID, errors.New("disk full"), map[string]any{"node": "n3"}); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	meta, err := store.GetMetadata(ctx, opID)
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.Status != operation.StatusFailed {
		t.Errorf("status = %q, want failed", meta.Status)
	}
	if meta.ErrorMessage != "disk full" {
		t.Errorf("error message = %q, want %q", meta.ErrorMessage, "disk full")
	}

	events, _ := store.GetEvents(ctx, opID, 2, 0)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Payload["node"] != "n3" {
		t.Errorf("details not merged into payload: %v", events[0].Payload)
	}
	if _, ok := events[0].Payload["error_type"]; !ok {
		t.Error("error_type missing from failure payload")
	}
}

func TestProducerStatus(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestProducer(t)
	ctx := context.Background()

	opID, err := p.Start(ctx, "backup", "user1", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	st, err := p.Status(ctx, opID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st != operation.StatusRunning {
		t.Errorf("status = %q, want running", st)
	}

	if _, err := p.Status(ctx, id.NewOperationID()); !errors.Is(err, operation.ErrNotFound) {
		t.Errorf("Status(unknown) = %v, want ErrNotFound", err)
	}
}

func TestRunCompletesOnNormalReturn(t *testing.T) {
	t.Parallel()
	p, store, _ := newTestProducer(t)
	ctx := context.Background()

	opID, err := p.Run(ctx, "backup", "user1", "", nil, func(ctx context.Context, opID id.OperationID) (map[string]any, error) {
		return map[string]any{"bytes": 1024}, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertTerminal(t, store, opID, operation.StatusCompleted, operation.EventCompleted)
}

func TestRunFailsOnError(t *testing.T) {
	t.Parallel()
	p, store, _ := newTestProducer(t)
	ctx := context.Background()

	workErr := errors.New("snapshot diverged")
	opID, err := p.Run(ctx, "backup", "user1", "", nil, func(ctx context.Context, opID id.OperationID) (map[string]any, error) {
		return nil, workErr
	})
	if !errors.Is(err, workErr) {
		t.Fatalf("Run = %v, want work error", err)
	}
	assertTerminal(t, store, opID, operation.StatusFailed, operation.EventError)
}

func TestRunCancelsOnContextCanceled(t *testing.T) {
	t.Parallel()
	p, store, _ := newTestProducer(t)
	ctx, cancel := context.WithCancel(context.Background())

	opID, err := p.Run(ctx, "backup", "user1", "", nil, func(ctx context.Context, opID id.OperationID) (map[string]any, error) {
		cancel()
		return nil, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	// The terminal event must land even though ctx is cancelled.
	assertTerminal(t, store, opID, operation.StatusCancelled, operation.EventCancelled)
}

func TestRunRecordsPanicAndRepanics(t *testing.T) {
	t.Parallel()
	p, store, _ := newTestProducer(t)
	ctx := context.Background()

	var opID id.OperationID
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("panic was swallowed")
			}
		}()
		opID, _ = p.Run(ctx, "backup", "user1", "", nil, func(ctx context.Context, got id.OperationID) (map[string]any, error) {
			opID = got
			panic("boom")
		})
	}()
	assertTerminal(t, store, opID, operation.StatusFailed, operation.EventError)

	events, _ := store.GetEvents(ctx, opID, 0, 0)
	last := events[len(events)-1]
	if last.Payload["panic"] != true {
		t.Errorf("panic marker missing from terminal payload: %v", last.Payload)
	}
}

func TestRunEmitsExactlyOneTerminal(t *testing.T) {
	t.Parallel()
	p, store, _ := newTestProducer(t)
	ctx := context.Background()

	opID, err := p.Run(ctx, "backup", "user1", "", nil, func(ctx context.Context, opID id.OperationID) (map[string]any, error) {
		if _, err := p.Progress(ctx, opID, "step 1", 50, nil); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	events, err := store.GetEvents(ctx, opID, 0, 0)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	terminals := 0
	for _, evt := range events {
		if evt.Type.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("got %d terminal events, want exactly 1", terminals)
	}
}

func TestEmitLenientSurvivesMissingOperation(t *testing.T) {
	t.Parallel()
	p, store, _ := newTestProducer(t)
	ctx := context.Background()

	ghost := id.NewOperationID()
	if _, err := p.Emit(ctx, ghost, operation.EventProgress, map[string]any{"message": "late"}); !errors.Is(err, operation.ErrNotFound) {
		t.Fatalf("strict Emit = %v, want ErrNotFound", err)
	}

	evt, err := p.Emit(ctx, ghost, operation.EventProgress, map[string]any{"message": "late"}, operation.WithLenient("system"))
	if err != nil {
		t.Fatalf("lenient Emit: %v", err)
	}
	if evt.Sequence != 1 {
		t.Errorf("sequence = %d, want 1", evt.Sequence)
	}
	meta, err := store.GetMetadata(ctx, ghost)
	if err != nil {
		t.Fatalf("GetMetadata after lenient append: %v", err)
	}
	if meta.OwnerID != "system" {
		t.Errorf("synthesized owner = %q, want system", meta.OwnerID)
	}
}

func assertTerminal(t *testing.T, store operation.Store, opID id.OperationID, wantStatus operation.Status, wantType operation.EventType) {
	t.Helper()
	meta, err := store.GetMetadata(context.Background(), opID)
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.Status != wantStatus {
		t.Errorf("status = %q, want %q", meta.Status, wantStatus)
	}
	events, err := store.GetEvents(context.Background(), opID, 0, 0)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("no events recorded")
	}
	if got := events[len(events)-1].Type; got != wantType {
		t.Errorf("last event type = %q, want %q", got, wantType)
	}
}
