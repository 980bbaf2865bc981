package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/opsline/opbus/id"
	"github.com/opsline/opbus/operation"
)

// captureSink records broadcast events.
type captureSink struct {
	mu     sync.Mutex
	events []*operation.Event
}

func (s *captureSink) Broadcast(_ context.Context, evt *operation.Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return 1
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestLoopbackPublishDeliversToSink(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	bridge := NewLoopback(sink)
	opID := id.NewOperationID()

	evt := &operation.Event{ID: id.NewEventID(), OperationID: opID, Type: operation.EventProgress, Sequence: 1}
	if err := bridge.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if sink.count() != 1 {
		t.Errorf("sink received %d events, want 1", sink.count())
	}
}

func TestLoopbackClosedPublish(t *testing.T) {
	t.Parallel()

	bridge := NewLoopback(&captureSink{})
	if err := bridge.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	evt := &operation.Event{ID: id.NewEventID(), OperationID: id.NewOperationID()}
	if err := bridge.Publish(context.Background(), evt); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after Close = %v, want ErrClosed", err)
	}
}

func TestLoopbackRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	bridge := NewLoopback(&captureSink{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bridge.Run(ctx); err != nil {
		t.Errorf("Run after cancel = %v, want nil", err)
	}
}

func TestRefcountTransitions(t *testing.T) {
	t.Parallel()

	refs := newRefcounts()

	if !refs.inc("op1") {
		t.Error("first inc should report 0→1")
	}
	if refs.inc("op1") {
		t.Error("second inc should not report a transition")
	}
	if refs.dec("op1") {
		t.Error("dec with a remaining ref should not report 1→0")
	}
	if !refs.dec("op1") {
		t.Error("final dec should report 1→0")
	}
	if refs.dec("op1") {
		t.Error("dec below zero should not report a transition")
	}
}

func TestRefcountActive(t *testing.T) {
	t.Parallel()

	refs := newRefcounts()
	refs.inc("op1")
	refs.inc("op2")
	refs.inc("op2")
	refs.dec("op1")

	active := refs.active()
	if len(active) != 1 || active[0] != "op2" {
		t.Errorf("active = %v, want [op2]", active)
	}
}

func TestLoopbackSubscriptionTracking(t *testing.T) {
	t.Parallel()

	bridge := NewLoopback(&captureSink{})
	opA := id.NewOperationID()
	opB := id.NewOperationID()

	bridge.Subscribe(opA)
	bridge.Subscribe(opA)
	bridge.Subscribe(opB)
	if got := bridge.ActiveTopics(); got != 2 {
		t.Errorf("ActiveTopics = %d, want 2", got)
	}

	bridge.Unsubscribe(opA)
	bridge.Unsubscribe(opA)
	if got := bridge.ActiveTopics(); got != 1 {
		t.Errorf("ActiveTopics after release = %d, want 1", got)
	}
}

func TestTopicKey(t *testing.T) {
	t.Parallel()

	if got := topicKey("op_123"); got != "opbus:topic:op_123" {
		t.Errorf("topicKey = %q", got)
	}
}
