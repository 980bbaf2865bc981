// Package opbus provides a real-time operation event bus: long-running
// background work publishes structured progress events that are durably
// logged, fanned out across process boundaries, and streamed to client
// connections with replay and backpressure guarantees.
//
// Opbus is designed as a library, not a service. Embed it in the process
// that runs background work, configure a store, and stream progress to
// however many viewers are watching.
//
// # Quick Start
//
//	store := memory.New()
//	bus, err := opbus.New(store)
//	if err != nil { ... }
//	go bus.Run(ctx)
//
//	opID, err := bus.Producer().Start(ctx, "graph_creation", "user1", "", nil)
//	bus.Producer().Progress(ctx, opID, "indexing", 40, nil)
//	bus.Producer().Complete(ctx, opID, map[string]any{"rows": 100})
//
//	stream, err := bus.OpenStream(ctx, opID, "user1", 0)
//	for evt := range stream.C() { ... }
//
// # Architecture
//
// Four components layer onto a shared key-value store: the event store
// (durable, TTL-bound per-operation append log with atomically assigned
// sequence numbers), the fanout bridge (cross-process topic pub/sub with
// ref-counted subscriptions), the stream dispatcher (per-connection
// bounded queues with slow-consumer eviction), and the producer lifecycle
// surface (scoped execution that guarantees exactly one terminal event).
//
// The store is the single source of truth; the bridge is a low-latency
// push optimization. Clients that miss pushed events recover by replaying
// from their last-seen sequence number.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package opbus
