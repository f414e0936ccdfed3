// Package messaging provides the publish and subscribe layer over the broker
// plumbing: a Publisher that declares its exchange and emits messages with
// delivery metadata, and a Subscriber that declares its consumer topology
// (main queue plus a paired dead-letter exchange and queue) and drives the
// receive/ack/nack loop with an injected handler.
//
// Handlers are plain function or interface values; a handler error rejects
// the delivery without requeue so the broker's dead-letter policy applies.
// Per-subscriber concurrency is bounded by channel prefetch. The broker
// guarantees per-queue FIFO of routed messages; nothing is guaranteed across
// queues or exchanges.
package messaging
