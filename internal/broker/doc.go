// Package broker provides the low-level AMQP plumbing: a ConnectionManager
// that owns the single physical broker connection and reconnects with capped
// exponential backoff, and a ChannelRegistry that multiplexes named logical
// channels over it and declares topology (exchanges, queues, bindings, QoS).
//
// Failure isolation is per channel: a protocol error evicts only the failed
// channel, which is recreated lazily on next access. A dropped connection
// clears the manager's reference; the next access dials afresh. Declarative
// operations never retry internally; callers compose retry behavior with the
// resilience package when they want it.
package broker
