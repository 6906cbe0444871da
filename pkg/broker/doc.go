// Package broker carries worker calls between processes with at-least-once
// delivery.
//
// A Message names a call (generate_subscription, fire_trigger or
// dispatch_action) and the id of its subject. On the wire the subject sits
// under a call-specific key:
//
//	{"call": "dispatch_action", "action_id": "6c1f...", "token": "..."}
//
// Three backends honor the same contract:
//
//   - MemoryBroker: in-process, for development and tests
//   - RedisBroker: pending and processing lists with a deadline sorted set
//   - KafkaBroker: one consumer group per queue, offsets marked on ack
//
// A delivery that is neither acked nor nacked comes back. Consumers must be
// idempotent; the dispatcher's terminal check makes redelivered actions no-ops.
package broker
