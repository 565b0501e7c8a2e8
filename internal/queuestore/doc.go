// Package queuestore implements a local, persistent, AMQP-like message broker
// on top of SQLite.
//
// # Model
//
// The store keeps four registries:
//   - **Exchanges:** named publish targets. Only direct (exact routing key) semantics are implemented.
//   - **Queues:** named consumption points with optional dead-letter exchange, dead-letter routing key and message TTL.
//   - **Bindings:** unique (exchange, queue, routingKey) triples linking the two.
//   - **Messages:** rows addressed by (exchange, routingKey) with status sent or delivered.
//
// A message belongs to a queue through its bindings, so a queue bound to two
// routing keys drains both, and two queues bound to the same key compete for
// the same rows.
//
// # Dispatch
//
// Consumers are fed by two mechanisms that run the same selection routine:
// a wake-up signal raised by every Publish, Ack and Nack, and a polling ticker
// as a fallback. Each pass claims at most one oldest sent message per binding,
// never more than the consumer's free concurrency slots, and marks it
// delivered inside a single transaction. Ack and Nack both delete the row.
// Rejected messages are never requeued; retries are the caller's business.
//
// # Dead-lettering
//
// When a message is published to a routing key bound to a queue that declares
// both a TTL and a dead-letter exchange, a timer is armed. If the row is still
// sent when the timer fires, a copy is published to the dead-letter exchange
// (with the dead-letter routing key, or the original key when none is set)
// and the original is deleted. Timers are re-armed from created_at when the
// store is reopened.
//
// # Concurrency
//
// The database handle is limited to one open connection, so every operation
// is one serialized transaction. Rows left delivered by a previous process are
// returned to sent on Open.
package queuestore
