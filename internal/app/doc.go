// Package app assembles the engine from its configuration: the queue store,
// the task transport, the scheduler, in-process workers, event sinks and the
// HTTP server. It is decoupled from any entrypoint; the CLI and tests drive it
// the same way.
package app
