// Package engine provides the action-dispatch and coordination core of conductor.
//
// # Overview
//
// Work arrives as Actions: durable records naming an engine, an operation kind
// and a target resource (a Datastore or a Workflow). A Dispatcher loads the
// action, resolves its handler through the Registry and runs it. Handlers
// report progress through conditional patches; a stored progress of 1.0 is
// terminal success and a stored error is terminal failure.
//
// # Concurrency
//
// Many worker processes share one store and no in-memory state. Every write is
// a single conditional update keyed on a record's version, so a stale writer
// gets a ConflictError instead of overwriting newer data. Operations that must
// not overlap across processes are serialized with the Locker, a mutex backed
// by one versioned row per name with a lease that others may take over once it
// expires.
//
// # Errors
//
// Store and coordination failures are *EngineError values classified by
// ErrorClass and Code:
//
//   - ValidationError: malformed input, never retried
//   - NotFoundError: missing record
//   - ConflictError: stale version, duplicate, terminal action or lost lock
//   - LockTimeoutError: mutex not acquired in time
//   - UnknownHandlerError: no handler for (engine, operation)
//
// Handlers fail with *ActionError, which is stored on the action verbatim.
package engine
