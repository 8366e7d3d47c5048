// Package ingest turns mentions of the bot account into tasks and hands
// them to the orchestrator.
//
// A poll reads the stored cursor, lists mentions newer than it, creates one
// task per mention and dispatches every task, new or not. The cursor moves
// only after the whole batch went through, so a failed poll is repeated in
// full next time. Task creation is idempotent on the mention id, which
// makes the repeat harmless.
//
// Dispatch is pluggable:
//
//	DirectDispatcher  runs the orchestrator in-process on a bounded pool
//	BusDispatcher     publishes a tasks.RunMessage; a Worker consumes it
//
// Only one poll runs at a time: Poll takes a lease in the state store and
// returns ErrPollInProgress when another process holds it.
package ingest
