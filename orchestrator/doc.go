// Package orchestrator drives one task through the pipeline.
//
// A run reads the task, refuses to start unless it is pending or failed,
// then walks credentials, fetch, rate limit, generate and publish in that
// order, writing status as it goes:
//
//	pending|failed → processing → generating → completed
//	                     └──────────┴──────────→ failed
//
// Each stage runs under a Policy: retryable errors are retried with
// exponential backoff and every attempt gets its own timeout. Any stage
// failure, panics included, lands in one place that records the reason on
// the task and increments its attempt count. Re-running a failed task
// starts again from the first stage.
//
// The entry guard is a plain read followed by a write. Two runs of the same
// pending task started at the same moment can both pass it; the task store
// is not locked per task.
package orchestrator
