// Package errors classifies failures raised while ingesting mentions and
// running tasks through the reply pipeline.
//
// Every error carries a Code, and every Code maps to one of four categories:
//
//   - Transient: another attempt may succeed (timeouts, 5xx, network)
//   - Permanent: retrying will not help (not found, invalid input, auth)
//   - Resource: quota or contention (rate limits, busy locks)
//   - Internal: bugs, corrupted rows, recovered panics
//
// Transient and resource errors are retryable by default. A caller can pin
// the decision with WithRetryable, which is how the per-user rate limit is
// kept out of the stage retry loop:
//
//	err := errors.RateLimited(msg, errors.WithRetryable(false))
//
// Wrap keeps the classification of an inner *Error and classifies plain
// errors (context deadline → TIMEOUT, context cancel → CANCELED, net.Error →
// NETWORK_ERR, anything else → INTERNAL). Errors from HTTP collaborators are
// classified with FromHTTPStatus.
package errors
