package errors

// Category groups error codes by how a stage runner should react to them.
type Category string

const (
	// CategoryTransient covers failures where another attempt may succeed:
	// timeouts, dropped connections, 5xx responses from a collaborator.
	CategoryTransient Category = "transient"

	// CategoryPermanent covers failures that will repeat on every attempt:
	// missing tasks, malformed input, rejected credentials.
	CategoryPermanent Category = "permanent"

	// CategoryResource covers quota and contention failures.
	CategoryResource Category = "resource"

	// CategoryInternal covers bugs and corrupted state.
	CategoryInternal Category = "internal"
)

func (c Category) String() string {
	return string(c)
}

// IsRetryable reports whether errors in this category are retried by default.
func (c Category) IsRetryable() bool {
	return c == CategoryTransient || c == CategoryResource
}

// Code identifies a specific failure.
type Code string

const (
	// Transient
	CodeTimeout     Code = "TIMEOUT"
	CodeUnavailable Code = "UNAVAILABLE"
	CodeNetwork     Code = "NETWORK_ERR"
	CodeRetryLater  Code = "RETRY_LATER"

	// Permanent
	CodeNotFound     Code = "NOT_FOUND"
	CodeInvalidInput Code = "INVALID_INPUT"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeConflict     Code = "CONFLICT"
	CodePrecondition Code = "PRECONDITION"
	CodeCanceled     Code = "CANCELED"

	// Resource
	CodeRateLimited   Code = "RATE_LIMITED"
	CodeQuotaExceeded Code = "QUOTA_EXCEEDED"
	CodeResourceBusy  Code = "RESOURCE_BUSY"

	// Internal
	CodeInternal   Code = "INTERNAL"
	CodeCorruption Code = "CORRUPTION"
	CodePanic      Code = "PANIC"
)

func (c Code) String() string {
	return string(c)
}

// Category returns the default category for the code.
// Unknown codes are treated as internal.
func (c Code) Category() Category {
	switch c {
	case CodeTimeout, CodeUnavailable, CodeNetwork, CodeRetryLater:
		return CategoryTransient
	case CodeNotFound, CodeInvalidInput, CodeUnauthorized, CodeForbidden,
		CodeConflict, CodePrecondition, CodeCanceled:
		return CategoryPermanent
	case CodeRateLimited, CodeQuotaExceeded, CodeResourceBusy:
		return CategoryResource
	default:
		return CategoryInternal
	}
}

var descriptions = map[Code]string{
	CodeTimeout:       "operation timed out",
	CodeUnavailable:   "service temporarily unavailable",
	CodeNetwork:       "network error",
	CodeRetryLater:    "retry later",
	CodeNotFound:      "not found",
	CodeInvalidInput:  "invalid input",
	CodeUnauthorized:  "unauthorized",
	CodeForbidden:     "forbidden",
	CodeConflict:      "conflict",
	CodePrecondition:  "precondition failed",
	CodeCanceled:      "canceled",
	CodeRateLimited:   "rate limit exceeded",
	CodeQuotaExceeded: "quota exceeded",
	CodeResourceBusy:  "resource busy",
	CodeInternal:      "internal error",
	CodeCorruption:    "corrupted data",
	CodePanic:         "recovered from panic",
}

// Description returns a short human-readable text for the code.
func (c Code) Description() string {
	if d, ok := descriptions[c]; ok {
		return d
	}
	return "unknown error"
}
