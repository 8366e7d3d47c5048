package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// Error is a classified failure. The stage runner decides whether to retry
// by looking at Retryable; everything else is context for logs and the API.
type Error struct {
	code      Code
	category  Category
	message   string
	cause     error
	retryable *bool // nil: derived from category
	metadata  map[string]string
	taskID    string
	stage     string
	timestamp time.Time
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Message returns the message without the cause appended.
func (e *Error) Message() string { return e.message }

func (e *Error) Code() Code         { return e.code }
func (e *Error) Category() Category { return e.category }
func (e *Error) Unwrap() error      { return e.cause }
func (e *Error) TaskID() string     { return e.taskID }
func (e *Error) Stage() string      { return e.stage }
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the attached key/value context.
func (e *Error) Metadata() map[string]string {
	out := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		out[k] = v
	}
	return out
}

type errorJSON struct {
	Code      Code              `json:"code"`
	Category  Category          `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Retryable bool              `json:"retryable"`
	TaskID    string            `json:"task_id,omitempty"`
	Stage     string            `json:"stage,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MarshalJSON renders the error for API responses.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Retryable: e.Retryable(),
		TaskID:    e.taskID,
		Stage:     e.stage,
		Metadata:  e.metadata,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	return json.Marshal(j)
}

// Option configures an Error.
type Option func(*Error)

// WithRetryable overrides the category default.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

func WithTaskID(id string) Option {
	return func(e *Error) { e.taskID = id }
}

// WithStage records which pipeline stage produced the error.
func WithStage(stage string) Option {
	return func(e *Error) { e.stage = stage }
}

func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// New creates an Error with the code's default category.
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.Category(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

func NotFound(message string, opts ...Option) *Error {
	return New(CodeNotFound, message, opts...)
}

func InvalidInput(message string, opts ...Option) *Error {
	return New(CodeInvalidInput, message, opts...)
}

func Unauthorized(message string, opts ...Option) *Error {
	return New(CodeUnauthorized, message, opts...)
}

// RateLimited creates a resource error. Callers that must not retry within
// the same run pass WithRetryable(false).
func RateLimited(message string, opts ...Option) *Error {
	return New(CodeRateLimited, message, opts...)
}

func Unavailable(message string, opts ...Option) *Error {
	return New(CodeUnavailable, message, opts...)
}

func Timeout(message string, opts ...Option) *Error {
	return New(CodeTimeout, message, opts...)
}

func Internal(message string, opts ...Option) *Error {
	return New(CodeInternal, message, opts...)
}
