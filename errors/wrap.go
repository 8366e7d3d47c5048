package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Wrap adds a message to err while keeping its classification.
// Unclassified errors become TIMEOUT, CANCELED, NETWORK_ERR or INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		w := &Error{
			code:      classified.code,
			category:  classified.category,
			message:   message,
			cause:     err,
			retryable: classified.retryable,
			metadata:  classified.Metadata(),
			taskID:    classified.taskID,
			stage:     classified.stage,
			timestamp: classified.timestamp,
		}
		for _, opt := range opts {
			opt(w)
		}
		return w
	}

	opts = append(opts, WithCause(err))
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return New(CodeTimeout, message, opts...)
	case errors.Is(err, context.Canceled):
		return New(CodeCanceled, message, opts...)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return New(CodeNetwork, message, opts...)
	}
	return New(CodeInternal, message, opts...)
}

func Wrapf(err error, format string, args ...any) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode forces a code regardless of what err carries.
func WrapWithCode(err error, code Code, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// FromHTTPStatus classifies a non-2xx response from an upstream service.
func FromHTTPStatus(status int, message string, opts ...Option) *Error {
	var code Code
	switch {
	case status == http.StatusTooManyRequests:
		code = CodeRateLimited
	case status == http.StatusUnauthorized:
		code = CodeUnauthorized
	case status == http.StatusForbidden:
		code = CodeForbidden
	case status == http.StatusNotFound:
		code = CodeNotFound
	case status == http.StatusConflict:
		code = CodeConflict
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		code = CodeInvalidInput
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		code = CodeTimeout
	case status >= 500:
		code = CodeUnavailable
	default:
		code = CodeInternal
	}
	opts = append([]Option{WithMetadata("http_status", fmt.Sprint(status))}, opts...)
	return New(code, message, opts...)
}

// HTTPStatus maps err onto the status an HTTP handler should answer with.
// Unclassified errors are 500.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeConflict, CodeResourceBusy:
		return http.StatusConflict
	case CodePrecondition:
		return http.StatusPreconditionFailed
	case CodeRateLimited, CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable, CodeNetwork, CodeRetryLater:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// As returns the first *Error in the chain, or nil.
func As(err error) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	return nil
}

// Is reports whether the outermost classified error in the chain has code.
func Is(err error, code Code) bool {
	if e := As(err); e != nil {
		return e.code == code
	}
	return false
}

// IsRetryable reports whether err is worth another attempt.
// Unclassified errors are not retried.
func IsRetryable(err error) bool {
	if e := As(err); e != nil {
		return e.Retryable()
	}
	return false
}

func IsCategory(err error, category Category) bool {
	if e := As(err); e != nil {
		return e.category == category
	}
	return false
}

// CodeOf returns the code of err, or "" when it is unclassified.
func CodeOf(err error) Code {
	if e := As(err); e != nil {
		return e.code
	}
	return ""
}

// StageOf returns the stage recorded anywhere in the chain.
func StageOf(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.stage != "" {
			return e.stage
		}
		err = e.cause
	}
	return ""
}

// Join is errors.Join from the standard library.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic turns a recovered value into a non-retryable PANIC error.
func RecoverPanic(recovered any) *Error {
	if recovered == nil {
		return nil
	}
	var msg string
	switch v := recovered.(type) {
	case error:
		msg = v.Error()
	case string:
		msg = v
	default:
		msg = fmt.Sprintf("%v", v)
	}
	return New(CodePanic, msg, WithMetadata("panic_type", fmt.Sprintf("%T", recovered)))
}
