package ratelimit

import "errors"

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrClosed        = errors.New("throttle closed")
)
