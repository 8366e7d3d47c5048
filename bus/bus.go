// Package bus carries orchestration requests between the process that
// discovers work (the poller, the admin API) and the processes that run it.
package bus

import (
	"context"
	"errors"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrTimeout        = errors.New("request timeout")
	ErrNoResponders   = errors.New("no responders")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message represents a message sent or received on the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte

	// Reply is the reply subject for request/reply pattern.
	// Empty for regular pub/sub messages.
	Reply string

	// Header carries metadata such as trace context. May be nil.
	Header map[string]string
}

// SetHeader sets a header value, allocating the map if needed.
func (m *Message) SetHeader(key, value string) {
	if m.Header == nil {
		m.Header = make(map[string]string)
	}
	m.Header[key] = value
}

// MessageBus provides pub/sub, queue groups and request/reply.
type MessageBus interface {
	// Publish sends msg to every subscriber and to one member of each
	// queue group on msg.Subject.
	Publish(ctx context.Context, msg *Message) error

	// Subscribe creates a subscription to a subject.
	// All subscribers receive all messages.
	Subscribe(subject string) (Subscription, error)

	// QueueSubscribe creates a queue subscription.
	// Messages are load-balanced across queue members.
	QueueSubscribe(subject, queue string) (Subscription, error)

	// Request publishes msg and waits for a single reply until ctx ends.
	Request(ctx context.Context, msg *Message) (*Message, error)

	// Close shuts down the bus connection.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// Channel is closed when subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject rejects empty subjects and subjects with empty tokens.
func ValidateSubject(subject string) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	prev := byte('.')
	for i := 0; i < len(subject); i++ {
		c := subject[i]
		if c == ' ' || c == '\t' || (c == '.' && prev == '.') {
			return ErrInvalidSubject
		}
		prev = c
	}
	if prev == '.' {
		return ErrInvalidSubject
	}
	return nil
}
