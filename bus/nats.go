package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus implements MessageBus using NATS.
type NATSBus struct {
	conn   *nats.Conn
	config NATSConfig
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	Config `toml:"-"`

	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string `toml:"url"`

	// Name is the client name for identification.
	Name string `toml:"name"`

	// Token for token-based auth.
	Token string `toml:"-"`

	// User and Password for basic auth.
	User     string `toml:"user"`
	Password string `toml:"-"`

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration `toml:"-"`

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int `toml:"max_reconnects"`

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration `toml:"-"`
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		Name:           "replykit",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1, // Unlimited
		ConnectTimeout: 5 * time.Second,
	}
}

// Connect dials NATS with cfg. The connection is shared by the bus and the
// JetStream-backed state store.
func Connect(cfg NATSConfig) (*nats.Conn, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return conn, nil
}

// NewNATSBus creates a new NATS message bus.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	conn, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	return NewNATSBusFromConn(conn, cfg), nil
}

// NewNATSBusFromConn creates a NATSBus from an existing connection.
func NewNATSBusFromConn(conn *nats.Conn, cfg NATSConfig) *NATSBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &NATSBus{
		conn:   conn,
		config: cfg,
	}
}

// buildNATSOptions constructs NATS connection options from config.
func buildNATSOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	return opts
}

func toNATSMsg(msg *Message) *nats.Msg {
	m := nats.NewMsg(msg.Subject)
	m.Data = msg.Data
	m.Reply = msg.Reply
	for k, v := range msg.Header {
		m.Header.Set(k, v)
	}
	return m
}

func fromNATSMsg(m *nats.Msg) *Message {
	msg := &Message{
		Subject: m.Subject,
		Data:    m.Data,
		Reply:   m.Reply,
	}
	for k := range m.Header {
		msg.SetHeader(k, m.Header.Get(k))
	}
	return msg
}

// Publish sends a message to a subject.
func (b *NATSBus) Publish(ctx context.Context, msg *Message) error {
	if msg == nil {
		return ErrInvalidSubject
	}
	if err := ValidateSubject(msg.Subject); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}

	if err := b.conn.PublishMsg(toNATSMsg(msg)); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}

	return nil
}

// Subscribe creates a subscription to a subject. Messages arriving while the
// buffer is full are dropped.
func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	s := newNATSSub(b.config.BufferSize, false)
	natsSub, err := b.conn.Subscribe(subject, s.handle)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	s.sub = natsSub
	return s, nil
}

// QueueSubscribe creates a queue subscription. A full buffer blocks the
// NATS callback, so the server sees backpressure instead of losing work.
func (b *NATSBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	s := newNATSSub(b.config.BufferSize, true)
	natsSub, err := b.conn.QueueSubscribe(subject, queue, s.handle)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("nats queue subscribe: %w", err)
	}
	s.sub = natsSub
	return s, nil
}

// Request sends a request and waits for reply.
func (b *NATSBus) Request(ctx context.Context, msg *Message) (*Message, error) {
	if msg == nil {
		return nil, ErrInvalidSubject
	}
	if err := ValidateSubject(msg.Subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	reply, err := b.conn.RequestMsgWithContext(ctx, toNATSMsg(msg))
	if err != nil {
		switch {
		case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			return nil, ErrTimeout
		case errors.Is(err, nats.ErrNoResponders):
			return nil, ErrNoResponders
		}
		return nil, fmt.Errorf("nats request: %w", err)
	}

	return fromNATSMsg(reply), nil
}

// Close shuts down the NATS connection.
func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}

// Conn returns the underlying NATS connection for advanced use.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

// natsSub wraps a NATS subscription.
type natsSub struct {
	sub   *nats.Subscription
	block bool

	mu       sync.RWMutex
	ch       chan *Message
	done     chan struct{}
	doneOnce sync.Once
	closed   bool
}

func newNATSSub(size int, block bool) *natsSub {
	return &natsSub{
		block: block,
		ch:    make(chan *Message, size),
		done:  make(chan struct{}),
	}
}

func (s *natsSub) handle(m *nats.Msg) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	msg := fromNATSMsg(m)
	if !s.block {
		select {
		case s.ch <- msg:
		default:
		}
		return
	}
	select {
	case s.ch <- msg:
	case <-s.done:
	}
}

func (s *natsSub) close() {
	// done first so a blocked handler releases the read lock
	s.doneOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Messages returns the message channel.
func (s *natsSub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *natsSub) Unsubscribe() error {
	var err error
	if s.sub != nil {
		err = s.sub.Unsubscribe()
	}
	s.close()
	return err
}
