package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrSlowConsumer is returned when every member of a queue group has a full
// buffer and the message could not be handed to anyone.
var ErrSlowConsumer = errors.New("slow consumer: queue group buffers full")

// MemoryBus implements MessageBus using in-memory channels.
// Useful for testing and single-process scenarios.
type MemoryBus struct {
	config Config

	mu          sync.RWMutex
	subs        map[string][]*memorySub
	queueGroups map[string]map[string]*queueGroup // subject -> queue -> group
	closed      atomic.Bool

	// For request/reply
	replyMu   sync.Mutex
	replySubs map[string]chan *Message
}

type queueGroup struct {
	members []*memorySub
	next    atomic.Uint64
}

type memorySub struct {
	subject string
	queue   string
	bus     *MemoryBus

	mu     sync.Mutex
	ch     chan *Message
	closed bool
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config:      cfg,
		subs:        make(map[string][]*memorySub),
		queueGroups: make(map[string]map[string]*queueGroup),
		replySubs:   make(map[string]chan *Message),
	}
}

// Publish sends a message to all subscribers and one member of every queue
// group. Plain subscribers with full buffers miss the message; a queue group
// with no room anywhere makes Publish fail with ErrSlowConsumer.
func (b *MemoryBus) Publish(ctx context.Context, msg *Message) error {
	if msg == nil {
		return ErrInvalidSubject
	}
	if err := ValidateSubject(msg.Subject); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	if b.deliverToReply(msg) {
		return nil
	}
	b.deliverToSubscribers(msg)
	_, err := b.deliverToQueueGroups(msg)
	return err
}

// deliverToSubscribers sends to all regular subscribers and reports how many
// took the message.
func (b *MemoryBus) deliverToSubscribers(msg *Message) int {
	b.mu.RLock()
	subs := append([]*memorySub(nil), b.subs[msg.Subject]...)
	b.mu.RUnlock()

	n := 0
	for _, sub := range subs {
		if sub.offer(msg) {
			n++
		}
	}
	return n
}

// deliverToQueueGroups sends to one subscriber per queue group.
func (b *MemoryBus) deliverToQueueGroups(msg *Message) (int, error) {
	b.mu.RLock()
	groups := make([]*queueGroup, 0, len(b.queueGroups[msg.Subject]))
	members := make([][]*memorySub, 0, len(b.queueGroups[msg.Subject]))
	for _, g := range b.queueGroups[msg.Subject] {
		groups = append(groups, g)
		members = append(members, append([]*memorySub(nil), g.members...))
	}
	b.mu.RUnlock()

	n := 0
	var err error
	for i, g := range groups {
		if len(members[i]) == 0 {
			continue
		}
		if g.deliver(members[i], msg) {
			n++
		} else {
			err = ErrSlowConsumer
		}
	}
	return n, err
}

// deliver hands msg to the next member in rotation, skipping members whose
// buffer is full.
func (g *queueGroup) deliver(members []*memorySub, msg *Message) bool {
	start := g.next.Add(1) - 1
	for i := 0; i < len(members); i++ {
		sub := members[(start+uint64(i))%uint64(len(members))]
		if sub.offer(msg) {
			return true
		}
	}
	return false
}

// deliverToReply routes msg to a waiting requester, if msg.Subject is an
// inbox.
func (b *MemoryBus) deliverToReply(msg *Message) bool {
	b.replyMu.Lock()
	ch, ok := b.replySubs[msg.Subject]
	if ok {
		delete(b.replySubs, msg.Subject)
	}
	b.replyMu.Unlock()

	if ok {
		ch <- msg
	}
	return ok
}

// Subscribe creates a subscription to a subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.mu.Unlock()

	return sub, nil
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	if b.queueGroups[subject] == nil {
		b.queueGroups[subject] = make(map[string]*queueGroup)
	}
	g := b.queueGroups[subject][queue]
	if g == nil {
		g = &queueGroup{}
		b.queueGroups[subject][queue] = g
	}
	g.members = append(g.members, sub)
	b.mu.Unlock()

	return sub, nil
}

// Request sends a request and waits for reply until ctx is done.
func (b *MemoryBus) Request(ctx context.Context, msg *Message) (*Message, error) {
	if msg == nil {
		return nil, ErrInvalidSubject
	}
	if err := ValidateSubject(msg.Subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	replySubject := newInbox()
	replyCh := make(chan *Message, 1)

	b.replyMu.Lock()
	b.replySubs[replySubject] = replyCh
	b.replyMu.Unlock()

	req := *msg
	req.Reply = replySubject

	delivered := b.deliverToSubscribers(&req)
	n, err := b.deliverToQueueGroups(&req)
	delivered += n
	if delivered == 0 {
		b.dropReply(replySubject)
		if err != nil {
			return nil, err
		}
		return nil, ErrNoResponders
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		b.dropReply(replySubject)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

func (b *MemoryBus) dropReply(subject string) {
	b.replyMu.Lock()
	delete(b.replySubs, subject)
	b.replyMu.Unlock()
}

func newInbox() string {
	return "_INBOX." + uuid.NewString()
}

// Close shuts down the bus.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}

	for _, queues := range b.queueGroups {
		for _, g := range queues {
			for _, sub := range g.members {
				sub.close()
			}
		}
	}

	b.subs = nil
	b.queueGroups = nil

	return nil
}

// offer performs a non-blocking send; false when closed or full.
func (s *memorySub) offer(msg *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *memorySub) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	if !s.close() {
		return nil
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.queue == "" {
		s.bus.removeSub(s.subject, s)
	} else {
		s.bus.removeQueueSub(s.subject, s.queue, s)
	}
	return nil
}

// removeSub removes a regular subscription.
func (b *MemoryBus) removeSub(subject string, target *memorySub) {
	subs := b.subs[subject]
	for i, sub := range subs {
		if sub == target {
			b.subs[subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

// removeQueueSub removes a queue subscription.
func (b *MemoryBus) removeQueueSub(subject, queue string, target *memorySub) {
	g := b.queueGroups[subject][queue]
	if g == nil {
		return
	}
	for i, sub := range g.members {
		if sub == target {
			g.members = append(g.members[:i:i], g.members[i+1:]...)
			break
		}
	}
}
