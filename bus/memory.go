package bus

import (
	"sync"
	"sync/atomic"
)

// MemoryBus delivers messages between goroutines of one process. The CLI
// demo and tests use it in place of NATS.
type MemoryBus struct {
	bufferSize int

	mu     sync.RWMutex
	subs   []*memorySub
	cursor atomic.Uint64
	closed atomic.Bool
}

type memorySub struct {
	bus     *MemoryBus
	pattern string
	queue   string
	ch      chan *Message
	done    atomic.Bool
}

// group identifies one queue group: members sharing a pattern and a queue
// name split the messages between them.
type group struct{ pattern, queue string }

// NewMemoryBus creates an in-memory bus. A non-positive BufferSize takes
// the default.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &MemoryBus{bufferSize: cfg.BufferSize}
}

// Publish hands msg to every plain subscriber whose pattern matches and to
// one member of each matching queue group. Full buffers drop the message
// for that subscriber; a queue group falls through to its next member.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := validatePublish(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}
	msg := &Message{Subject: subject, Data: data}

	// Sends happen under the read lock; channels are only closed under the
	// write lock.
	b.mu.RLock()
	defer b.mu.RUnlock()

	var groups map[group][]*memorySub
	for _, s := range b.subs {
		if !MatchSubject(s.pattern, subject) {
			continue
		}
		if s.queue == "" {
			s.offer(msg)
			continue
		}
		if groups == nil {
			groups = make(map[group][]*memorySub)
		}
		g := group{s.pattern, s.queue}
		groups[g] = append(groups[g], s)
	}
	for _, members := range groups {
		start := int(b.cursor.Add(1) % uint64(len(members)))
		for i := range members {
			if members[(start+i)%len(members)].offer(msg) {
				break
			}
		}
	}
	return nil
}

func (s *memorySub) offer(msg *Message) bool {
	if s.done.Load() {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

// Subscribe receives every message whose subject matches pattern.
func (b *MemoryBus) Subscribe(pattern string) (Subscription, error) {
	return b.add(pattern, "")
}

// QueueSubscribe joins the queue group named queue on pattern.
func (b *MemoryBus) QueueSubscribe(pattern, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.add(pattern, queue)
}

func (b *MemoryBus) add(pattern, queue string) (Subscription, error) {
	if err := ValidateSubject(pattern); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}
	s := &memorySub{
		bus:     b,
		pattern: pattern,
		queue:   queue,
		ch:      make(chan *Message, b.bufferSize),
	}
	b.subs = append(b.subs, s)
	return s, nil
}

// Close ends every subscription. Later calls are no-ops.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Swap(true) {
		return nil
	}
	for _, s := range b.subs {
		s.finish()
	}
	b.subs = nil
	return nil
}

func (s *memorySub) finish() {
	if !s.done.Swap(true) {
		close(s.ch)
	}
}

func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe removes s from the bus and closes its channel.
func (s *memorySub) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.done.Load() {
		return nil
	}
	for i, other := range b.subs {
		if other == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	s.finish()
	return nil
}
