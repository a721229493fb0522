// Package pubsub provides an ordered, lossless fanout used for token and snapshot streams.
//
// Every subscriber owns an unbounded FIFO drained by its own goroutine, so a slow
// subscriber never blocks Publish and never loses or reorders values.
package pubsub

import "sync"

// Broadcaster fans values out to subscribers in publish order.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	replay bool
	latest T
	has    bool
	closed bool
}

// Option configures a Broadcaster.
type Option[T any] func(*Broadcaster[T])

// WithReplayLatest makes new subscribers receive the most recent value first.
func WithReplayLatest[T any](initial T) Option[T] {
	return func(b *Broadcaster[T]) {
		b.replay = true
		b.latest = initial
		b.has = true
	}
}

// New constructs a Broadcaster.
func New[T any](opts ...Option[T]) *Broadcaster[T] {
	b := &Broadcaster[T]{subs: make(map[*Subscription[T]]struct{})}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Publish enqueues v for every current subscriber. It never blocks on a subscriber.
func (b *Broadcaster[T]) Publish(v T) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if b.replay {
		b.latest = v
		b.has = true
	}
	for s := range b.subs {
		s.push(v)
	}
}

// Latest returns the last published value when replay is enabled.
func (b *Broadcaster[T]) Latest() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.has
}

// Subscribe registers a new subscriber. With replay enabled the latest value is delivered first.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		owner:  b,
		signal: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.stop()
		close(s.out)
		return s
	}
	if b.replay && b.has {
		s.push(b.latest)
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.run()
	return s
}

// Len reports the number of live subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close terminates every subscription. Later Publish calls are ignored.
func (b *Broadcaster[T]) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription[T]]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.stop()
	}
}

func (b *Broadcaster[T]) remove(s *Subscription[T]) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one consumer of a Broadcaster.
type Subscription[T any] struct {
	owner *Broadcaster[T]

	mu     sync.Mutex
	queue  []T
	signal chan struct{}

	out       chan T
	done      chan struct{}
	closeOnce sync.Once
}

// C returns the delivery channel. It is closed after Close.
func (s *Subscription[T]) C() <-chan T { return s.out }

// Close detaches the subscription (idempotent). Undelivered values are discarded.
func (s *Subscription[T]) Close() {
	if s == nil {
		return
	}
	if s.owner != nil {
		s.owner.remove(s)
	}
	s.stop()
}

func (s *Subscription[T]) stop() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) pop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if len(s.queue) == 0 {
		return zero, false
	}
	v := s.queue[0]
	s.queue[0] = zero
	s.queue = s.queue[1:]
	return v, true
}

func (s *Subscription[T]) run() {
	defer close(s.out)

	for {
		v, ok := s.pop()
		if !ok {
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}
