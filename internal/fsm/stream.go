package fsm

import (
	"context"
	"sync"
)

// Equal compares comparable values with ==.
func Equal[T comparable](a, b T) bool { return a == b }

// Stream holds the current state of a machine and broadcasts every distinct
// state to its subscribers, in order. Duplicate states are never delivered.
type Stream[T any] struct {
	mu    sync.Mutex
	value T
	equal func(a, b T) bool
	subs  map[*Subscription[T]]struct{}
}

// NewStream returns a stream holding initial. equal decides whether a new
// value is distinct from the current one.
func NewStream[T any](initial T, equal func(a, b T) bool) *Stream[T] {
	return &Stream[T]{
		value: initial,
		equal: equal,
		subs:  make(map[*Subscription[T]]struct{}),
	}
}

// Get returns the current value.
func (s *Stream[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set publishes v. It returns false, and notifies nobody, when v equals the
// current value.
func (s *Stream[T]) Set(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.equal(s.value, v) {
		return false
	}
	s.value = v
	for sub := range s.subs {
		sub.mb.Post(v)
	}
	return true
}

// Subscribe returns a subscription whose channel first yields the current
// value and then every distinct value set afterwards.
func (s *Stream[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{
		stream: s,
		mb:     NewMailbox[T](),
		out:    make(chan T),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	sub.mb.Post(s.value)
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.pump()
	return sub
}

// Wait blocks until the stream holds a value satisfying pred, or ctx ends.
func (s *Stream[T]) Wait(ctx context.Context, pred func(T) bool) (T, error) {
	sub := s.Subscribe()
	defer sub.Close()
	for {
		select {
		case v := <-sub.C():
			if pred(v) {
				return v, nil
			}
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

func (s *Stream[T]) unsubscribe(sub *Subscription[T]) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// Subscription is a handle on a Stream. Close releases it.
type Subscription[T any] struct {
	stream *Stream[T]
	mb     *Mailbox[T]
	out    chan T
	done   chan struct{}
	once   sync.Once
}

// C yields states in order. It is closed after Close.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

// Close stops delivery. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.stream.unsubscribe(s)
		close(s.done)
	})
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.mb.Ready():
			for _, v := range s.mb.Drain() {
				select {
				case s.out <- v:
				case <-s.done:
					return
				}
			}
		}
	}
}
