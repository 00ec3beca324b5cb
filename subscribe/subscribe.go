// Package subscribe implements the multi-handler event sink used throughout
// the stack: protocols subscribe to channel events, sessions subscribe to
// channel stops, and the supervisor fans out connect and close notifications.
//
// A Subscriber is owned by exactly one strand. Subscribe, Notify and Stop must
// all be invoked on that strand; in exchange the subscriber needs no internal
// locking and handler invocations observe a total order. Every handler is
// guaranteed an at-most-once terminal notification: either the event it was
// waiting for, or the stop code.
package subscribe

import (
	"math"

	"github.com/hashforge/bnet/neterror"
)

// Handler consumes a notification. A nil error carries a valid value; a
// non-nil error carries the zero value and, if the error is terminal, is the
// last invocation this handler will ever see.
type Handler[T any] func(error, T)

// entry pairs a handler with its key, preserving insertion order for fan-out.
type entry[T any] struct {
	key     uint64
	handler Handler[T]
}

// Subscriber is an ordered collection of handlers keyed by caller-assigned
// monotone keys. The zero value is not usable; construct with NewSubscriber.
type Subscriber[T any] struct {
	entries []entry[T]
	keys    map[uint64]struct{}
	stopped bool
}

// NewSubscriber creates an empty, running subscriber.
func NewSubscriber[T any]() *Subscriber[T] {
	return &Subscriber[T]{
		keys: make(map[uint64]struct{}),
	}
}

// Subscribe registers a handler under the given key. It returns
// ErrSubscriberStopped after Stop (the handler is not retained), and
// ErrSubscriberExists if the key is already registered. Key reuse is only
// legitimate after key-counter overflow, which callers report and ignore.
func (s *Subscriber[T]) Subscribe(key uint64, handler Handler[T]) error {
	if s.stopped {
		return neterror.ErrSubscriberStopped
	}

	if _, ok := s.keys[key]; ok {
		return neterror.ErrSubscriberExists
	}

	s.keys[key] = struct{}{}
	s.entries = append(s.entries, entry[T]{key: key, handler: handler})
	return nil
}

// Notify fans the event out to every handler in insertion order. Handlers
// remain subscribed.
func (s *Subscriber[T]) Notify(err error, value T) {
	for _, e := range s.entries {
		e.handler(err, value)
	}
}

// NotifyOne delivers the event to the handler registered under key, if any,
// and reports whether a handler was found. The handler remains subscribed.
func (s *Subscriber[T]) NotifyOne(key uint64, err error, value T) bool {
	for _, e := range s.entries {
		if e.key == key {
			e.handler(err, value)
			return true
		}
	}
	return false
}

// Desubscribe removes the handler registered under key after notifying it
// with ErrDesubscribed, reporting whether a handler was found.
func (s *Subscriber[T]) Desubscribe(key uint64) bool {
	for i, e := range s.entries {
		if e.key != key {
			continue
		}

		var zero T
		e.handler(neterror.ErrDesubscribed, zero)

		s.entries = append(s.entries[:i], s.entries[i+1:]...)
		delete(s.keys, key)
		return true
	}
	return false
}

// Stop fans the terminal code out to every handler in insertion order and
// drops them all. Subsequent Subscribe calls return ErrSubscriberStopped;
// subsequent Notify calls are no-ops. Stop is idempotent.
func (s *Subscriber[T]) Stop(err error, value T) {
	if s.stopped {
		return
	}
	s.stopped = true

	entries := s.entries
	s.entries = nil
	s.keys = nil

	for _, e := range entries {
		e.handler(err, value)
	}
}

// Stopped reports whether Stop has been called.
func (s *Subscriber[T]) Stopped() bool {
	return s.stopped
}

// Len returns the number of registered handlers.
func (s *Subscriber[T]) Len() int {
	return len(s.entries)
}

// MaxKey is the largest representable subscription key. A keys counter that
// reaches it has overflowed; the condition is reported and ignored, with
// duplicate keys tolerated only in that state.
const MaxKey = math.MaxUint64
