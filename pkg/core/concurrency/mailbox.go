package concurrency

import (
	"context"
	"errors"
	"sync"

	"github.com/gammazero/deque"
)

var (
	// ErrMailboxClosed is returned when sending to a sealed mailbox, or
	// receiving from one that is sealed and drained.
	ErrMailboxClosed = errors.New("mailbox is closed")
)

// Mailbox is an unbounded multi-producer, multi-consumer FIFO queue.
// Every message is delivered to exactly one receiver.
type Mailbox[T any] interface {
	// Send appends msg without blocking.
	// Returns ErrMailboxClosed if the mailbox is sealed.
	Send(msg T) error

	// Receive removes the oldest message, blocking until one is available
	// or ctx is cancelled. Messages queued before Close are still
	// delivered; ErrMailboxClosed is returned only once the mailbox is
	// sealed and empty.
	Receive(ctx context.Context) (T, error)

	// TryReceive is Receive without blocking.
	// Returns (msg, true, nil) if a message was available.
	TryReceive() (T, bool, error)

	// Close seals the mailbox against further sends.
	Close()

	// Size returns the current number of queued messages
	Size() int

	// IsClosed returns true if the mailbox is sealed
	IsClosed() bool
}

// unboundedMailbox keeps messages in a ring-buffer deque guarded by mu.
// mu is held only for a single push or pop.
//
// notify holds at most one wake-up token. A sender leaves a token after
// pushing; a receiver that pops and sees more messages passes the token on,
// so a non-empty queue always has a token or an active receiver.
type unboundedMailbox[T any] struct {
	mu     sync.Mutex
	queue  deque.Deque[T]
	closed bool

	notify chan struct{}
	done   chan struct{}
}

// NewMailbox creates an empty unbounded mailbox.
func NewMailbox[T any]() Mailbox[T] {
	return &unboundedMailbox[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Send implements Mailbox interface
func (mb *unboundedMailbox[T]) Send(msg T) error {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return ErrMailboxClosed
	}
	mb.queue.PushBack(msg)
	mb.mu.Unlock()

	mb.wake()
	return nil
}

// Receive implements Mailbox interface
func (mb *unboundedMailbox[T]) Receive(ctx context.Context) (T, error) {
	for {
		msg, ok, err := mb.TryReceive()
		if ok || err != nil {
			return msg, err
		}

		select {
		case <-mb.notify:
		case <-mb.done:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryReceive implements Mailbox interface
func (mb *unboundedMailbox[T]) TryReceive() (T, bool, error) {
	mb.mu.Lock()
	if mb.queue.Len() == 0 {
		closed := mb.closed
		mb.mu.Unlock()

		var zero T
		if closed {
			return zero, false, ErrMailboxClosed
		}
		return zero, false, nil
	}
	msg := mb.queue.PopFront()
	more := mb.queue.Len() > 0
	mb.mu.Unlock()

	if more {
		mb.wake()
	}
	return msg, true, nil
}

func (mb *unboundedMailbox[T]) wake() {
	select {
	case mb.notify <- struct{}{}:
	default:
	}
}

// Close implements Mailbox interface
func (mb *unboundedMailbox[T]) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if !mb.closed {
		mb.closed = true
		close(mb.done)
	}
}

// Size implements Mailbox interface
func (mb *unboundedMailbox[T]) Size() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.queue.Len()
}

// IsClosed implements Mailbox interface
func (mb *unboundedMailbox[T]) IsClosed() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.closed
}
