package pipeline

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrQueueFull   = errors.New("queue full")
	ErrQueueClosed = errors.New("queue closed")
)

// Policy controls what a full queue does with a new item.
type Policy int

const (
	// Block makes Push wait for capacity (or context cancellation).
	Block Policy = iota
	// DropOldest evicts the oldest queued item to make room.
	DropOldest
)

// Queue is a bounded stage queue. Producers use Push or TryPush; the single
// consumer ranges over Chan. Close is safe to call concurrently with sends.
type Queue[T any] struct {
	ch        chan T
	policy    Policy
	done      chan struct{}
	closeOnce sync.Once
}

func NewQueue[T any](capacity int, policy Policy) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		ch:     make(chan T, capacity),
		policy: policy,
		done:   make(chan struct{}),
	}
}

// Push enqueues v according to the queue's policy. Under Block it waits for
// capacity; under DropOldest it evicts the head instead of waiting. Returns
// ErrQueueClosed after Close and ctx.Err() on cancellation.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	return q.push(ctx, v, q.policy)
}

// PushDropOldest enqueues v evicting the head on overflow, regardless of the
// queue's default policy. Used for tick events on the shared inbound queue.
func (q *Queue[T]) PushDropOldest(ctx context.Context, v T) error {
	return q.push(ctx, v, DropOldest)
}

func (q *Queue[T]) push(ctx context.Context, v T, policy Policy) error {
	for {
		select {
		case <-q.done:
			return ErrQueueClosed
		case <-ctx.Done():
			return ctx.Err()
		case q.ch <- v:
			return nil
		default:
		}
		if policy == DropOldest {
			select {
			case <-q.ch:
			default:
			}
			continue
		}
		select {
		case <-q.done:
			return ErrQueueClosed
		case <-ctx.Done():
			return ctx.Err()
		case q.ch <- v:
			return nil
		}
	}
}

// TryPush enqueues without blocking, regardless of policy.
func (q *Queue[T]) TryPush(v T) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- v:
		return nil
	default:
		return ErrQueueFull
	}
}

// Chan exposes the receive side. It is never closed; consumers select on it
// together with Done.
func (q *Queue[T]) Chan() <-chan T {
	return q.ch
}

// Done is closed when the queue is closed.
func (q *Queue[T]) Done() <-chan struct{} {
	return q.done
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close stops the queue from accepting new items. Items already queued stay
// readable on Chan so a draining consumer can finish them.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Drain consumes remaining items after Close, passing each to handler, until
// the queue is empty or ctx expires.
func (q *Queue[T]) Drain(ctx context.Context, handler func(T)) {
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-q.ch:
			handler(v)
		default:
			return
		}
	}
}
