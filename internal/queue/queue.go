// Package queue is the bounded hand-off between ingestion and delivery.
package queue

import (
	"context"
	"fmt"
	"time"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 100

// DefaultWait bounds how long Dequeue blocks when no wait is given.
const DefaultWait = time.Second

// Queue is a bounded FIFO. Enqueue blocks while the queue is full.
type Queue[T any] struct {
	items chan T
}

// New returns an empty queue holding at most capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue[T]{items: make(chan T, capacity)}
}

// Enqueue adds item, waiting for space until ctx is done.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: enqueue: %w", ctx.Err())
	}
}

// Dequeue removes the oldest item. It returns false if nothing arrived
// within wait or ctx is done, so consumer loops can observe shutdown.
func (q *Queue[T]) Dequeue(ctx context.Context, wait time.Duration) (T, bool) {
	if wait <= 0 {
		wait = DefaultWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var zero T
	select {
	case item := <-q.items:
		return item, true
	case <-timer.C:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.items)
}
