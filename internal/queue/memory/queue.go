// Package memory provides the bounded in-process check queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = monitor.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan monitor.CheckItem
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan monitor.CheckItem, capacity)}
}

// Enqueue pushes an item into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, item monitor.CheckItem) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// TryEnqueue pushes an item without blocking.
func (q *Queue) TryEnqueue(item monitor.CheckItem) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return monitor.ErrQueueFull
	}
}

// Dequeue pops the next item, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (monitor.CheckItem, error) {
	select {
	case <-ctx.Done():
		return monitor.CheckItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return monitor.CheckItem{}, ErrClosed
		}
		return item, nil
	}
}

// Drain removes and returns every queued item without blocking.
func (q *Queue) Drain() []monitor.CheckItem {
	var out []monitor.CheckItem
	for {
		select {
		case item, ok := <-q.ch:
			if !ok {
				return out
			}
			out = append(out, item)
		default:
			return out
		}
	}
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
