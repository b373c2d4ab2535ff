// Package dispatcher manages worker fan-out over the check queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   monitor.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue monitor.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{queue: queue, workers: workers}
}

// NewPool builds a Dispatcher with n workers sharing handler.
func NewPool(queue monitor.Queue, handler monitor.CheckHandler, n int, logger *zap.Logger) *Dispatcher {
	if n < 1 {
		n = 1
	}
	workers := make([]*worker.Worker, 0, n)
	for i := 0; i < n; i++ {
		workers = append(workers, worker.New(i, queue, handler, logger))
	}
	return New(queue, workers)
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// TryEnqueue hands item to the workers without blocking. It wraps
// monitor.ErrQueueFull when every slot is taken.
func (d *Dispatcher) TryEnqueue(item monitor.CheckItem) error {
	if err := d.queue.TryEnqueue(item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Size reports the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}
