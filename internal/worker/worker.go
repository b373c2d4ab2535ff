// Package worker runs check cycles pulled from the check queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Worker consumes queue items and hands each to the check handler.
type Worker struct {
	id      int
	queue   monitor.Queue
	handler monitor.CheckHandler
	logger  *zap.Logger
}

// New constructs a Worker.
func New(id int, queue monitor.Queue, handler monitor.CheckHandler, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		queue:   queue,
		handler: handler,
		logger:  logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, monitor.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued check", zap.String("site_id", item.SiteID))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item monitor.CheckItem) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("check handler panicked",
				zap.String("site_id", item.SiteID),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	w.handler.RunCheck(ctx, item)
}
