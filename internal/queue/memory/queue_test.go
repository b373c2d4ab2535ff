package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan monitor.CheckItem, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	require.NoError(t, q.Enqueue(context.Background(), monitor.CheckItem{SiteID: "site-1"}))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "site-1", got.SiteID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return item")
	}
}

func TestQueueTryEnqueueWhenFull(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.TryEnqueue(monitor.CheckItem{SiteID: "a"}))
	require.ErrorIs(t, q.TryEnqueue(monitor.CheckItem{SiteID: "b"}), monitor.ErrQueueFull)
	require.Equal(t, 1, q.Len())

	drained := q.Drain()
	require.Equal(t, []monitor.CheckItem{{SiteID: "a"}}, drained)
	require.Zero(t, q.Len())
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewQueue(1).Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	full := NewQueue(1)
	require.NoError(t, full.Enqueue(context.Background(), monitor.CheckItem{SiteID: "primed"}))
	require.EqualError(t, full.Enqueue(ctx, monitor.CheckItem{}), "enqueue canceled: context canceled")
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	q.Close()
	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, q.TryEnqueue(monitor.CheckItem{}), ErrClosed)
	require.ErrorIs(t, q.Enqueue(context.Background(), monitor.CheckItem{}), ErrClosed)
	q.Close()
}
