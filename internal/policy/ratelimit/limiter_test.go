package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitPacesSameHost(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1 is one token every 100ms.
	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.example/a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://TEST.example/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	require.Equal(t, 1, l.Hosts())
}

func TestWaitIndependentHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 1, Burst: 1})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://a.example"))
	require.NoError(t, l.Wait(ctx, "https://b.example"))
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, 2, l.Hosts())
}

func TestWaitRespectsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.1, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.example"))
}

func TestZeroRPSIsUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://fast.example"))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestHostOfUnparseable(t *testing.T) {
	t.Parallel()

	require.Equal(t, "unknown", hostOf("://bad"))
	require.Equal(t, "example.com", hostOf("https://Example.com:8443/x"))
}
