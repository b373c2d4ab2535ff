package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

type fakeTargets struct {
	targets []monitor.NotificationTarget
	err     error
}

func (f *fakeTargets) CreateTarget(context.Context, monitor.NotificationTarget) error { return nil }
func (f *fakeTargets) GetTarget(context.Context, string) (monitor.NotificationTarget, error) {
	return monitor.NotificationTarget{}, monitor.ErrTargetNotFound
}
func (f *fakeTargets) ListTargets(context.Context) ([]monitor.NotificationTarget, error) {
	return f.targets, f.err
}
func (f *fakeTargets) UpdateTarget(context.Context, monitor.NotificationTarget) error { return nil }
func (f *fakeTargets) DeleteTarget(context.Context, string) error                     { return nil }

type sentMessage struct {
	message, credential, destination string
}

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sentMessage
	calls   map[string]int
	failFor map[string][]error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{calls: map[string]int{}, failFor: map[string][]error{}}
}

func (f *fakeAdapter) Send(_ context.Context, message, credential, destination string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[destination]++
	if errs := f.failFor[destination]; len(errs) > 0 {
		f.failFor[destination] = errs[1:]
		return errs[0]
	}
	f.sent = append(f.sent, sentMessage{message, credential, destination})
	return nil
}

func strPtr(s string) *string { return &s }

var checkedAt = time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

func testSite() monitor.MonitoredSite {
	return monitor.MonitoredSite{ID: "site-1", Name: "Shop", URL: "https://shop.example", Mode: monitor.ModePlain}
}

func newTestService(targets []monitor.NotificationTarget, adapter monitor.ChannelAdapter, cfg Config) (*Service, *[]time.Duration) {
	svc := New(&fakeTargets{targets: targets}, Adapters{monitor.ChannelTelegram: adapter}, cfg, nil)
	var delays []time.Duration
	svc.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return svc, &delays
}

func TestNotifySkipsUnchanged(t *testing.T) {
	t.Parallel()

	adapter := newFakeAdapter()
	svc, _ := newTestService([]monitor.NotificationTarget{
		{ID: "t1", ChannelType: monitor.ChannelTelegram, Destination: "chat"},
	}, adapter, Config{IncludeGlobalTargets: true})

	require.NoError(t, svc.Notify(context.Background(), testSite(), monitor.DiffResult{}, checkedAt))
	require.Empty(t, adapter.sent)
}

func TestNotifyResolvesBoundAndGlobalTargets(t *testing.T) {
	t.Parallel()

	targets := []monitor.NotificationTarget{
		{ID: "bound", ChannelType: monitor.ChannelTelegram, Destination: "bound-chat", SiteID: strPtr("site-1")},
		{ID: "other", ChannelType: monitor.ChannelTelegram, Destination: "other-chat", SiteID: strPtr("site-2")},
		{ID: "global", ChannelType: monitor.ChannelTelegram, Destination: "global-chat", Credential: "tok"},
	}
	result := monitor.DiffResult{Changed: true, Text: "+a\n"}

	adapter := newFakeAdapter()
	svc, _ := newTestService(targets, adapter, Config{IncludeGlobalTargets: true})
	require.NoError(t, svc.Notify(context.Background(), testSite(), result, checkedAt))
	require.Len(t, adapter.sent, 2)
	require.Zero(t, adapter.calls["other-chat"])
	require.Equal(t, 1, adapter.calls["global-chat"])

	adapter = newFakeAdapter()
	svc, _ = newTestService(targets, adapter, Config{})
	require.NoError(t, svc.Notify(context.Background(), testSite(), result, checkedAt))
	require.Len(t, adapter.sent, 1)
	require.Equal(t, "bound-chat", adapter.sent[0].destination)
}

func TestNotifyRetriesWithBackoffThenSucceeds(t *testing.T) {
	t.Parallel()

	adapter := newFakeAdapter()
	adapter.failFor["chat"] = []error{
		&monitor.NotifyError{Retryable: true, Err: errors.New("502")},
		&monitor.NotifyError{Retryable: true, RetryAfter: 2 * time.Second, Err: errors.New("429")},
	}
	svc, delays := newTestService([]monitor.NotificationTarget{
		{ID: "t1", ChannelType: monitor.ChannelTelegram, Destination: "chat"},
	}, adapter, Config{MaxAttempts: 3, BackoffInitial: 10 * time.Millisecond, BackoffMax: 5 * time.Second, IncludeGlobalTargets: true})

	require.NoError(t, svc.Notify(context.Background(), testSite(), monitor.DiffResult{Changed: true}, checkedAt))
	require.Equal(t, 3, adapter.calls["chat"])
	require.Len(t, *delays, 2)
	require.Less(t, (*delays)[0], 10*time.Millisecond)
	require.Equal(t, 2*time.Second, (*delays)[1])
}

func TestNotifyDropsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	adapter := newFakeAdapter()
	down := errors.New("connection refused")
	adapter.failFor["chat"] = []error{down, down, down, down}
	svc, _ := newTestService([]monitor.NotificationTarget{
		{ID: "t1", ChannelType: monitor.ChannelTelegram, Destination: "chat"},
	}, adapter, Config{MaxAttempts: 3, BackoffInitial: time.Millisecond, IncludeGlobalTargets: true})

	err := svc.Notify(context.Background(), testSite(), monitor.DiffResult{Changed: true}, checkedAt)
	var notifyErr *monitor.NotifyError
	require.ErrorAs(t, err, &notifyErr)
	require.Equal(t, "t1", notifyErr.TargetID)
	require.ErrorIs(t, err, down)
	require.Equal(t, 3, adapter.calls["chat"])
}

func TestNotifyPermanentFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	adapter := newFakeAdapter()
	adapter.failFor["chat"] = []error{&monitor.NotifyError{Err: errors.New("forbidden")}}
	svc, delays := newTestService([]monitor.NotificationTarget{
		{ID: "t1", ChannelType: monitor.ChannelTelegram, Destination: "chat"},
	}, adapter, Config{MaxAttempts: 3, IncludeGlobalTargets: true})

	require.Error(t, svc.Notify(context.Background(), testSite(), monitor.DiffResult{Changed: true}, checkedAt))
	require.Equal(t, 1, adapter.calls["chat"])
	require.Empty(t, *delays)
}

func TestNotifyFailureDoesNotBlockOtherTargets(t *testing.T) {
	t.Parallel()

	adapter := newFakeAdapter()
	adapter.failFor["bad"] = []error{&monitor.NotifyError{Err: errors.New("chat not found")}}
	targets := []monitor.NotificationTarget{
		{ID: "t-bad", ChannelType: monitor.ChannelTelegram, Destination: "bad"},
		{ID: "t-good", ChannelType: monitor.ChannelTelegram, Destination: "good"},
		{ID: "t-discord", ChannelType: monitor.ChannelDiscord, Destination: "https://discord.example/hook"},
	}
	svc, _ := newTestService(targets, adapter, Config{MaxAttempts: 2, IncludeGlobalTargets: true})

	err := svc.Notify(context.Background(), testSite(), monitor.DiffResult{Changed: true}, checkedAt)
	require.Error(t, err)
	require.Contains(t, err.Error(), "t-bad")
	require.Contains(t, err.Error(), "no adapter")
	require.Len(t, adapter.sent, 1)
	require.Equal(t, "good", adapter.sent[0].destination)
}

func TestNotifyTargetStoreError(t *testing.T) {
	t.Parallel()

	svc := New(&fakeTargets{err: errors.New("db down")}, Adapters{}, Config{}, nil)
	err := svc.Notify(context.Background(), testSite(), monitor.DiffResult{Changed: true}, checkedAt)
	require.ErrorContains(t, err, "db down")
}

func TestNotifyRendersSiteTemplate(t *testing.T) {
	t.Parallel()

	adapter := newFakeAdapter()
	site := testSite()
	site.Settings.Template = strPtr("{{.Name}} changed at {{.LastChecked}} {{.Unknown}}\n{{.Diff}}")
	svc, _ := newTestService([]monitor.NotificationTarget{
		{ID: "t1", ChannelType: monitor.ChannelTelegram, Destination: "chat"},
	}, adapter, Config{IncludeGlobalTargets: true})

	require.NoError(t, svc.Notify(context.Background(), site, monitor.DiffResult{Changed: true, Text: "-a\n+b\n"}, checkedAt))
	require.Equal(t, "Shop changed at 2024-05-01T10:30:00Z {{.Unknown}}\n-a\n+b", adapter.sent[0].message)
}

func TestNotifyRetryResendsOnlyUndeliveredTail(t *testing.T) {
	t.Parallel()

	adapter := newFakeAdapter()
	adapter.failFor["chat"] = []error{
		monitor.PartiallyDelivered(&monitor.NotifyError{Retryable: true, Err: errors.New("502")}, "second half"),
	}
	svc, delays := newTestService([]monitor.NotificationTarget{
		{ID: "t1", ChannelType: monitor.ChannelTelegram, Destination: "chat"},
	}, adapter, Config{MaxAttempts: 3, BackoffInitial: time.Millisecond, IncludeGlobalTargets: true})

	require.NoError(t, svc.Notify(context.Background(), testSite(), monitor.DiffResult{Changed: true, Text: "+a\n"}, checkedAt))
	require.Equal(t, 2, adapter.calls["chat"])
	require.Len(t, *delays, 1)
	require.Len(t, adapter.sent, 1)
	require.Equal(t, "second half", adapter.sent[0].message)
}

func TestNotifyJoinsFailuresInTargetOrder(t *testing.T) {
	t.Parallel()

	adapter := newFakeAdapter()
	adapter.failFor["a"] = []error{&monitor.NotifyError{Err: errors.New("first")}}
	adapter.failFor["c"] = []error{&monitor.NotifyError{Err: errors.New("third")}}
	targets := []monitor.NotificationTarget{
		{ID: "t-a", ChannelType: monitor.ChannelTelegram, Destination: "a"},
		{ID: "t-b", ChannelType: monitor.ChannelTelegram, Destination: "b"},
		{ID: "t-c", ChannelType: monitor.ChannelTelegram, Destination: "c"},
	}
	svc, _ := newTestService(targets, adapter, Config{MaxAttempts: 1, MaxConcurrent: 1, IncludeGlobalTargets: true})

	err := svc.Notify(context.Background(), testSite(), monitor.DiffResult{Changed: true}, checkedAt)
	require.Error(t, err)
	msg := err.Error()
	require.Less(t, strings.Index(msg, "t-a"), strings.Index(msg, "t-c"))
	require.NotContains(t, msg, "t-b")
	require.Len(t, adapter.sent, 1)
}
