package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/scheduler"
	"github.com/JakeFAU/pagewatch/internal/service"
	"github.com/JakeFAU/pagewatch/internal/storage/memory"
)

var t0 = time.Date(2024, 5, 1, 10, 2, 0, 0, time.UTC)

type testEnv struct {
	server  *Server
	store   *memory.Store
	fetcher *fakeFetcher
	ticker  *fakeTicker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   memory.NewStore(10),
		fetcher: &fakeFetcher{},
		ticker:  &fakeTicker{},
	}
	clock := &fakeClock{now: t0}
	svc, err := service.New(service.Config{}, service.Deps{
		Sites:     env.store,
		Targets:   env.store,
		Snapshots: env.store,
		Checks:    env.store,
		Fetcher:   env.fetcher,
		Clock:     clock,
		IDs:       &fakeIDGen{},
	}, zap.NewNop())
	require.NoError(t, err)
	env.server = NewServer(svc, clock, Options{Ticker: env.ticker}, zap.NewNop())
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

const siteBody = `{"url":"https://shop.example/item","name":"Shop","cron_expression":"*/5 * * * *","settings":{"selectors":["h1"]}}`

func TestServer_SiteLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/sites", siteBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	site := decode[monitor.MonitoredSite](t, rec)
	require.Equal(t, "id-1", site.ID)
	require.Equal(t, time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC), site.NextCheckAt)

	rec = env.do(t, http.MethodGet, "/v1/sites/id-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/sites", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Sites []monitor.MonitoredSite `json:"sites"`
	}](t, rec)
	require.Len(t, list.Sites, 1)

	rec = env.do(t, http.MethodPut, "/v1/sites/id-1",
		`{"url":"https://shop.example/item","name":"Renamed","cron_expression":"daily","enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[monitor.MonitoredSite](t, rec)
	require.Equal(t, "Renamed", updated.Name)
	require.False(t, updated.Enabled)
	require.Equal(t, "0 0 * * *", updated.CronExpression)

	rec = env.do(t, http.MethodDelete, "/v1/sites/id-1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/sites/id-1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CreateSiteValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/sites", `{"url":"https://a.example","name":"A","cron_expression":"whenever"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]string](t, rec)
	require.Equal(t, "cron_expression", body["field"])

	rec = env.do(t, http.MethodPost, "/v1/sites", `{invalid`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/sites", `{"url":"https://a.example","surprise":true}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ChecksAndSnapshot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/v1/sites", siteBody).Code)

	rec := env.do(t, http.MethodGet, "/v1/sites/id-1/snapshot", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, env.store.PutSnapshot(ctx, monitor.Snapshot{SiteID: "id-1", Fragments: []string{"Price 10"}, Hash: "h"}))
	for i := 0; i < 3; i++ {
		require.NoError(t, env.store.AppendCheck(ctx, monitor.CheckRecord{ID: fmt.Sprintf("c%d", i), SiteID: "id-1"}))
	}

	rec = env.do(t, http.MethodGet, "/v1/sites/id-1/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"Price 10"}, decode[monitor.Snapshot](t, rec).Fragments)

	rec = env.do(t, http.MethodGet, "/v1/sites/id-1/checks?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	checks := decode[struct {
		Checks []monitor.CheckRecord `json:"checks"`
	}](t, rec)
	require.Len(t, checks.Checks, 2)
	require.Equal(t, "c2", checks.Checks[0].ID)

	rec = env.do(t, http.MethodGet, "/v1/sites/id-1/checks?limit=zero", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/sites/missing/checks", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_TargetLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/targets",
		`{"name":"ops","channel_type":"telegram","credential":"bot-token","destination":"-100"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotContains(t, rec.Body.String(), "bot-token")
	target := decode[monitor.NotificationTarget](t, rec)
	require.Equal(t, monitor.MaskedCredential, target.Credential)

	rec = env.do(t, http.MethodPut, "/v1/targets/"+target.ID,
		`{"name":"ops-2","channel_type":"telegram","credential":"bot-token","destination":"-100"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ops-2", decode[monitor.NotificationTarget](t, rec).Name)

	rec = env.do(t, http.MethodGet, "/v1/targets", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ops-2")
	require.NotContains(t, rec.Body.String(), "bot-token")

	rec = env.do(t, http.MethodGet, "/v1/targets/"+target.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "bot-token")

	rec = env.do(t, http.MethodPost, "/v1/targets", `{"name":"x","channel_type":"pager","destination":"1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/v1/targets/"+target.ID, "").Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/targets/"+target.ID, "").Code)
}

func TestServer_Preview(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.fetcher.resp = monitor.FetchResponse{
		URL: "https://a.example", StatusCode: 200, ContentType: "text/html",
		Body: []byte("<h1> Launch </h1><h1>Launch</h1>"),
	}

	rec := env.do(t, http.MethodPost, "/v1/preview",
		`{"url":"https://a.example","settings":{"selectors":["h1"],"trim":true,"deduplication":true}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[service.PreviewResult](t, rec)
	require.Equal(t, []string{"Launch"}, result.Fragments)

	env.fetcher.err = &monitor.FetchError{Reason: monitor.FetchStatus, StatusCode: 500, URL: "https://a.example"}
	rec = env.do(t, http.MethodPost, "/v1/preview", `{"url":"https://a.example"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServer_ManualTick(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.ticker.report = scheduler.TickReport{Enqueued: []string{"a", "b"}, Leased: 1}

	rec := env.do(t, http.MethodPost, "/v1/scheduler/tick", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	report := decode[scheduler.TickReport](t, rec)
	require.Equal(t, []string{"a", "b"}, report.Enqueued)
	require.Equal(t, t0, env.ticker.lastNow)

	env.ticker.err = errors.New("store down")
	rec = env.do(t, http.MethodPost, "/v1/scheduler/tick", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_TickWithoutScheduler(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.server.opts.Ticker = nil

	rec := env.do(t, http.MethodPost, "/v1/scheduler/tick", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_CronNext(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/cron/next?expr=hourly&n=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Next []time.Time `json:"next"`
	}](t, rec)
	require.Equal(t, []time.Time{
		time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}, body.Next)

	rec = env.do(t, http.MethodGet, "/v1/cron/next?expr=0+9+*+*+1&n=1&from=2024-05-06T09:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "2024-05-13T09:00:00Z")

	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/cron/next?expr=bogus", "").Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/cron/next?expr=hourly&from=yesterday", "").Code)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", "").Code)

	rec := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "pagewatch_")
}

func TestServer_ReadyzReportsFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.server.opts.Ready = func(context.Context) error { return errors.New("db unreachable") }

	require.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/readyz", "").Code)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("create: %w", monitor.ErrAlreadyExists)))
	require.Equal(t, http.StatusGatewayTimeout, statusFor(&monitor.FetchError{Reason: monitor.FetchTimeout}))
	require.Equal(t, http.StatusUnprocessableEntity, statusFor(&monitor.ExtractError{Err: errors.New("bad")}))
	require.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	require.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-supplied", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

type fakeIDGen struct {
	mu sync.Mutex
	n  int
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("id-%d", f.n), nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type fakeFetcher struct {
	resp monitor.FetchResponse
	err  error
}

func (f *fakeFetcher) Fetch(context.Context, monitor.FetchRequest) (monitor.FetchResponse, error) {
	if f.err != nil {
		return monitor.FetchResponse{}, f.err
	}
	return f.resp, nil
}

type fakeTicker struct {
	report  scheduler.TickReport
	err     error
	lastNow time.Time
}

func (f *fakeTicker) Tick(_ context.Context, now time.Time) (scheduler.TickReport, error) {
	f.lastNow = now
	return f.report, f.err
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
