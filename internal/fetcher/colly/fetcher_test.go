package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

func TestFetchSendsMethodAndHeaders(t *testing.T) {
	t.Parallel()

	type seen struct {
		req  *http.Request
		body []byte
	}
	captured := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured <- seen{req: r.Clone(context.Background()), body: body}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<h1>Hello</h1>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "default-agent", Timeout: time.Second})
	resp, err := f.Fetch(context.Background(), monitor.FetchRequest{
		URL:    srv.URL + "/page",
		Method: http.MethodPost,
		Headers: http.Header{
			"User-Agent": {"site-agent"},
			"Referer":    {"https://ref.example"},
			"X-Trace":    {"1"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<h1>Hello</h1>", string(resp.Body))
	require.Contains(t, resp.ContentType, "text/html")
	c := <-captured
	got, body := c.req, c.body
	require.Equal(t, http.MethodPost, got.Method)
	require.Equal(t, "site-agent", got.Header.Get("User-Agent"))
	require.Equal(t, "https://ref.example", got.Header.Get("Referer"))
	require.Equal(t, "1", got.Header.Get("X-Trace"))
	require.Empty(t, body)
}

func TestFetchRevisitsSameURL(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(Config{})
	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background(), monitor.FetchRequest{URL: srv.URL})
		require.NoError(t, err)
	}
	require.EqualValues(t, 3, hits.Load())
}

func TestFetchNon2xxIsStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(Config{}).Fetch(context.Background(), monitor.FetchRequest{URL: srv.URL})
	var fetchErr *monitor.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, monitor.FetchStatus, fetchErr.Reason)
	require.Equal(t, http.StatusServiceUnavailable, fetchErr.StatusCode)
	require.True(t, fetchErr.Retryable())
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte("late"))
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: 5 * time.Second}).Fetch(ctx, monitor.FetchRequest{URL: srv.URL})
	var fetchErr *monitor.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, monitor.FetchTimeout, fetchErr.Reason)
}

func TestFetchTransportFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := New(Config{Timeout: time.Second}).Fetch(context.Background(), monitor.FetchRequest{URL: addr})
	var fetchErr *monitor.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, monitor.FetchTransport, fetchErr.Reason)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	require.Equal(t, monitor.FetchCanceled, classify(canceled, "u", 0, errors.New("x")).Reason)
	require.Equal(t, monitor.FetchTimeout, classify(context.Background(), "u", 0, context.DeadlineExceeded).Reason)
	require.Equal(t, monitor.FetchStatus, classify(context.Background(), "u", 404, errors.New("Not Found")).Reason)
	require.Equal(t, monitor.FetchTransport, classify(context.Background(), "u", 0, errors.New("reset")).Reason)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	var out outcome
	hooks := &stubHooks{}
	configureCollectorHooks(hooks, time.Unix(0, 0), &out)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"application/json"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.True(t, out.got)
	require.Equal(t, http.StatusCreated, out.response.StatusCode)
	require.Equal(t, "application/json", out.response.ContentType)

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("boom"))
	require.EqualError(t, out.err, "boom")
	require.Equal(t, http.StatusBadGateway, out.response.StatusCode)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
