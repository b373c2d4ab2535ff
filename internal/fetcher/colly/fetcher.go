// Package collyfetcher implements the plain-mode Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
}

// Fetcher implements monitor.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
	)
	c.WithTransport(newHTTPTransport())
	c.ParseHTTPErrorResponse = true
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// outcome collects what the collector callbacks observed.
type outcome struct {
	response monitor.FetchResponse
	err      error
	got      bool
}

// Fetch performs one request with the configured method and headers. Any
// non-2xx status is returned as a FetchError.
func (f *Fetcher) Fetch(ctx context.Context, request monitor.FetchRequest) (monitor.FetchResponse, error) {
	var out outcome
	start := time.Now()
	collector := f.buildCollector(ctx, start, &out)

	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	headers := request.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, request.URL, nil, nil, headers)
	}()

	var visitErr error
	select {
	case <-ctx.Done():
		return monitor.FetchResponse{}, classify(ctx, request.URL, 0, ctx.Err())
	case visitErr = <-done:
	}

	switch {
	case out.err != nil:
		return monitor.FetchResponse{}, classify(ctx, request.URL, out.response.StatusCode, out.err)
	case visitErr != nil:
		return monitor.FetchResponse{}, classify(ctx, request.URL, 0, visitErr)
	case !out.got:
		return monitor.FetchResponse{}, &monitor.FetchError{
			Reason: monitor.FetchTransport,
			URL:    request.URL,
			Err:    errors.New("no response received"),
		}
	}
	if out.response.StatusCode < 200 || out.response.StatusCode > 299 {
		return monitor.FetchResponse{}, &monitor.FetchError{
			Reason:     monitor.FetchStatus,
			URL:        request.URL,
			StatusCode: out.response.StatusCode,
		}
	}
	return out.response, nil
}

func (f *Fetcher) buildCollector(ctx context.Context, start time.Time, out *outcome) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	configureCollectorHooks(collector, start, out)
	return collector
}

func configureCollectorHooks(hooks collectorHooks, start time.Time, out *outcome) {
	hooks.OnResponse(func(r *colly.Response) {
		out.got = true
		out.response = monitor.FetchResponse{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Body:        append([]byte(nil), r.Body...),
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			out.response.StatusCode = r.StatusCode
		}
		out.err = err
	})
}

// classify maps collector and transport errors to a FetchError reason.
func classify(ctx context.Context, url string, status int, err error) *monitor.FetchError {
	fetchErr := &monitor.FetchError{URL: url, StatusCode: status, Err: err}
	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		fetchErr.Reason = monitor.FetchCanceled
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		fetchErr.Reason = monitor.FetchTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		fetchErr.Reason = monitor.FetchTimeout
	case status > 0:
		fetchErr.Reason = monitor.FetchStatus
	default:
		fetchErr.Reason = monitor.FetchTransport
	}
	return fetchErr
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
