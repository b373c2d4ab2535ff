// Package fetcher routes fetch requests to the backend that serves the site's mode.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Router implements monitor.Fetcher by dispatching on FetchRequest.Mode.
type Router struct {
	backends map[monitor.Mode]monitor.Fetcher
	limiter  monitor.RateLimiter
	logger   *zap.Logger
	warnOnce sync.Once
}

// NewRouter builds a Router. renderer may be nil, in which case renderer-mode
// sites are fetched with the plain backend. limiter may be nil.
func NewRouter(plain, renderer monitor.Fetcher, limiter monitor.RateLimiter, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	backends := map[monitor.Mode]monitor.Fetcher{monitor.ModePlain: plain}
	if renderer != nil {
		backends[monitor.ModeRenderer] = renderer
	}
	return &Router{backends: backends, limiter: limiter, logger: logger}
}

// Fetch waits for the host's rate limit and delegates to the mode's backend.
func (r *Router) Fetch(ctx context.Context, request monitor.FetchRequest) (monitor.FetchResponse, error) {
	mode := request.Mode
	if mode == "" {
		mode = monitor.ModePlain
	}
	backend, ok := r.backends[mode]
	if !ok && mode == monitor.ModeRenderer {
		r.warnOnce.Do(func() {
			r.logger.Warn("renderer backend not configured; falling back to plain fetch")
		})
		backend, ok = r.backends[monitor.ModePlain]
	}
	if !ok || backend == nil {
		return monitor.FetchResponse{}, &monitor.FetchError{
			Reason: monitor.FetchUnsupported,
			URL:    request.URL,
			Err:    fmt.Errorf("no fetcher for mode %q", mode),
		}
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx, request.URL); err != nil {
			reason := monitor.FetchTimeout
			if errors.Is(ctx.Err(), context.Canceled) {
				reason = monitor.FetchCanceled
			}
			return monitor.FetchResponse{}, &monitor.FetchError{Reason: reason, URL: request.URL, Err: err}
		}
	}

	start := time.Now()
	resp, err := backend.Fetch(ctx, request)
	result := "ok"
	if err != nil {
		result = "error"
		var fetchErr *monitor.FetchError
		if errors.As(err, &fetchErr) {
			result = string(fetchErr.Reason)
		}
	}
	metrics.ObserveFetch(request.URL, string(mode), result, time.Since(start), len(resp.Body))
	return resp, err
}
