// Package rodfetcher renders pages through a remote or locally launched
// browser driven by go-rod.
package rodfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Config selects the browser and bounds page work.
type Config struct {
	// ControlURL is a DevTools websocket of an already running browser.
	ControlURL string
	// ManagedURL is a rod launcher manager service. Used when ControlURL is empty.
	ManagedURL        string
	UserAgent         string
	MaxParallel       int
	NavigationTimeout time.Duration
}

// Fetcher implements monitor.Fetcher on top of a shared rod.Browser.
type Fetcher struct {
	cfg     Config
	limiter chan struct{}

	mu      sync.Mutex
	browser *rod.Browser
}

// New builds a Fetcher. The browser connection is established on first use.
func New(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Fetcher{cfg: cfg, limiter: limiter}, nil
}

// Close disconnects from the browser.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser == nil {
		return nil
	}
	err := f.browser.Close()
	f.browser = nil
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

func (f *Fetcher) connect() (*rod.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser != nil {
		return f.browser, nil
	}

	browser := rod.New()
	switch {
	case f.cfg.ControlURL != "":
		browser = browser.ControlURL(f.cfg.ControlURL)
	case f.cfg.ManagedURL != "":
		l, err := launcher.NewManaged(f.cfg.ManagedURL)
		if err != nil {
			return nil, fmt.Errorf("managed launcher: %w", err)
		}
		client, err := l.Client()
		if err != nil {
			return nil, fmt.Errorf("managed launcher client: %w", err)
		}
		browser = browser.Client(client)
	default:
		u, err := launcher.New().Headless(true).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		browser = browser.ControlURL(u)
	}
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	f.browser = browser
	return browser, nil
}

// Fetch opens a tab, navigates, waits for load plus the request's settle
// delay and returns the page HTML.
func (f *Fetcher) Fetch(ctx context.Context, request monitor.FetchRequest) (monitor.FetchResponse, error) {
	if err := f.acquire(ctx); err != nil {
		return monitor.FetchResponse{}, &monitor.FetchError{Reason: monitor.FetchCanceled, URL: request.URL, Err: err}
	}
	defer f.release()

	browser, err := f.connect()
	if err != nil {
		return monitor.FetchResponse{}, &monitor.FetchError{Reason: monitor.FetchTransport, URL: request.URL, Err: err}
	}

	taskCtx, cancel := context.WithTimeout(ctx, f.cfg.NavigationTimeout)
	defer cancel()

	start := time.Now()
	page, err := browser.Context(taskCtx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return monitor.FetchResponse{}, classify(ctx, taskCtx, request.URL, fmt.Errorf("open page: %w", err))
	}
	defer func() {
		_ = page.Close()
	}()

	doc := &documentResponse{}
	wait := page.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		return doc.capture(e)
	})
	go wait()

	html, err := f.render(taskCtx, page, request)
	if err != nil {
		return monitor.FetchResponse{}, classify(ctx, taskCtx, request.URL, err)
	}

	status, contentType := doc.result()
	if status < 200 || status > 299 {
		return monitor.FetchResponse{}, &monitor.FetchError{Reason: monitor.FetchStatus, URL: request.URL, StatusCode: status}
	}
	finalURL := request.URL
	if info, err := page.Info(); err == nil && info.URL != "" {
		finalURL = info.URL
	}
	return monitor.FetchResponse{
		URL:         finalURL,
		StatusCode:  status,
		ContentType: contentType,
		Body:        []byte(html),
		Duration:    time.Since(start),
		Rendered:    true,
	}, nil
}

func (f *Fetcher) render(ctx context.Context, page *rod.Page, request monitor.FetchRequest) (string, error) {
	userAgent, extra := splitHeaders(request.Headers, f.cfg.UserAgent)
	if userAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent}); err != nil {
			return "", fmt.Errorf("set user-agent: %w", err)
		}
	}
	if len(extra) > 0 {
		if _, err := page.SetExtraHeaders(extra); err != nil {
			return "", fmt.Errorf("set extra headers: %w", err)
		}
	}
	if err := page.Navigate(request.URL); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load: %w", err)
	}
	if request.WaitFor > 0 {
		timer := time.NewTimer(request.WaitFor)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("renderer slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// documentResponse keeps the first document response of the tab.
type documentResponse struct {
	mu          sync.Mutex
	status      int
	contentType string
}

func (d *documentResponse) capture(e *proto.NetworkResponseReceived) bool {
	if e.Type != proto.NetworkResourceTypeDocument || e.Response == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status == 0 {
		d.status = e.Response.Status
		d.contentType = e.Response.MIMEType
	}
	return true
}

func (d *documentResponse) result() (int, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, contentType := d.status, d.contentType
	if status == 0 {
		status = http.StatusOK
	}
	if contentType == "" {
		contentType = "text/html"
	}
	return status, contentType
}

// splitHeaders pulls the user agent out of h and flattens the rest into the
// key/value list rod expects, sorted by key.
func splitHeaders(h http.Header, fallbackUA string) (string, []string) {
	userAgent := fallbackUA
	keys := make([]string, 0, len(h))
	for k := range h {
		if strings.EqualFold(k, "User-Agent") {
			if v := h.Get(k); v != "" {
				userAgent = v
			}
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var flat []string
	for _, k := range keys {
		if v := h.Get(k); v != "" {
			flat = append(flat, k, v)
		}
	}
	return userAgent, flat
}

func classify(parent, task context.Context, url string, err error) *monitor.FetchError {
	fetchErr := &monitor.FetchError{URL: url, Err: err}
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		fetchErr.Reason = monitor.FetchCanceled
	case errors.Is(task.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		fetchErr.Reason = monitor.FetchTimeout
	default:
		fetchErr.Reason = monitor.FetchTransport
	}
	return fetchErr
}
