// Package discord delivers notifications to Discord channel webhooks.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// MaxContentRunes is the webhook content limit.
const MaxContentRunes = 2000

// Doer executes HTTP requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Webhook implements monitor.ChannelAdapter. The destination is the webhook
// URL; a non-empty credential overrides the webhook's display name.
type Webhook struct {
	doer Doer
}

// New builds a Webhook adapter. A nil doer selects a client with a 15s timeout.
func New(doer Doer) *Webhook {
	if doer == nil {
		doer = &http.Client{Timeout: 15 * time.Second}
	}
	return &Webhook{doer: doer}
}

type payload struct {
	Content  string `json:"content"`
	Username string `json:"username,omitempty"`
}

type rateLimitBody struct {
	RetryAfter float64 `json:"retry_after"`
	Message    string  `json:"message"`
}

// Send posts message to the webhook in MaxContentRunes chunks. When a later
// chunk fails the error carries the chunks not yet delivered.
func (w *Webhook) Send(ctx context.Context, message, credential, destination string) error {
	u, err := url.Parse(destination)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return &monitor.NotifyError{Channel: monitor.ChannelDiscord, Err: errors.New("destination must be a webhook URL")}
	}
	parts := chunks(message, MaxContentRunes)
	for i, chunk := range parts {
		err := w.post(ctx, destination, payload{Content: chunk, Username: credential})
		switch {
		case err != nil && i > 0:
			return monitor.PartiallyDelivered(err, strings.Join(parts[i:], ""))
		case err != nil:
			return err
		}
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, webhookURL string, p payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return &monitor.NotifyError{Channel: monitor.ChannelDiscord, Err: fmt.Errorf("encode payload: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return &monitor.NotifyError{Channel: monitor.ChannelDiscord, Err: fmt.Errorf("build request: %w", withoutURL(err))}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.doer.Do(req)
	if err != nil {
		return &monitor.NotifyError{
			Channel:   monitor.ChannelDiscord,
			Retryable: ctx.Err() == nil,
			Err:       fmt.Errorf("post webhook: %w", withoutURL(err)),
		}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	if resp.StatusCode == http.StatusTooManyRequests {
		var rl rateLimitBody
		_ = json.Unmarshal(raw, &rl)
		return &monitor.NotifyError{
			Channel:    monitor.ChannelDiscord,
			Retryable:  true,
			RetryAfter: time.Duration(rl.RetryAfter * float64(time.Second)),
			Err:        fmt.Errorf("rate limited: %s", rl.Message),
		}
	}
	return &monitor.NotifyError{
		Channel:   monitor.ChannelDiscord,
		Retryable: resp.StatusCode >= 500,
		Err:       fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw)),
	}
}

// withoutURL drops the webhook URL, whose last path segment is its token, from err.
func withoutURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w", urlErr.Op, urlErr.Err)
	}
	return err
}

func chunks(message string, limit int) []string {
	runes := []rune(message)
	if len(runes) <= limit {
		return []string{message}
	}
	var out []string
	for len(runes) > 0 {
		n := min(limit, len(runes))
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}
