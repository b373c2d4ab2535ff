// Package telegram delivers notifications through the Telegram Bot API.
package telegram

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

const (
	// DefaultAPIBase is the public Bot API endpoint.
	DefaultAPIBase = "https://api.telegram.org"
	// MaxMessageRunes is the Bot API text limit.
	MaxMessageRunes = 4096
)

// Doer executes HTTP requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Sender implements monitor.ChannelAdapter. Credential is the bot token and
// destination the chat id.
type Sender struct {
	apiBase   string
	doer      Doer
	parseMode string
}

// New builds a Sender. An empty apiBase selects DefaultAPIBase and a nil doer
// a client with a 15s timeout.
func New(apiBase string, doer Doer) *Sender {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	if doer == nil {
		doer = &http.Client{Timeout: 15 * time.Second}
	}
	return &Sender{
		apiBase:   strings.TrimRight(apiBase, "/"),
		doer:      doer,
		parseMode: "Markdown",
	}
}

type sendMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send posts message, split into MaxMessageRunes chunks, to the chat. When a
// later chunk fails the error carries the chunks not yet delivered.
func (s *Sender) Send(ctx context.Context, message, credential, destination string) error {
	if credential == "" || destination == "" {
		return &monitor.NotifyError{
			Channel: monitor.ChannelTelegram,
			Err:     errors.New("bot token and chat id are required"),
		}
	}
	parts := splitMessage(message, MaxMessageRunes)
	for i, part := range parts {
		err := s.post(ctx, credential, sendMessage{ChatID: destination, Text: part, ParseMode: s.parseMode})
		if isEntityParseError(err) {
			// Rendered diffs can contain unbalanced markdown; resend as plain text.
			err = s.post(ctx, credential, sendMessage{ChatID: destination, Text: part})
		}
		switch {
		case err != nil && i > 0:
			return monitor.PartiallyDelivered(err, strings.Join(parts[i:], ""))
		case err != nil:
			return err
		}
	}
	return nil
}

func (s *Sender) post(ctx context.Context, token string, payload sendMessage) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &monitor.NotifyError{Channel: monitor.ChannelTelegram, Err: fmt.Errorf("encode payload: %w", err)}
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", s.apiBase, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &monitor.NotifyError{Channel: monitor.ChannelTelegram, Err: fmt.Errorf("build request: %w", withoutURL(err))}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.doer.Do(req)
	if err != nil {
		return &monitor.NotifyError{
			Channel:   monitor.ChannelTelegram,
			Retryable: ctx.Err() == nil,
			Err:       fmt.Errorf("send message: %w", withoutURL(err)),
		}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var parsed apiResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &monitor.NotifyError{
			Channel:    monitor.ChannelTelegram,
			Retryable:  true,
			RetryAfter: time.Duration(parsed.Parameters.RetryAfter) * time.Second,
			Err:        fmt.Errorf("rate limited: %s", parsed.Description),
		}
	default:
		return &monitor.NotifyError{
			Channel:   monitor.ChannelTelegram,
			Retryable: resp.StatusCode >= 500,
			Err:       &apiError{status: resp.StatusCode, description: parsed.Description},
		}
	}
}

// withoutURL drops the request URL, which embeds the bot token, from err.
func withoutURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w", urlErr.Op, urlErr.Err)
	}
	return err
}

type apiError struct {
	status      int
	description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram error: %d %s", e.status, e.description)
}

func isEntityParseError(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) &&
		apiErr.status == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(apiErr.description), "parse entities")
}

func splitMessage(message string, limit int) []string {
	runes := []rune(message)
	if len(runes) <= limit {
		return []string{message}
	}
	parts := make([]string, 0, len(runes)/limit+1)
	for start := 0; start < len(runes); start += limit {
		end := min(start+limit, len(runes))
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}
