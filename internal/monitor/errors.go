package monitor

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by stores and the service layer.
var (
	ErrSiteNotFound     = errors.New("site not found")
	ErrTargetNotFound   = errors.New("notification target not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrAlreadyExists    = errors.New("entity already exists")
	ErrQueueFull        = errors.New("check queue is full")
	ErrQueueClosed      = errors.New("check queue closed")
)

// Error kinds recorded on check records.
const (
	KindConfig  = "config"
	KindFetch   = "fetch"
	KindExtract = "extract"
	KindNotify  = "notify"
	KindStore   = "store"
	KindPanic   = "panic"
)

// ConfigError reports invalid entity configuration rejected at create/update time.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// NewConfigError builds a ConfigError.
func NewConfigError(field, reason string) *ConfigError {
	return &ConfigError{Field: field, Reason: reason}
}

// FetchReason classifies fetch failures.
type FetchReason string

// Fetch failure reasons.
const (
	FetchTimeout     FetchReason = "timeout"
	FetchStatus      FetchReason = "status"
	FetchTransport   FetchReason = "transport"
	FetchCanceled    FetchReason = "canceled"
	FetchUnsupported FetchReason = "unsupported"
)

// FetchError reports a failed retrieval.
type FetchError struct {
	Reason     FetchReason
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Reason == FetchStatus:
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Reason, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Reason)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt in the same cycle may succeed.
func (e *FetchError) Retryable() bool {
	switch e.Reason {
	case FetchTimeout, FetchTransport:
		return true
	case FetchStatus:
		return e.StatusCode >= 500 || e.StatusCode == 429
	default:
		return false
	}
}

// ExtractError reports content that could not be parsed for the configured rules.
type ExtractError struct {
	Err error
}

func (e *ExtractError) Error() string {
	return "extract content: " + e.Err.Error()
}

func (e *ExtractError) Unwrap() error {
	return e.Err
}

// NotifyError reports a failed delivery to one target.
type NotifyError struct {
	TargetID  string
	Channel   ChannelType
	Retryable bool
	// RetryAfter is a server-requested delay before the next attempt.
	RetryAfter time.Duration
	// Undelivered is the tail of a split message that never went out. A retry
	// sends only this text so delivered chunks are not repeated.
	Undelivered string
	Err         error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify %s target %s: %v", e.Channel, e.TargetID, e.Err)
}

func (e *NotifyError) Unwrap() error {
	return e.Err
}

// PartiallyDelivered records on err that rest of the message is still owed.
func PartiallyDelivered(err error, rest string) error {
	var notifyErr *NotifyError
	if errors.As(err, &notifyErr) {
		cp := *notifyErr
		cp.Undelivered = rest
		return &cp
	}
	return &NotifyError{Retryable: true, Undelivered: rest, Err: err}
}

// ErrorKind maps an error to the kind stored on a CheckRecord.
func ErrorKind(err error) string {
	var (
		cfgErr     *ConfigError
		fetchErr   *FetchError
		extractErr *ExtractError
		notifyErr  *NotifyError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cfgErr):
		return KindConfig
	case errors.As(err, &fetchErr):
		return KindFetch
	case errors.As(err, &extractErr):
		return KindExtract
	case errors.As(err, &notifyErr):
		return KindNotify
	default:
		return KindStore
	}
}
