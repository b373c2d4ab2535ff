// Package monitor defines the core types shared across the change-monitoring pipeline.
package monitor

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// Mode selects how a site's content is retrieved.
type Mode string

// Supported fetch modes.
const (
	ModePlain    Mode = "plain"
	ModeRenderer Mode = "renderer"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModePlain || m == ModeRenderer
}

// ChannelType names a notification medium.
type ChannelType string

// Supported notification channels.
const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
)

// SiteState is the scheduling state of a single site.
type SiteState string

// Scheduling states. A site moves Idle -> Due -> Running -> Idle.
const (
	StateIdle    SiteState = "idle"
	StateDue     SiteState = "due"
	StateRunning SiteState = "running"
)

// ExtractionSettings configures the request and the extraction/normalization rules of a site.
type ExtractionSettings struct {
	UserAgent     string            `json:"user_agent" yaml:"user_agent"`
	Referer       string            `json:"referer" yaml:"referer"`
	HTTPMethod    string            `json:"http_method" yaml:"http_method"`
	Headers       map[string]string `json:"headers,omitempty" yaml:"headers"`
	Deduplication bool              `json:"deduplication" yaml:"deduplication"`
	Trim          bool              `json:"trim" yaml:"trim"`
	Sort          bool              `json:"sort" yaml:"sort"`
	Selectors     []string          `json:"selectors" yaml:"selectors"`
	JSONPaths     []string          `json:"json_paths" yaml:"json_paths"`
	// Template is the notification body; nil selects the built-in default.
	Template *string `json:"template,omitempty" yaml:"template"`
	// WaitForSeconds delays DOM capture in renderer mode.
	WaitForSeconds *int `json:"wait_for_seconds,omitempty" yaml:"wait_for_seconds" validate:"omitempty,min=0,max=60"`
}

// Method returns the configured HTTP method, defaulting to GET.
func (s ExtractionSettings) Method() string {
	if strings.TrimSpace(s.HTTPMethod) == "" {
		return http.MethodGet
	}
	return strings.ToUpper(strings.TrimSpace(s.HTTPMethod))
}

// RequestHeaders builds the header set sent with every fetch.
func (s ExtractionSettings) RequestHeaders() http.Header {
	h := http.Header{}
	for k, v := range s.Headers {
		h.Set(k, v)
	}
	if s.UserAgent != "" {
		h.Set("User-Agent", s.UserAgent)
	}
	if s.Referer != "" {
		h.Set("Referer", s.Referer)
	}
	return h
}

// Clone returns a deep copy of the settings.
func (s ExtractionSettings) Clone() ExtractionSettings {
	cp := s
	cp.Selectors = cloneStrings(s.Selectors)
	cp.JSONPaths = cloneStrings(s.JSONPaths)
	if s.Headers != nil {
		cp.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			cp.Headers[k] = v
		}
	}
	if s.Template != nil {
		tpl := *s.Template
		cp.Template = &tpl
	}
	if s.WaitForSeconds != nil {
		wait := *s.WaitForSeconds
		cp.WaitForSeconds = &wait
	}
	return cp
}

// MonitoredSite is a URL tracked for changes on a cron cadence.
type MonitoredSite struct {
	ID             string             `json:"id"`
	URL            string             `json:"url" validate:"required,http_url"`
	Name           string             `json:"name" validate:"required,max=200"`
	Enabled        bool               `json:"enabled"`
	Mode           Mode               `json:"mode" validate:"required,oneof=plain renderer"`
	CronExpression string             `json:"cron_expression" validate:"required"`
	NextCheckAt    time.Time          `json:"next_check_at"`
	LastCheckAt    *time.Time         `json:"last_check_at,omitempty"`
	LastError      string             `json:"last_error,omitempty"`
	Settings       ExtractionSettings `json:"settings"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Clone returns a deep copy of the site.
func (s MonitoredSite) Clone() MonitoredSite {
	cp := s
	cp.Settings = s.Settings.Clone()
	if s.LastCheckAt != nil {
		ts := *s.LastCheckAt
		cp.LastCheckAt = &ts
	}
	return cp
}

// IsDue reports whether the site should be checked at now.
func (s MonitoredSite) IsDue(now time.Time) bool {
	return s.Enabled && !s.NextCheckAt.After(now)
}

// FetchRequest builds the request used to retrieve the site once.
func (s MonitoredSite) FetchRequest() FetchRequest {
	req := FetchRequest{
		SiteID:  s.ID,
		URL:     s.URL,
		Method:  s.Settings.Method(),
		Headers: s.Settings.RequestHeaders(),
		Mode:    s.Mode,
	}
	if s.Settings.WaitForSeconds != nil && *s.Settings.WaitForSeconds > 0 {
		req.WaitFor = time.Duration(*s.Settings.WaitForSeconds) * time.Second
	}
	return req
}

// Snapshot is the last normalized extraction result for a site.
type Snapshot struct {
	SiteID     string    `json:"site_id"`
	Fragments  []string  `json:"fragments"`
	Hash       string    `json:"hash"`
	CapturedAt time.Time `json:"captured_at"`
}

// NotificationTarget is a destination that receives change notifications.
type NotificationTarget struct {
	ID          string      `json:"id"`
	Name        string      `json:"name" validate:"required,max=200"`
	ChannelType ChannelType `json:"channel_type" validate:"required,oneof=telegram discord"`
	Credential  string      `json:"credential,omitempty"`
	Destination string      `json:"destination" validate:"required"`
	// SiteID binds the target to one site; nil makes it global.
	SiteID    *string   `json:"site_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MaskedCredential stands in for a stored credential in JSON output.
const MaskedCredential = "********"

// MarshalJSON writes the target with its credential masked.
func (t NotificationTarget) MarshalJSON() ([]byte, error) {
	type plain NotificationTarget
	out := plain(t)
	if out.Credential != "" {
		out.Credential = MaskedCredential
	}
	return json.Marshal(out)
}

// Clone returns a deep copy of the target.
func (t NotificationTarget) Clone() NotificationTarget {
	cp := t
	if t.SiteID != nil {
		id := *t.SiteID
		cp.SiteID = &id
	}
	return cp
}

// CheckRecord is the outcome of one completed check cycle.
type CheckRecord struct {
	ID            string    `json:"id"`
	SiteID        string    `json:"site_id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Attempts      int       `json:"attempts"`
	Changed       bool      `json:"changed"`
	Diff          string    `json:"diff,omitempty"`
	ChangePercent float64   `json:"change_percent"`
	FragmentCount int       `json:"fragment_count"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	ArchiveURI    string    `json:"archive_uri,omitempty"`
}

// HasError reports whether the cycle failed before diffing.
func (c CheckRecord) HasError() bool {
	return c.ErrorKind != ""
}

// FetchRequest captures everything needed to fetch a site once.
type FetchRequest struct {
	SiteID  string
	URL     string
	Method  string
	Headers http.Header
	Mode    Mode
	// WaitFor is an extra settle delay applied by renderer backends.
	WaitFor time.Duration
}

// FetchResponse is the raw content returned by a Fetcher.
type FetchResponse struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
	Rendered    bool
}

// DiffResult is the verdict of comparing two fragment sequences.
type DiffResult struct {
	Changed       bool    `json:"changed"`
	Text          string  `json:"text"`
	Added         int     `json:"added"`
	Removed       int     `json:"removed"`
	ChangePercent float64 `json:"change_percent"`
}

// ChangeEvent is published after a check detects a change.
type ChangeEvent struct {
	SiteID     string    `json:"site_id"`
	SiteName   string    `json:"site_name"`
	URL        string    `json:"url"`
	Diff       string    `json:"diff"`
	Hash       string    `json:"hash"`
	CheckedAt  time.Time `json:"checked_at"`
	ArchiveURI string    `json:"archive_uri,omitempty"`
}

func cloneStrings(src []string) []string {
	if src == nil {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}

// CheckItem is one due check handed to the worker pool. EvaluatedAt is the
// tick instant the site was found due at.
type CheckItem struct {
	SiteID      string
	EvaluatedAt time.Time
}
