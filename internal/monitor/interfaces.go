package monitor

import (
	"context"
	"io"
	"time"
)

// SiteStore persists monitored sites.
type SiteStore interface {
	CreateSite(ctx context.Context, site MonitoredSite) error
	GetSite(ctx context.Context, id string) (MonitoredSite, error)
	ListSites(ctx context.Context) ([]MonitoredSite, error)
	// UpdateSite writes the user-owned fields of a site. LastCheckAt and
	// LastError are left alone, and NextCheckAt is only written when the cron
	// expression or the enabled flag differs from the stored row.
	UpdateSite(ctx context.Context, site MonitoredSite) error
	// DeleteSite removes a site together with its snapshot and check history.
	DeleteSite(ctx context.Context, id string) error
	// MarkChecked records the outcome of a cycle without touching user-owned
	// fields. nextCheckAt was computed from cronExpression and is dropped when
	// the stored expression has changed since the cycle loaded the site.
	MarkChecked(ctx context.Context, id, cronExpression string, checkedAt, nextCheckAt time.Time, lastError string) error
}

// TargetStore persists notification targets.
type TargetStore interface {
	CreateTarget(ctx context.Context, target NotificationTarget) error
	GetTarget(ctx context.Context, id string) (NotificationTarget, error)
	ListTargets(ctx context.Context) ([]NotificationTarget, error)
	UpdateTarget(ctx context.Context, target NotificationTarget) error
	DeleteTarget(ctx context.Context, id string) error
}

// SnapshotStore keeps the latest normalized fragments per site.
type SnapshotStore interface {
	// GetSnapshot returns ErrSnapshotNotFound when the site has never been observed.
	GetSnapshot(ctx context.Context, siteID string) (Snapshot, error)
	// PutSnapshot returns ErrSiteNotFound when the site no longer exists.
	PutSnapshot(ctx context.Context, snapshot Snapshot) error
	DeleteSnapshot(ctx context.Context, siteID string) error
}

// CheckLog keeps a bounded history of check outcomes per site.
type CheckLog interface {
	// AppendCheck returns ErrSiteNotFound when the site no longer exists.
	AppendCheck(ctx context.Context, record CheckRecord) error
	ListChecks(ctx context.Context, siteID string, limit int) ([]CheckRecord, error)
	DeleteChecks(ctx context.Context, siteID string) error
}

// Fetcher retrieves the current content of a URL.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// ChannelAdapter delivers a rendered message through one medium.
type ChannelAdapter interface {
	Send(ctx context.Context, message, credential, destination string) error
}

// Notifier renders and dispatches change notifications for a site.
type Notifier interface {
	Notify(ctx context.Context, site MonitoredSite, result DiffResult, checkedAt time.Time) error
}

// BlobStore archives raw page bodies and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	// DeletePrefix removes every object stored under prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// Publisher pushes change events to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RateLimiter paces outbound requests per host.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entity IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Queue is the bounded hand-off between the tick loop and the workers.
type Queue interface {
	Enqueue(ctx context.Context, item CheckItem) error
	// TryEnqueue returns ErrQueueFull instead of blocking.
	TryEnqueue(item CheckItem) error
	Dequeue(ctx context.Context) (CheckItem, error)
}

// CheckHandler runs a single check cycle.
type CheckHandler interface {
	RunCheck(ctx context.Context, item CheckItem)
}
