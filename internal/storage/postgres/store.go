// Package postgres provides Postgres-backed persistence for sites, targets,
// snapshots and check history.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

var validTablePrefix = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultPrefix       = "pagewatch_"
	defaultHistoryLimit = 100
)

// Config controls the Postgres connection pool and table naming.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	HistoryLimit    int
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements SiteStore, TargetStore, SnapshotStore and CheckLog.
type Store struct {
	pool         pool
	sites        string
	targets      string
	snapshots    string
	checks       string
	historyLimit int
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.TablePrefix, cfg.HistoryLimit)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, prefix string, historyLimit int) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if prefix == "" {
		prefix = defaultPrefix
	}
	if !validTablePrefix.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Store{
		pool:         p,
		sites:        prefix + "sites",
		targets:      prefix + "targets",
		snapshots:    prefix + "snapshots",
		checks:       prefix + "checks",
		historyLimit: historyLimit,
	}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	ddl := strings.NewReplacer(
		"{sites}", s.sites,
		"{targets}", s.targets,
		"{snapshots}", s.snapshots,
		"{checks}", s.checks,
	).Replace(schema)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS {sites} (
	id              TEXT PRIMARY KEY,
	url             TEXT NOT NULL,
	name            TEXT NOT NULL,
	enabled         BOOLEAN NOT NULL,
	mode            TEXT NOT NULL,
	cron_expression TEXT NOT NULL,
	next_check_at   TIMESTAMPTZ NOT NULL,
	last_check_at   TIMESTAMPTZ,
	last_error      TEXT NOT NULL DEFAULT '',
	settings        JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS {targets} (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	channel_type TEXT NOT NULL,
	credential   TEXT NOT NULL,
	destination  TEXT NOT NULL,
	site_id      TEXT,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS {snapshots} (
	site_id     TEXT PRIMARY KEY REFERENCES {sites} (id) ON DELETE CASCADE,
	fragments   JSONB NOT NULL,
	hash        TEXT NOT NULL,
	captured_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS {checks} (
	id             TEXT PRIMARY KEY,
	site_id        TEXT NOT NULL REFERENCES {sites} (id) ON DELETE CASCADE,
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ NOT NULL,
	attempts       INTEGER NOT NULL,
	changed        BOOLEAN NOT NULL,
	diff           TEXT NOT NULL,
	change_percent DOUBLE PRECISION NOT NULL,
	fragment_count INTEGER NOT NULL,
	error_kind     TEXT NOT NULL,
	error_message  TEXT NOT NULL,
	archive_uri    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS {checks}_site_started_idx ON {checks} (site_id, started_at DESC);
`

const siteColumns = `id, url, name, enabled, mode, cron_expression, next_check_at, last_check_at, last_error, settings, created_at, updated_at`

// CreateSite inserts a site.
func (s *Store) CreateSite(ctx context.Context, site monitor.MonitoredSite) error {
	settings, err := json.Marshal(site.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`, s.sites, siteColumns)
	_, err = s.pool.Exec(ctx, query,
		site.ID, site.URL, site.Name, site.Enabled, string(site.Mode), site.CronExpression,
		site.NextCheckAt, site.LastCheckAt, site.LastError, settings, site.CreatedAt, site.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return monitor.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert site: %w", err)
	}
	return nil
}

// GetSite fetches a site by ID.
func (s *Store) GetSite(ctx context.Context, id string) (monitor.MonitoredSite, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, siteColumns, s.sites)
	site, err := scanSite(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.MonitoredSite{}, monitor.ErrSiteNotFound
	}
	if err != nil {
		return monitor.MonitoredSite{}, fmt.Errorf("select site: %w", err)
	}
	return site, nil
}

// ListSites returns all sites ordered by ID.
func (s *Store) ListSites(ctx context.Context) ([]monitor.MonitoredSite, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY id`, siteColumns, s.sites)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()
	var out []monitor.MonitoredSite
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		out = append(out, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	return out, nil
}

// UpdateSite writes the user-editable fields of a site. next_check_at only
// moves when the cron expression or enabled flag changes, and the columns the
// scheduler owns are never written here.
func (s *Store) UpdateSite(ctx context.Context, site monitor.MonitoredSite) error {
	settings, err := json.Marshal(site.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET url = $2, name = $3, enabled = $4, mode = $5, cron_expression = $6,
	next_check_at = CASE WHEN cron_expression <> $6 OR enabled <> $4 THEN $7 ELSE next_check_at END,
	settings = $8, updated_at = $9 WHERE id = $1`, s.sites)
	tag, err := s.pool.Exec(ctx, query,
		site.ID, site.URL, site.Name, site.Enabled, string(site.Mode), site.CronExpression,
		site.NextCheckAt, settings, site.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update site: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrSiteNotFound
	}
	return nil
}

// DeleteSite removes a site. Its snapshot and checks go with it by cascade.
func (s *Store) DeleteSite(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.sites), id)
	if err != nil {
		return fmt.Errorf("delete site: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrSiteNotFound
	}
	return nil
}

// MarkChecked records a cycle's timing and error on the site. nextCheckAt is
// ignored when the stored cron expression no longer matches cronExpression.
func (s *Store) MarkChecked(ctx context.Context, id, cronExpression string, checkedAt, nextCheckAt time.Time, lastError string) error {
	query := fmt.Sprintf(`UPDATE %s SET last_check_at = $2,
	next_check_at = CASE WHEN cron_expression = $5 THEN $3 ELSE next_check_at END,
	last_error = $4 WHERE id = $1`, s.sites)
	tag, err := s.pool.Exec(ctx, query, id, checkedAt, nextCheckAt, lastError, cronExpression)
	if err != nil {
		return fmt.Errorf("mark checked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrSiteNotFound
	}
	return nil
}

func scanSite(row pgx.Row) (monitor.MonitoredSite, error) {
	var (
		site     monitor.MonitoredSite
		mode     string
		last     pgtype.Timestamptz
		settings []byte
	)
	if err := row.Scan(
		&site.ID, &site.URL, &site.Name, &site.Enabled, &mode, &site.CronExpression,
		&site.NextCheckAt, &last, &site.LastError, &settings, &site.CreatedAt, &site.UpdatedAt,
	); err != nil {
		return monitor.MonitoredSite{}, err
	}
	site.Mode = monitor.Mode(mode)
	if last.Valid {
		ts := last.Time
		site.LastCheckAt = &ts
	}
	if err := json.Unmarshal(settings, &site.Settings); err != nil {
		return monitor.MonitoredSite{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	return site, nil
}

const targetColumns = `id, name, channel_type, credential, destination, site_id, created_at, updated_at`

// CreateTarget inserts a notification target.
func (s *Store) CreateTarget(ctx context.Context, target monitor.NotificationTarget) error {
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, s.targets, targetColumns)
	_, err := s.pool.Exec(ctx, query,
		target.ID, target.Name, string(target.ChannelType), target.Credential, target.Destination,
		target.SiteID, target.CreatedAt, target.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return monitor.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert target: %w", err)
	}
	return nil
}

// GetTarget fetches a target by ID.
func (s *Store) GetTarget(ctx context.Context, id string) (monitor.NotificationTarget, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, targetColumns, s.targets)
	target, err := scanTarget(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.NotificationTarget{}, monitor.ErrTargetNotFound
	}
	if err != nil {
		return monitor.NotificationTarget{}, fmt.Errorf("select target: %w", err)
	}
	return target, nil
}

// ListTargets returns all targets ordered by ID.
func (s *Store) ListTargets(ctx context.Context) ([]monitor.NotificationTarget, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY id`, targetColumns, s.targets))
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()
	var out []monitor.NotificationTarget
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return out, nil
}

// UpdateTarget replaces a stored target.
func (s *Store) UpdateTarget(ctx context.Context, target monitor.NotificationTarget) error {
	query := fmt.Sprintf(`UPDATE %s SET name = $2, channel_type = $3, credential = $4, destination = $5,
	site_id = $6, updated_at = $7 WHERE id = $1`, s.targets)
	tag, err := s.pool.Exec(ctx, query,
		target.ID, target.Name, string(target.ChannelType), target.Credential, target.Destination,
		target.SiteID, target.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrTargetNotFound
	}
	return nil
}

// DeleteTarget removes a target.
func (s *Store) DeleteTarget(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.targets), id)
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrTargetNotFound
	}
	return nil
}

func scanTarget(row pgx.Row) (monitor.NotificationTarget, error) {
	var (
		target  monitor.NotificationTarget
		channel string
		siteID  pgtype.Text
	)
	if err := row.Scan(
		&target.ID, &target.Name, &channel, &target.Credential, &target.Destination,
		&siteID, &target.CreatedAt, &target.UpdatedAt,
	); err != nil {
		return monitor.NotificationTarget{}, err
	}
	target.ChannelType = monitor.ChannelType(channel)
	if siteID.Valid {
		id := siteID.String
		target.SiteID = &id
	}
	return target, nil
}

// GetSnapshot returns the site's snapshot or ErrSnapshotNotFound.
func (s *Store) GetSnapshot(ctx context.Context, siteID string) (monitor.Snapshot, error) {
	query := fmt.Sprintf(`SELECT site_id, fragments, hash, captured_at FROM %s WHERE site_id = $1`, s.snapshots)
	var (
		snap      monitor.Snapshot
		fragments []byte
	)
	err := s.pool.QueryRow(ctx, query, siteID).Scan(&snap.SiteID, &fragments, &snap.Hash, &snap.CapturedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.Snapshot{}, monitor.ErrSnapshotNotFound
	}
	if err != nil {
		return monitor.Snapshot{}, fmt.Errorf("select snapshot: %w", err)
	}
	if err := json.Unmarshal(fragments, &snap.Fragments); err != nil {
		return monitor.Snapshot{}, fmt.Errorf("unmarshal fragments: %w", err)
	}
	return snap, nil
}

// PutSnapshot upserts the site's snapshot in one statement.
func (s *Store) PutSnapshot(ctx context.Context, snapshot monitor.Snapshot) error {
	fragments := snapshot.Fragments
	if fragments == nil {
		fragments = []string{}
	}
	payload, err := json.Marshal(fragments)
	if err != nil {
		return fmt.Errorf("marshal fragments: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (site_id, fragments, hash, captured_at) VALUES ($1,$2,$3,$4)
ON CONFLICT (site_id) DO UPDATE SET fragments = EXCLUDED.fragments, hash = EXCLUDED.hash, captured_at = EXCLUDED.captured_at`, s.snapshots)
	_, err = s.pool.Exec(ctx, query, snapshot.SiteID, payload, snapshot.Hash, snapshot.CapturedAt)
	if isForeignKeyViolation(err) {
		return monitor.ErrSiteNotFound
	}
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// DeleteSnapshot frees the site's snapshot.
func (s *Store) DeleteSnapshot(ctx context.Context, siteID string) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE site_id = $1`, s.snapshots), siteID); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

const checkColumns = `id, site_id, started_at, finished_at, attempts, changed, diff, change_percent, fragment_count, error_kind, error_message, archive_uri`

// AppendCheck inserts a check and trims the site's history to the limit.
func (s *Store) AppendCheck(ctx context.Context, record monitor.CheckRecord) error {
	insert := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`, s.checks, checkColumns)
	_, err := s.pool.Exec(ctx, insert,
		record.ID, record.SiteID, record.StartedAt, record.FinishedAt, record.Attempts, record.Changed,
		record.Diff, record.ChangePercent, record.FragmentCount, record.ErrorKind, record.ErrorMessage, record.ArchiveURI,
	)
	if isForeignKeyViolation(err) {
		return monitor.ErrSiteNotFound
	}
	if err != nil {
		return fmt.Errorf("insert check: %w", err)
	}
	trim := fmt.Sprintf(`DELETE FROM %[1]s WHERE site_id = $1 AND id NOT IN (
	SELECT id FROM %[1]s WHERE site_id = $1 ORDER BY started_at DESC, id DESC LIMIT $2)`, s.checks)
	if _, err := s.pool.Exec(ctx, trim, record.SiteID, s.historyLimit); err != nil {
		return fmt.Errorf("trim checks: %w", err)
	}
	return nil
}

// ListChecks returns up to limit checks for the site, newest first.
func (s *Store) ListChecks(ctx context.Context, siteID string, limit int) ([]monitor.CheckRecord, error) {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE site_id = $1 ORDER BY started_at DESC, id DESC LIMIT $2`, checkColumns, s.checks)
	rows, err := s.pool.Query(ctx, query, siteID, limit)
	if err != nil {
		return nil, fmt.Errorf("list checks: %w", err)
	}
	defer rows.Close()
	out := []monitor.CheckRecord{}
	for rows.Next() {
		var c monitor.CheckRecord
		if err := rows.Scan(
			&c.ID, &c.SiteID, &c.StartedAt, &c.FinishedAt, &c.Attempts, &c.Changed,
			&c.Diff, &c.ChangePercent, &c.FragmentCount, &c.ErrorKind, &c.ErrorMessage, &c.ArchiveURI,
		); err != nil {
			return nil, fmt.Errorf("scan check: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checks: %w", err)
	}
	return out, nil
}

// DeleteChecks drops the site's history.
func (s *Store) DeleteChecks(ctx context.Context, siteID string) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE site_id = $1`, s.checks), siteID); err != nil {
		return fmt.Errorf("delete checks: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
