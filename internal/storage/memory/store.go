// Package memory provides in-process stores for sites, targets, snapshots,
// check history and archived page bodies.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// DefaultHistoryLimit bounds the check records kept per site.
const DefaultHistoryLimit = 100

// Store implements SiteStore, TargetStore, SnapshotStore and CheckLog. Every
// value is copied on the way in and out so callers never share memory with it.
type Store struct {
	mu           sync.RWMutex
	sites        map[string]monitor.MonitoredSite
	targets      map[string]monitor.NotificationTarget
	snapshots    map[string]monitor.Snapshot
	checks       map[string][]monitor.CheckRecord
	historyLimit int
}

// NewStore constructs a Store keeping at most historyLimit checks per site.
func NewStore(historyLimit int) *Store {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Store{
		sites:        make(map[string]monitor.MonitoredSite),
		targets:      make(map[string]monitor.NotificationTarget),
		snapshots:    make(map[string]monitor.Snapshot),
		checks:       make(map[string][]monitor.CheckRecord),
		historyLimit: historyLimit,
	}
}

// CreateSite stores a new site.
func (s *Store) CreateSite(_ context.Context, site monitor.MonitoredSite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sites[site.ID]; exists {
		return monitor.ErrAlreadyExists
	}
	s.sites[site.ID] = site.Clone()
	return nil
}

// GetSite fetches a site by ID.
func (s *Store) GetSite(_ context.Context, id string) (monitor.MonitoredSite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[id]
	if !ok {
		return monitor.MonitoredSite{}, monitor.ErrSiteNotFound
	}
	return site.Clone(), nil
}

// ListSites returns all sites ordered by ID.
func (s *Store) ListSites(_ context.Context) ([]monitor.MonitoredSite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.MonitoredSite, 0, len(s.sites))
	for _, site := range s.sites {
		out = append(out, site.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateSite writes the user-owned fields of a stored site. Scheduling state
// owned by the scheduler survives a stale caller copy.
func (s *Store) UpdateSite(_ context.Context, site monitor.MonitoredSite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sites[site.ID]
	if !ok {
		return monitor.ErrSiteNotFound
	}
	next := site.Clone()
	next.CreatedAt = stored.CreatedAt
	next.LastCheckAt = stored.LastCheckAt
	next.LastError = stored.LastError
	if next.CronExpression == stored.CronExpression && next.Enabled == stored.Enabled {
		next.NextCheckAt = stored.NextCheckAt
	}
	s.sites[site.ID] = next
	return nil
}

// DeleteSite removes a site with its snapshot and check history.
func (s *Store) DeleteSite(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sites[id]; !ok {
		return monitor.ErrSiteNotFound
	}
	delete(s.sites, id)
	delete(s.snapshots, id)
	delete(s.checks, id)
	return nil
}

// MarkChecked records a cycle's timing and error on the site. nextCheckAt is
// ignored when the site's cron expression changed while the cycle ran.
func (s *Store) MarkChecked(_ context.Context, id, cronExpression string, checkedAt, nextCheckAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[id]
	if !ok {
		return monitor.ErrSiteNotFound
	}
	ts := checkedAt
	site.LastCheckAt = &ts
	if site.CronExpression == cronExpression {
		site.NextCheckAt = nextCheckAt
	}
	site.LastError = lastError
	s.sites[id] = site
	return nil
}

// CreateTarget stores a new notification target.
func (s *Store) CreateTarget(_ context.Context, target monitor.NotificationTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.targets[target.ID]; exists {
		return monitor.ErrAlreadyExists
	}
	s.targets[target.ID] = target.Clone()
	return nil
}

// GetTarget fetches a target by ID.
func (s *Store) GetTarget(_ context.Context, id string) (monitor.NotificationTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.targets[id]
	if !ok {
		return monitor.NotificationTarget{}, monitor.ErrTargetNotFound
	}
	return target.Clone(), nil
}

// ListTargets returns all targets ordered by ID.
func (s *Store) ListTargets(_ context.Context) ([]monitor.NotificationTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.NotificationTarget, 0, len(s.targets))
	for _, target := range s.targets {
		out = append(out, target.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateTarget replaces a stored target.
func (s *Store) UpdateTarget(_ context.Context, target monitor.NotificationTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[target.ID]; !ok {
		return monitor.ErrTargetNotFound
	}
	s.targets[target.ID] = target.Clone()
	return nil
}

// DeleteTarget removes a target.
func (s *Store) DeleteTarget(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[id]; !ok {
		return monitor.ErrTargetNotFound
	}
	delete(s.targets, id)
	return nil
}

// GetSnapshot returns the site's snapshot or ErrSnapshotNotFound.
func (s *Store) GetSnapshot(_ context.Context, siteID string) (monitor.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[siteID]
	if !ok {
		return monitor.Snapshot{}, monitor.ErrSnapshotNotFound
	}
	return cloneSnapshot(snap), nil
}

// PutSnapshot replaces the site's snapshot in a single step.
func (s *Store) PutSnapshot(_ context.Context, snapshot monitor.Snapshot) error {
	cp := cloneSnapshot(snapshot)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sites[snapshot.SiteID]; !ok {
		return monitor.ErrSiteNotFound
	}
	s.snapshots[snapshot.SiteID] = cp
	return nil
}

// DeleteSnapshot frees the site's snapshot. Missing snapshots are not an error.
func (s *Store) DeleteSnapshot(_ context.Context, siteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, siteID)
	return nil
}

// AppendCheck records a check, evicting the oldest beyond the history limit.
func (s *Store) AppendCheck(_ context.Context, record monitor.CheckRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sites[record.SiteID]; !ok {
		return monitor.ErrSiteNotFound
	}
	history := append(s.checks[record.SiteID], record)
	if over := len(history) - s.historyLimit; over > 0 {
		history = append([]monitor.CheckRecord(nil), history[over:]...)
	}
	s.checks[record.SiteID] = history
	return nil
}

// ListChecks returns up to limit checks for the site, newest first.
func (s *Store) ListChecks(_ context.Context, siteID string, limit int) ([]monitor.CheckRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.checks[siteID]
	if limit <= 0 || limit > len(history) {
		limit = len(history)
	}
	out := make([]monitor.CheckRecord, 0, limit)
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, history[i])
	}
	return out, nil
}

// DeleteChecks drops the site's history.
func (s *Store) DeleteChecks(_ context.Context, siteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checks, siteID)
	return nil
}

func cloneSnapshot(s monitor.Snapshot) monitor.Snapshot {
	cp := s
	if s.Fragments != nil {
		cp.Fragments = append(make([]string, 0, len(s.Fragments)), s.Fragments...)
	}
	return cp
}
