// Package scheduler owns the tick loop: it selects due sites, leases them and
// drives one check cycle per site through the worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/differ"
	"github.com/JakeFAU/pagewatch/internal/dispatcher"
	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/queue/memory"
)

// Config tunes the tick loop and the per-cycle budget.
type Config struct {
	TickInterval time.Duration
	Workers      int
	QueueDepth   int
	FetchTimeout time.Duration
	// FetchRetries is the number of extra fetch attempts within one cycle (0-2).
	FetchRetries int
	RetryBackoff time.Duration
	CycleTimeout time.Duration
	// ArchivePrefix is the blob path prefix raw bodies of changed pages go under.
	ArchivePrefix string
	// EventTopic receives a ChangeEvent per detected change when a publisher is set.
	EventTopic string
}

// MaxFetchRetries caps Config.FetchRetries.
const MaxFetchRetries = 2

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.FetchRetries < 0 {
		c.FetchRetries = 0
	}
	if c.FetchRetries > MaxFetchRetries {
		c.FetchRetries = MaxFetchRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = time.Duration(c.FetchRetries+1)*c.FetchTimeout + time.Minute
	}
	return c
}

// Deps are the collaborators a cycle runs against. Blobs and Publisher are optional.
type Deps struct {
	Sites     monitor.SiteStore
	Snapshots monitor.SnapshotStore
	Checks    monitor.CheckLog
	Fetcher   monitor.Fetcher
	Notifier  monitor.Notifier
	Differ    *differ.Differ
	Blobs     monitor.BlobStore
	Publisher monitor.Publisher
	Hasher    monitor.Hasher
	Clock     monitor.Clock
	IDs       monitor.IDGenerator
}

// TickReport summarizes one Tick.
type TickReport struct {
	// Enqueued lists the site ids handed to the pool, in scheduling order.
	Enqueued []string `json:"enqueued"`
	// Leased counts due sites skipped because a previous cycle still holds them.
	Leased int `json:"leased"`
	// Deferred counts due sites left for the next tick because the queue was full.
	Deferred int `json:"deferred"`
}

// Scheduler is the single scheduling authority of the process.
type Scheduler struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer

	queue *memory.Queue
	pool  *dispatcher.Dispatcher

	mu       sync.Mutex
	states   map[string]monitor.SiteState
	inflight sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Scheduler and its worker pool.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Scheduler, error) {
	switch {
	case deps.Sites == nil, deps.Snapshots == nil, deps.Checks == nil:
		return nil, errors.New("scheduler: site, snapshot and check stores are required")
	case deps.Fetcher == nil:
		return nil, errors.New("scheduler: fetcher is required")
	case deps.Hasher == nil, deps.Clock == nil, deps.IDs == nil:
		return nil, errors.New("scheduler: hasher, clock and id generator are required")
	}
	if deps.Differ == nil {
		deps.Differ = differ.New(differ.DefaultContextLines)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		tracer: otel.Tracer("github.com/JakeFAU/pagewatch/internal/scheduler"),
		queue:  memory.NewQueue(cfg.QueueDepth),
		states: make(map[string]monitor.SiteState),
		sleep:  sleepCtx,
	}
	s.pool = dispatcher.NewPool(s.queue, s, cfg.Workers, logger)
	return s, nil
}

// Run starts the worker pool and ticks every TickInterval until ctx ends.
// Queued checks that never started have their leases released on exit.
func (s *Scheduler) Run(ctx context.Context) error {
	poolDone := make(chan struct{})
	go func() {
		s.pool.Run(ctx)
		close(poolDone)
	}()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		zap.Duration("tick_interval", s.cfg.TickInterval),
		zap.Int("workers", s.pool.Size()),
	)
	s.tickAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			<-poolDone
			for _, item := range s.queue.Drain() {
				s.release(item.SiteID)
			}
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.tickAndLog(ctx)
		}
	}
}

func (s *Scheduler) tickAndLog(ctx context.Context) {
	report, err := s.Tick(ctx, s.deps.Clock.Now())
	if err != nil {
		s.logger.Error("tick failed", zap.Error(err))
		return
	}
	if len(report.Enqueued) > 0 || report.Leased > 0 || report.Deferred > 0 {
		s.logger.Debug("tick",
			zap.Strings("enqueued", report.Enqueued),
			zap.Int("leased", report.Leased),
			zap.Int("deferred", report.Deferred),
		)
	}
}

// Tick selects every enabled site due at now, ordered by (NextCheckAt, ID),
// leases it and hands it to the worker pool. Sites whose previous cycle still
// holds the lease are skipped.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	sites, err := s.deps.Sites.ListSites(ctx)
	if err != nil {
		return TickReport{}, fmt.Errorf("list sites: %w", err)
	}
	due := DueSites(sites, now)

	var report TickReport
	for _, site := range due {
		if !s.acquire(site.ID) {
			report.Leased++
			metrics.ObserveLeaseSkip()
			continue
		}
		if err := s.pool.TryEnqueue(monitor.CheckItem{SiteID: site.ID, EvaluatedAt: now}); err != nil {
			s.release(site.ID)
			report.Deferred++
			s.logger.Warn("check deferred", zap.String("site_id", site.ID), zap.Error(err))
			continue
		}
		report.Enqueued = append(report.Enqueued, site.ID)
	}
	return report, nil
}

// DueSites returns the enabled sites with NextCheckAt <= now, ordered by
// NextCheckAt then ID.
func DueSites(sites []monitor.MonitoredSite, now time.Time) []monitor.MonitoredSite {
	due := make([]monitor.MonitoredSite, 0, len(sites))
	for _, site := range sites {
		if site.IsDue(now) {
			due = append(due, site)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if !due[i].NextCheckAt.Equal(due[j].NextCheckAt) {
			return due[i].NextCheckAt.Before(due[j].NextCheckAt)
		}
		return due[i].ID < due[j].ID
	})
	return due
}

// State reports the scheduling state of a site.
func (s *Scheduler) State(siteID string) monitor.SiteState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[siteID]; ok {
		return state
	}
	return monitor.StateIdle
}

// Wait blocks until every leased cycle has finished.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

func (s *Scheduler) acquire(siteID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.states[siteID]; held {
		return false
	}
	s.states[siteID] = monitor.StateDue
	s.inflight.Add(1)
	return true
}

func (s *Scheduler) markRunning(siteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[siteID] = monitor.StateRunning
}

func (s *Scheduler) release(siteID string) {
	s.mu.Lock()
	_, held := s.states[siteID]
	delete(s.states, siteID)
	s.mu.Unlock()
	if held {
		s.inflight.Done()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
