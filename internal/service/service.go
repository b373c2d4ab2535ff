// Package service is the core API used by the HTTP layer and the CLI: entity
// CRUD with validation, check history and the one-off preview.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/archive"
	"github.com/JakeFAU/pagewatch/internal/cronexpr"
	"github.com/JakeFAU/pagewatch/internal/extractor"
	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/normalizer"
)

// MaxCronRuns caps how many instants NextRuns returns.
const MaxCronRuns = 50

// Config tunes the service.
type Config struct {
	// ArchivePrefix is where the scheduler archives raw pages; deleted with the site.
	ArchivePrefix  string
	PreviewTimeout time.Duration
}

// Deps are the stores and adapters the service runs against. Fetcher is only
// needed for Preview and Blobs only when archival is enabled.
type Deps struct {
	Sites     monitor.SiteStore
	Targets   monitor.TargetStore
	Snapshots monitor.SnapshotStore
	Checks    monitor.CheckLog
	Blobs     monitor.BlobStore
	Fetcher   monitor.Fetcher
	Clock     monitor.Clock
	IDs       monitor.IDGenerator
}

// Service implements site and target CRUD plus preview.
type Service struct {
	cfg      Config
	deps     Deps
	validate *validator.Validate
	logger   *zap.Logger
}

// New builds a Service.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Service, error) {
	switch {
	case deps.Sites == nil, deps.Targets == nil, deps.Snapshots == nil, deps.Checks == nil:
		return nil, errors.New("service: site, target, snapshot and check stores are required")
	case deps.Clock == nil, deps.IDs == nil:
		return nil, errors.New("service: clock and id generator are required")
	}
	if cfg.PreviewTimeout <= 0 {
		cfg.PreviewTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cfg: cfg, deps: deps, validate: newValidator(), logger: logger}, nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}

// SiteInput carries the user-owned fields of a site.
type SiteInput struct {
	URL            string                     `json:"url"`
	Name           string                     `json:"name"`
	Enabled        *bool                      `json:"enabled"`
	Mode           monitor.Mode               `json:"mode"`
	CronExpression string                     `json:"cron_expression"`
	Settings       monitor.ExtractionSettings `json:"settings"`
}

// CreateSite validates input and stores a new site due at the first cron
// instant after now. Sites are enabled unless Enabled is explicitly false.
func (s *Service) CreateSite(ctx context.Context, in SiteInput) (monitor.MonitoredSite, error) {
	now := s.deps.Clock.Now()
	site := monitor.MonitoredSite{CreatedAt: now, UpdatedAt: now, Enabled: true}
	applySiteInput(&site, in)

	sched, err := s.validateSite(site)
	if err != nil {
		return monitor.MonitoredSite{}, err
	}
	site.CronExpression = sched.String()
	site.NextCheckAt = sched.Next(now)

	id, err := s.deps.IDs.NewID()
	if err != nil {
		return monitor.MonitoredSite{}, fmt.Errorf("generate site id: %w", err)
	}
	site.ID = id
	if err := s.deps.Sites.CreateSite(ctx, site); err != nil {
		return monitor.MonitoredSite{}, fmt.Errorf("create site: %w", err)
	}
	s.logger.Info("site created",
		zap.String("site_id", site.ID),
		zap.String("url", site.URL),
		zap.Time("next_check_at", site.NextCheckAt),
	)
	return site, nil
}

// GetSite returns one site.
func (s *Service) GetSite(ctx context.Context, id string) (monitor.MonitoredSite, error) {
	site, err := s.deps.Sites.GetSite(ctx, id)
	if err != nil {
		return monitor.MonitoredSite{}, fmt.Errorf("get site: %w", err)
	}
	return site, nil
}

// ListSites returns every site ordered by ID.
func (s *Service) ListSites(ctx context.Context) ([]monitor.MonitoredSite, error) {
	sites, err := s.deps.Sites.ListSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	return sites, nil
}

// UpdateSite replaces the user-owned fields of a site. When the cron
// expression or the enabled flag changes, NextCheckAt is recomputed from now.
// Scheduler-owned fields are preserved by the store, so the returned site is
// read back after the write.
func (s *Service) UpdateSite(ctx context.Context, id string, in SiteInput) (monitor.MonitoredSite, error) {
	current, err := s.deps.Sites.GetSite(ctx, id)
	if err != nil {
		return monitor.MonitoredSite{}, fmt.Errorf("get site: %w", err)
	}
	updated := current.Clone()
	applySiteInput(&updated, in)

	sched, err := s.validateSite(updated)
	if err != nil {
		return monitor.MonitoredSite{}, err
	}
	updated.CronExpression = sched.String()

	now := s.deps.Clock.Now()
	if updated.CronExpression != current.CronExpression || updated.Enabled != current.Enabled {
		updated.NextCheckAt = sched.Next(now)
	}
	updated.UpdatedAt = now
	if err := s.deps.Sites.UpdateSite(ctx, updated); err != nil {
		return monitor.MonitoredSite{}, fmt.Errorf("update site: %w", err)
	}
	stored, err := s.deps.Sites.GetSite(ctx, id)
	if err != nil {
		return monitor.MonitoredSite{}, fmt.Errorf("get site: %w", err)
	}
	return stored, nil
}

// DeleteSite removes the site from scheduling and deletes its snapshot, check
// history, archived pages and bound notification targets.
func (s *Service) DeleteSite(ctx context.Context, id string) error {
	if err := s.deps.Sites.DeleteSite(ctx, id); err != nil {
		return fmt.Errorf("delete site: %w", err)
	}
	logger := s.logger.With(zap.String("site_id", id))

	var errs []error
	if err := s.deps.Snapshots.DeleteSnapshot(ctx, id); err != nil {
		errs = append(errs, fmt.Errorf("delete snapshot: %w", err))
	}
	if err := s.deps.Checks.DeleteChecks(ctx, id); err != nil {
		errs = append(errs, fmt.Errorf("delete checks: %w", err))
	}
	if s.deps.Blobs != nil && s.cfg.ArchivePrefix != "" {
		if err := s.deps.Blobs.DeletePrefix(ctx, archive.Dir(s.cfg.ArchivePrefix, id)); err != nil {
			errs = append(errs, fmt.Errorf("delete archive: %w", err))
		}
	}
	targets, err := s.deps.Targets.ListTargets(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list targets: %w", err))
	}
	for _, target := range targets {
		if target.SiteID == nil || *target.SiteID != id {
			continue
		}
		if err := s.deps.Targets.DeleteTarget(ctx, target.ID); err != nil && !errors.Is(err, monitor.ErrTargetNotFound) {
			errs = append(errs, fmt.Errorf("delete target %s: %w", target.ID, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		logger.Warn("site deleted with incomplete cleanup", zap.Error(err))
		return err
	}
	logger.Info("site deleted")
	return nil
}

// ListChecks returns the newest check records of a site first.
func (s *Service) ListChecks(ctx context.Context, siteID string, limit int) ([]monitor.CheckRecord, error) {
	if _, err := s.deps.Sites.GetSite(ctx, siteID); err != nil {
		return nil, fmt.Errorf("get site: %w", err)
	}
	checks, err := s.deps.Checks.ListChecks(ctx, siteID, limit)
	if err != nil {
		return nil, fmt.Errorf("list checks: %w", err)
	}
	return checks, nil
}

// GetSnapshot returns the last stored fragments of a site.
func (s *Service) GetSnapshot(ctx context.Context, siteID string) (monitor.Snapshot, error) {
	snap, err := s.deps.Snapshots.GetSnapshot(ctx, siteID)
	if err != nil {
		return monitor.Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

func applySiteInput(site *monitor.MonitoredSite, in SiteInput) {
	site.URL = strings.TrimSpace(in.URL)
	site.Name = strings.TrimSpace(in.Name)
	site.Mode = in.Mode
	if site.Mode == "" {
		site.Mode = monitor.ModePlain
	}
	site.CronExpression = cronexpr.Resolve(in.CronExpression)
	if in.Enabled != nil {
		site.Enabled = *in.Enabled
	}
	site.Settings = in.Settings.Clone()
}

func (s *Service) validateSite(site monitor.MonitoredSite) (cronexpr.Schedule, error) {
	if err := s.validateStruct(site); err != nil {
		return cronexpr.Schedule{}, err
	}
	if err := validateSettings(site.Settings); err != nil {
		return cronexpr.Schedule{}, err
	}
	sched, err := cronexpr.Parse(site.CronExpression)
	if err != nil {
		return cronexpr.Schedule{}, monitor.NewConfigError("cron_expression", err.Error())
	}
	return sched, nil
}

func validateSettings(settings monitor.ExtractionSettings) error {
	switch settings.Method() {
	case http.MethodGet, http.MethodPost, http.MethodHead, http.MethodPut:
	default:
		return monitor.NewConfigError("settings.http_method", fmt.Sprintf("unsupported method %q", settings.HTTPMethod))
	}
	for name := range settings.Headers {
		if strings.TrimSpace(name) == "" {
			return monitor.NewConfigError("settings.headers", "header name must not be empty")
		}
	}
	return extractor.ValidateSettings(settings)
}

func (s *Service) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return monitor.NewConfigError(fieldName(fe), describe(fe))
	}
	return monitor.NewConfigError("", err.Error())
}

// fieldName strips the struct name from the namespace: MonitoredSite.settings.x -> settings.x.
func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "http_url":
		return "must be an absolute http or https URL"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// NextRuns resolves a preset or expression and returns its next n instants after from.
func NextRuns(expr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := cronexpr.Parse(cronexpr.Resolve(expr))
	if err != nil {
		return nil, monitor.NewConfigError("expr", err.Error())
	}
	if n <= 0 {
		n = 1
	}
	if n > MaxCronRuns {
		n = MaxCronRuns
	}
	return sched.NextN(from, n), nil
}

// PreviewRequest describes a one-off extraction.
type PreviewRequest struct {
	URL      string                     `json:"url"`
	Mode     monitor.Mode               `json:"mode"`
	Settings monitor.ExtractionSettings `json:"settings"`
}

// PreviewResult is what a check of the request would store as its snapshot.
type PreviewResult struct {
	URL         string        `json:"url"`
	StatusCode  int           `json:"status_code"`
	ContentType string        `json:"content_type"`
	Fragments   []string      `json:"fragments"`
	Duration    time.Duration `json:"duration"`
}

// Preview runs fetch, extract and normalize once without touching any store.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (PreviewResult, error) {
	if s.deps.Fetcher == nil {
		return PreviewResult{}, errors.New("preview: no fetcher configured")
	}
	site := monitor.MonitoredSite{
		URL:      strings.TrimSpace(req.URL),
		Mode:     req.Mode,
		Settings: req.Settings.Clone(),
	}
	if site.Mode == "" {
		site.Mode = monitor.ModePlain
	}
	if err := validatePreviewURL(site.URL); err != nil {
		return PreviewResult{}, err
	}
	if !site.Mode.Valid() {
		return PreviewResult{}, monitor.NewConfigError("mode", "must be one of: plain renderer")
	}
	if err := validateSettings(site.Settings); err != nil {
		return PreviewResult{}, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.PreviewTimeout)
	defer cancel()
	resp, err := s.deps.Fetcher.Fetch(fetchCtx, site.FetchRequest())
	if err != nil {
		return PreviewResult{}, err
	}
	fragments, err := extractor.Extract(resp.Body, resp.ContentType, site.Settings)
	if err != nil {
		return PreviewResult{}, err
	}
	return PreviewResult{
		URL:         resp.URL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType,
		Fragments:   normalizer.Normalize(fragments, site.Settings),
		Duration:    resp.Duration,
	}, nil
}

func validatePreviewURL(raw string) error {
	if raw == "" {
		return monitor.NewConfigError("url", "is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return monitor.NewConfigError("url", "must be an absolute http or https URL")
	}
	return nil
}
