package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/archive"
	"github.com/JakeFAU/pagewatch/internal/cronexpr"
	"github.com/JakeFAU/pagewatch/internal/extractor"
	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/normalizer"
)

const finishTimeout = 10 * time.Second

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("check panicked: %v", e.value)
}

// RunCheck executes one cycle for the leased site and always releases the
// lease. Whatever the outcome, the site's LastCheckAt becomes the evaluation
// instant and NextCheckAt the next cron instant strictly after it, unless the
// site was rescheduled or deleted while the cycle ran.
func (s *Scheduler) RunCheck(ctx context.Context, item monitor.CheckItem) {
	defer s.release(item.SiteID)
	logger := s.logger.With(zap.String("site_id", item.SiteID))

	site, err := s.deps.Sites.GetSite(ctx, item.SiteID)
	if err != nil {
		if !errors.Is(err, monitor.ErrSiteNotFound) {
			logger.Error("load site failed", zap.Error(err))
		}
		return
	}
	if !site.Enabled {
		logger.Debug("site disabled before its check started")
		return
	}

	s.markRunning(site.ID)
	metrics.IncCyclesInFlight()
	defer metrics.DecCyclesInFlight()

	cycleCtx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()
	cycleCtx, span := s.tracer.Start(cycleCtx, "check", trace.WithAttributes(
		attribute.String("site.id", site.ID),
		attribute.String("site.url", site.URL),
	))
	defer span.End()

	record := monitor.CheckRecord{SiteID: site.ID, StartedAt: s.deps.Clock.Now()}
	err = s.cycle(cycleCtx, site, &record)
	record.FinishedAt = s.deps.Clock.Now()
	if errors.Is(err, monitor.ErrSiteNotFound) {
		logger.Debug("site deleted while its check ran")
		return
	}

	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer finishCancel()

	outcome := metrics.OutcomeUnchanged
	switch {
	case err != nil:
		var pe *panicError
		if errors.As(err, &pe) {
			record.ErrorKind = monitor.KindPanic
		} else {
			record.ErrorKind = monitor.ErrorKind(err)
		}
		record.ErrorMessage = err.Error()
		outcome = "error_" + record.ErrorKind
		span.RecordError(err)
		span.SetStatus(codes.Error, record.ErrorKind)
		logger.Warn("check failed",
			zap.String("url", site.URL),
			zap.String("kind", record.ErrorKind),
			zap.Int("attempts", record.Attempts),
			zap.Error(err),
		)
	case record.Changed:
		outcome = metrics.OutcomeChanged
		logger.Info("change detected",
			zap.String("url", site.URL),
			zap.Float64("change_percent", record.ChangePercent),
		)
	default:
		logger.Debug("no change", zap.String("url", site.URL))
	}
	metrics.ObserveCheck(outcome)

	if id, idErr := s.deps.IDs.NewID(); idErr == nil {
		record.ID = id
	} else {
		logger.Error("generate check id failed", zap.Error(idErr))
	}
	if record.ID != "" {
		err := s.deps.Checks.AppendCheck(finishCtx, record)
		switch {
		case errors.Is(err, monitor.ErrSiteNotFound):
			logger.Debug("site deleted while its check ran")
			return
		case err != nil:
			logger.Error("append check failed", zap.Error(err))
		}
	}

	next, cronErr := cronexpr.Next(site.CronExpression, item.EvaluatedAt)
	if cronErr != nil {
		next = item.EvaluatedAt.Add(s.cfg.TickInterval)
		logger.Error("cron expression no longer parses; retrying next tick", zap.Error(cronErr))
	}
	err = s.deps.Sites.MarkChecked(finishCtx, site.ID, site.CronExpression, item.EvaluatedAt, next, record.ErrorMessage)
	switch {
	case errors.Is(err, monitor.ErrSiteNotFound):
		logger.Debug("site deleted while its check ran")
	case err != nil:
		logger.Error("mark checked failed", zap.Error(err))
	}
}

// cycle runs fetch, extract, normalize, diff and snapshot update, then the
// change side effects. Only the first part decides the returned error.
func (s *Scheduler) cycle(ctx context.Context, site monitor.MonitoredSite, record *monitor.CheckRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()

	resp, err := s.fetch(ctx, site, record)
	if err != nil {
		return err
	}

	fragments, err := extractor.Extract(resp.Body, resp.ContentType, site.Settings)
	if err != nil {
		return err
	}
	fragments = normalizer.Normalize(fragments, site.Settings)
	record.FragmentCount = len(fragments)

	var previous *monitor.Snapshot
	snap, err := s.deps.Snapshots.GetSnapshot(ctx, site.ID)
	switch {
	case err == nil:
		previous = &snap
	case !errors.Is(err, monitor.ErrSnapshotNotFound):
		return fmt.Errorf("load snapshot: %w", err)
	}

	result, err := s.deps.Differ.Diff(previous, fragments)
	if err != nil {
		return fmt.Errorf("diff: %w", err)
	}

	hash, err := s.deps.Hasher.Hash([]byte(strings.Join(fragments, "\n")))
	if err != nil {
		return fmt.Errorf("hash fragments: %w", err)
	}
	current := monitor.Snapshot{SiteID: site.ID, Fragments: fragments, Hash: hash, CapturedAt: s.deps.Clock.Now()}
	if err := s.deps.Snapshots.PutSnapshot(ctx, current); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}

	record.Changed = result.Changed
	record.Diff = result.Text
	record.ChangePercent = result.ChangePercent
	if !result.Changed {
		return nil
	}

	record.ArchiveURI = s.archiveBody(ctx, site, resp)
	s.notify(ctx, site, result)
	s.publish(ctx, site, result, hash, record.ArchiveURI)
	return nil
}

// fetch tries the site up to 1+FetchRetries times, each attempt bounded by
// FetchTimeout. Only retryable fetch errors are retried.
func (s *Scheduler) fetch(ctx context.Context, site monitor.MonitoredSite, record *monitor.CheckRecord) (monitor.FetchResponse, error) {
	request := site.FetchRequest()
	var lastErr error
	for attempt := 1; attempt <= 1+s.cfg.FetchRetries; attempt++ {
		record.Attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		resp, err := s.deps.Fetcher.Fetch(attemptCtx, request)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = asFetchError(ctx, err, site.URL)

		var fetchErr *monitor.FetchError
		if !errors.As(lastErr, &fetchErr) || !fetchErr.Retryable() || ctx.Err() != nil {
			break
		}
		if attempt <= s.cfg.FetchRetries {
			s.logger.Debug("retrying fetch",
				zap.String("site_id", site.ID),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
			if err := s.sleep(ctx, s.cfg.RetryBackoff); err != nil {
				break
			}
		}
	}
	return monitor.FetchResponse{}, lastErr
}

// asFetchError makes sure every fetch failure carries a FetchError, including
// deadline expiry reported by a backend as a bare context error.
func asFetchError(cycleCtx context.Context, err error, url string) error {
	var fetchErr *monitor.FetchError
	if errors.As(err, &fetchErr) {
		return err
	}
	reason := monitor.FetchTransport
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = monitor.FetchTimeout
	case errors.Is(err, context.Canceled) || errors.Is(cycleCtx.Err(), context.Canceled):
		reason = monitor.FetchCanceled
	}
	return &monitor.FetchError{Reason: reason, URL: url, Err: err}
}

func (s *Scheduler) archiveBody(ctx context.Context, site monitor.MonitoredSite, resp monitor.FetchResponse) string {
	if s.deps.Blobs == nil || len(resp.Body) == 0 {
		return ""
	}
	digest, err := s.deps.Hasher.Hash(resp.Body)
	if err != nil {
		s.logger.Warn("hash body failed", zap.String("site_id", site.ID), zap.Error(err))
		return ""
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	uri, err := s.deps.Blobs.PutObject(ctx, archive.Path(s.cfg.ArchivePrefix, site.ID, digest), contentType, bytes.NewReader(resp.Body))
	if err != nil {
		s.logger.Warn("archive body failed", zap.String("site_id", site.ID), zap.Error(err))
		return ""
	}
	return uri
}

func (s *Scheduler) notify(ctx context.Context, site monitor.MonitoredSite, result monitor.DiffResult) {
	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.Notify(ctx, site, result, s.deps.Clock.Now()); err != nil {
		s.logger.Warn("notification incomplete", zap.String("site_id", site.ID), zap.Error(err))
	}
}

func (s *Scheduler) publish(ctx context.Context, site monitor.MonitoredSite, result monitor.DiffResult, hash, archiveURI string) {
	if s.deps.Publisher == nil || s.cfg.EventTopic == "" {
		return
	}
	event := monitor.ChangeEvent{
		SiteID:     site.ID,
		SiteName:   site.Name,
		URL:        site.URL,
		Diff:       result.Text,
		Hash:       hash,
		CheckedAt:  s.deps.Clock.Now(),
		ArchiveURI: archiveURI,
	}
	id, err := s.deps.Publisher.Publish(ctx, s.cfg.EventTopic, event)
	if err != nil {
		s.logger.Warn("publish change event failed", zap.String("site_id", site.ID), zap.Error(err))
		return
	}
	s.logger.Debug("change event published", zap.String("site_id", site.ID), zap.String("message_id", id))
}
