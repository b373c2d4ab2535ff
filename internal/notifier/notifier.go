// Package notifier renders change notifications and fans them out to the
// channel adapters of a site's targets.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Config tunes delivery.
type Config struct {
	MaxAttempts          int
	BackoffInitial       time.Duration
	BackoffMax           time.Duration
	IncludeGlobalTargets bool
	// MaxConcurrent caps simultaneous deliveries; 8 when unset.
	MaxConcurrent int
}

// Adapters maps a channel type to its adapter.
type Adapters map[monitor.ChannelType]monitor.ChannelAdapter

// Service implements monitor.Notifier.
type Service struct {
	targets  monitor.TargetStore
	adapters Adapters
	cfg      Config
	backoff  *Backoff
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New builds a notifier Service.
func New(targets monitor.TargetStore, adapters Adapters, cfg Config, logger *zap.Logger) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		targets:  targets,
		adapters: adapters,
		cfg:      cfg,
		backoff:  NewBackoff(cfg.BackoffInitial, cfg.BackoffMax),
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// Notify delivers the rendered message to every target of the site. Up to
// MaxConcurrent targets are delivered to at once and one target's failure
// never affects another. The returned error joins the per-target failures in
// target order.
func (s *Service) Notify(ctx context.Context, site monitor.MonitoredSite, result monitor.DiffResult, checkedAt time.Time) error {
	if !result.Changed {
		return nil
	}
	targets, err := s.Targets(ctx, site.ID)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		s.logger.Debug("no notification targets", zap.String("site_id", site.ID))
		return nil
	}

	message := Render(TemplateFor(site), NewTemplateData(site, result, checkedAt))

	errs := make([]error, len(targets))
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrent)
	for i, target := range targets {
		g.Go(func() error {
			errs[i] = s.deliver(ctx, target, message)
			return errs[i]
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Join(errs...)
	}
	return nil
}

// Targets returns the targets bound to siteID plus, when configured, the
// global ones.
func (s *Service) Targets(ctx context.Context, siteID string) ([]monitor.NotificationTarget, error) {
	all, err := s.targets.ListTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	out := make([]monitor.NotificationTarget, 0, len(all))
	for _, t := range all {
		switch {
		case t.SiteID != nil && *t.SiteID == siteID:
			out = append(out, t)
		case t.SiteID == nil && s.cfg.IncludeGlobalTargets:
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Service) deliver(ctx context.Context, target monitor.NotificationTarget, message string) error {
	logger := s.logger.With(
		zap.String("target_id", target.ID),
		zap.String("channel", string(target.ChannelType)),
	)
	adapter, ok := s.adapters[target.ChannelType]
	if !ok {
		metrics.ObserveNotification(string(target.ChannelType), "unsupported")
		err := &monitor.NotifyError{
			TargetID: target.ID,
			Channel:  target.ChannelType,
			Err:      fmt.Errorf("no adapter for channel %q", target.ChannelType),
		}
		logger.Warn("notification dropped", zap.Error(err))
		return err
	}

	var lastErr *monitor.NotifyError
	pending := message
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		err := adapter.Send(ctx, pending, target.Credential, target.Destination)
		if err == nil {
			metrics.ObserveNotification(string(target.ChannelType), "delivered")
			logger.Debug("notification delivered", zap.Int("attempt", attempt))
			return nil
		}
		lastErr = asNotifyError(err, target)
		logger.Warn("notification attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if lastErr.Undelivered != "" {
			pending = lastErr.Undelivered
		}

		if !lastErr.Retryable || attempt == s.cfg.MaxAttempts {
			break
		}
		delay := s.backoff.Delay(attempt)
		if lastErr.RetryAfter > s.backoff.Max() {
			break
		}
		delay = max(delay, lastErr.RetryAfter)
		if err := s.sleep(ctx, delay); err != nil {
			break
		}
	}

	metrics.ObserveNotification(string(target.ChannelType), "dropped")
	logger.Error("notification dropped", zap.Error(lastErr))
	return lastErr
}

func asNotifyError(err error, target monitor.NotificationTarget) *monitor.NotifyError {
	var notifyErr *monitor.NotifyError
	if errors.As(err, &notifyErr) {
		cp := *notifyErr
		cp.TargetID = target.ID
		cp.Channel = target.ChannelType
		return &cp
	}
	return &monitor.NotifyError{
		TargetID:  target.ID,
		Channel:   target.ChannelType,
		Retryable: true,
		Err:       err,
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
