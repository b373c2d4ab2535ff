package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// TargetInput carries the user-owned fields of a notification target.
type TargetInput struct {
	Name        string              `json:"name"`
	ChannelType monitor.ChannelType `json:"channel_type"`
	Credential  string              `json:"credential"`
	Destination string              `json:"destination"`
	// SiteID binds the target to one site; empty or nil makes it global.
	SiteID *string `json:"site_id"`
}

// CreateTarget validates and stores a new notification target.
func (s *Service) CreateTarget(ctx context.Context, in TargetInput) (monitor.NotificationTarget, error) {
	now := s.deps.Clock.Now()
	target := monitor.NotificationTarget{CreatedAt: now, UpdatedAt: now}
	applyTargetInput(&target, in)
	if err := s.validateTarget(ctx, target); err != nil {
		return monitor.NotificationTarget{}, err
	}

	id, err := s.deps.IDs.NewID()
	if err != nil {
		return monitor.NotificationTarget{}, fmt.Errorf("generate target id: %w", err)
	}
	target.ID = id
	if err := s.deps.Targets.CreateTarget(ctx, target); err != nil {
		return monitor.NotificationTarget{}, fmt.Errorf("create target: %w", err)
	}
	s.logger.Info("notification target created",
		zap.String("target_id", target.ID),
		zap.String("channel", string(target.ChannelType)),
	)
	return target, nil
}

// GetTarget returns one target.
func (s *Service) GetTarget(ctx context.Context, id string) (monitor.NotificationTarget, error) {
	target, err := s.deps.Targets.GetTarget(ctx, id)
	if err != nil {
		return monitor.NotificationTarget{}, fmt.Errorf("get target: %w", err)
	}
	return target, nil
}

// ListTargets returns every target ordered by ID.
func (s *Service) ListTargets(ctx context.Context) ([]monitor.NotificationTarget, error) {
	targets, err := s.deps.Targets.ListTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return targets, nil
}

// UpdateTarget replaces the user-owned fields of a target. A credential equal
// to monitor.MaskedCredential keeps the stored one.
func (s *Service) UpdateTarget(ctx context.Context, id string, in TargetInput) (monitor.NotificationTarget, error) {
	current, err := s.deps.Targets.GetTarget(ctx, id)
	if err != nil {
		return monitor.NotificationTarget{}, fmt.Errorf("get target: %w", err)
	}
	updated := current.Clone()
	applyTargetInput(&updated, in)
	if updated.Credential == monitor.MaskedCredential {
		updated.Credential = current.Credential
	}
	if err := s.validateTarget(ctx, updated); err != nil {
		return monitor.NotificationTarget{}, err
	}
	updated.UpdatedAt = s.deps.Clock.Now()
	if err := s.deps.Targets.UpdateTarget(ctx, updated); err != nil {
		return monitor.NotificationTarget{}, fmt.Errorf("update target: %w", err)
	}
	return updated, nil
}

// DeleteTarget removes a target.
func (s *Service) DeleteTarget(ctx context.Context, id string) error {
	if err := s.deps.Targets.DeleteTarget(ctx, id); err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	s.logger.Info("notification target deleted", zap.String("target_id", id))
	return nil
}

func applyTargetInput(target *monitor.NotificationTarget, in TargetInput) {
	target.Name = strings.TrimSpace(in.Name)
	target.ChannelType = monitor.ChannelType(strings.ToLower(strings.TrimSpace(string(in.ChannelType))))
	target.Credential = strings.TrimSpace(in.Credential)
	target.Destination = strings.TrimSpace(in.Destination)
	target.SiteID = nil
	if in.SiteID != nil && strings.TrimSpace(*in.SiteID) != "" {
		id := strings.TrimSpace(*in.SiteID)
		target.SiteID = &id
	}
}

func (s *Service) validateTarget(ctx context.Context, target monitor.NotificationTarget) error {
	if err := s.validateStruct(target); err != nil {
		return err
	}
	switch target.ChannelType {
	case monitor.ChannelTelegram:
		if target.Credential == "" {
			return monitor.NewConfigError("credential", "telegram targets need a bot token")
		}
	case monitor.ChannelDiscord:
		u, err := url.Parse(target.Destination)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return monitor.NewConfigError("destination", "discord targets need an https webhook URL")
		}
	}
	if target.SiteID != nil {
		if _, err := s.deps.Sites.GetSite(ctx, *target.SiteID); err != nil {
			if errors.Is(err, monitor.ErrSiteNotFound) {
				return monitor.NewConfigError("site_id", "unknown site")
			}
			return fmt.Errorf("get site: %w", err)
		}
	}
	return nil
}
