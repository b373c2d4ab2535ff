// Package manifest seeds sites and notification targets from a YAML file at
// startup. Entries that already exist (same name) are left untouched.
package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/service"
)

// Manifest is the on-disk seed document.
type Manifest struct {
	Sites   []Site   `yaml:"sites"`
	Targets []Target `yaml:"targets"`
}

// Site describes one monitored site.
type Site struct {
	Name     string                     `yaml:"name"`
	URL      string                     `yaml:"url"`
	Mode     monitor.Mode               `yaml:"mode"`
	Cron     string                     `yaml:"cron"`
	Enabled  *bool                      `yaml:"enabled"`
	Settings monitor.ExtractionSettings `yaml:"settings"`
}

// Target describes one notification target. Site refers to a site by name;
// empty makes the target global. Credentials may reference environment
// variables as ${NAME}.
type Target struct {
	Name        string              `yaml:"name"`
	ChannelType monitor.ChannelType `yaml:"channel_type"`
	Credential  string              `yaml:"credential"`
	Destination string              `yaml:"destination"`
	Site        string              `yaml:"site"`
}

// Seeder is the subset of the service used to apply a manifest.
type Seeder interface {
	ListSites(ctx context.Context) ([]monitor.MonitoredSite, error)
	CreateSite(ctx context.Context, in service.SiteInput) (monitor.MonitoredSite, error)
	ListTargets(ctx context.Context) ([]monitor.NotificationTarget, error)
	CreateTarget(ctx context.Context, in service.TargetInput) (monitor.NotificationTarget, error)
}

// Result counts what Apply created.
type Result struct {
	SitesCreated   int
	TargetsCreated int
}

// Load reads and parses a manifest file.
func Load(path string) (Manifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(content)
}

// Parse decodes a manifest, rejecting unknown keys.
func Parse(content []byte) (Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	seen := make(map[string]struct{}, len(m.Sites))
	for i, site := range m.Sites {
		if site.Name == "" {
			return Manifest{}, fmt.Errorf("manifest site %d is missing a name", i)
		}
		if _, dup := seen[site.Name]; dup {
			return Manifest{}, fmt.Errorf("manifest site %q is declared twice", site.Name)
		}
		seen[site.Name] = struct{}{}
	}
	for i, target := range m.Targets {
		if target.Name == "" {
			return Manifest{}, fmt.Errorf("manifest target %d is missing a name", i)
		}
		if target.Site != "" {
			if _, ok := seen[target.Site]; !ok {
				return Manifest{}, fmt.Errorf("manifest target %q refers to unknown site %q", target.Name, target.Site)
			}
		}
	}
	return m, nil
}

// Apply creates every site and target of m that does not exist yet.
func Apply(ctx context.Context, seeder Seeder, m Manifest, logger *zap.Logger) (Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var res Result

	existing, err := seeder.ListSites(ctx)
	if err != nil {
		return res, fmt.Errorf("list sites: %w", err)
	}
	siteIDs := make(map[string]string, len(existing))
	for _, site := range existing {
		siteIDs[site.Name] = site.ID
	}
	for _, entry := range m.Sites {
		if _, ok := siteIDs[entry.Name]; ok {
			logger.Debug("manifest site exists", zap.String("name", entry.Name))
			continue
		}
		site, err := seeder.CreateSite(ctx, service.SiteInput{
			URL:            entry.URL,
			Name:           entry.Name,
			Enabled:        entry.Enabled,
			Mode:           entry.Mode,
			CronExpression: entry.Cron,
			Settings:       entry.Settings,
		})
		if err != nil {
			return res, fmt.Errorf("seed site %q: %w", entry.Name, err)
		}
		siteIDs[entry.Name] = site.ID
		res.SitesCreated++
	}

	targets, err := seeder.ListTargets(ctx)
	if err != nil {
		return res, fmt.Errorf("list targets: %w", err)
	}
	targetNames := make(map[string]struct{}, len(targets))
	for _, target := range targets {
		targetNames[target.Name] = struct{}{}
	}
	for _, entry := range m.Targets {
		if _, ok := targetNames[entry.Name]; ok {
			continue
		}
		in := service.TargetInput{
			Name:        entry.Name,
			ChannelType: entry.ChannelType,
			Credential:  os.ExpandEnv(entry.Credential),
			Destination: os.ExpandEnv(entry.Destination),
		}
		if entry.Site != "" {
			id := siteIDs[entry.Site]
			in.SiteID = &id
		}
		if _, err := seeder.CreateTarget(ctx, in); err != nil {
			return res, fmt.Errorf("seed target %q: %w", entry.Name, err)
		}
		targetNames[entry.Name] = struct{}{}
		res.TargetsCreated++
	}

	logger.Info("manifest applied",
		zap.Int("sites_created", res.SitesCreated),
		zap.Int("targets_created", res.TargetsCreated),
	)
	return res, nil
}
