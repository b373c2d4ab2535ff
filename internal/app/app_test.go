package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/config"
	"github.com/JakeFAU/pagewatch/internal/publisher/memory"
	"github.com/JakeFAU/pagewatch/internal/storage/local"
	"github.com/JakeFAU/pagewatch/internal/service"
)

func defaultConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestNewWithMemoryBackends(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig(t)
	a, err := New(context.Background(), cfg, nil, Options{SkipTracing: true})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })

	require.NotNil(t, a.Service())
	require.NotNil(t, a.Scheduler())
	require.NotNil(t, a.Logger())
	require.NotNil(t, a.Clock())
	require.Nil(t, a.blobs)
	require.Nil(t, a.publisher)
	require.NoError(t, a.Ready(context.Background()))
}

func TestNewWithLocalArchiveAndMemoryEvents(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig(t)
	cfg.Storage.Archive.Backend = config.ArchiveLocal
	cfg.Storage.Archive.BaseDir = filepath.Join(t.TempDir(), "archive")
	cfg.Events.Publisher = config.PublisherMemory

	a, err := New(context.Background(), cfg, nil, Options{SkipTracing: true})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })

	require.IsType(t, &local.BlobStore{}, a.blobs)
	require.IsType(t, &memory.Publisher{}, a.publisher)
	require.Equal(t, "pages", a.archivePrefix())
	require.Equal(t, "pages", a.schedulerConfig().ArchivePrefix)
	require.Equal(t, cfg.Events.Topic, a.schedulerConfig().EventTopic)
}

func TestNewRejectsUnknownBackends(t *testing.T) {
	t.Parallel()

	tests := map[string]func(*config.Config){
		"storage":   func(c *config.Config) { c.Storage.Backend = "sqlite" },
		"renderer":  func(c *config.Config) { c.Renderer.Backend = "webkit" },
		"archive":   func(c *config.Config) { c.Storage.Archive.Backend = "s3" },
		"publisher": func(c *config.Config) { c.Events.Publisher = "kafka" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := defaultConfig(t)
			mutate(&cfg)
			_, err := New(context.Background(), cfg, nil, Options{SkipTracing: true})
			require.ErrorContains(t, err, "unknown")
		})
	}
}

func TestNewWithTracing(t *testing.T) {
	cfg := defaultConfig(t)
	a, err := New(context.Background(), cfg, nil, Options{Version: "test"})
	require.NoError(t, err)
	require.Len(t, a.closers, 1)
	require.NoError(t, a.Close(context.Background()))
	require.Empty(t, a.closers)
}

func TestSeedAppliesManifest(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "manifest.yaml")
	doc := "sites:\n  - name: Docs\n    url: https://docs.example/changelog\n    cron: daily\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg := defaultConfig(t)
	cfg.Manifest = path
	a, err := New(context.Background(), cfg, nil, Options{SkipTracing: true})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })

	ctx := context.Background()
	require.NoError(t, a.Seed(ctx))
	require.NoError(t, a.Seed(ctx))

	sites, err := a.Service().ListSites(ctx)
	require.NoError(t, err)
	require.Len(t, sites, 1)
	require.Equal(t, "Docs", sites[0].Name)

	_, err = a.Service().CreateSite(ctx, service.SiteInput{URL: "ftp://docs.example"})
	require.Error(t, err)
}

func TestSeedWithoutManifest(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), defaultConfig(t), nil, Options{SkipTracing: true})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })
	require.NoError(t, a.Seed(context.Background()))
}
