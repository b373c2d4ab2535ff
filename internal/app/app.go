// Package app builds the long-lived services of a pagewatch process from its
// configuration and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/clock/system"
	"github.com/JakeFAU/pagewatch/internal/config"
	"github.com/JakeFAU/pagewatch/internal/differ"
	"github.com/JakeFAU/pagewatch/internal/fetcher"
	collyfetcher "github.com/JakeFAU/pagewatch/internal/fetcher/colly"
	"github.com/JakeFAU/pagewatch/internal/fetcher/headless"
	rodfetcher "github.com/JakeFAU/pagewatch/internal/fetcher/rod"
	"github.com/JakeFAU/pagewatch/internal/hash/sha256"
	"github.com/JakeFAU/pagewatch/internal/id/uuid"
	"github.com/JakeFAU/pagewatch/internal/manifest"
	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/notifier"
	"github.com/JakeFAU/pagewatch/internal/notifier/discord"
	"github.com/JakeFAU/pagewatch/internal/notifier/telegram"
	"github.com/JakeFAU/pagewatch/internal/policy/ratelimit"
	"github.com/JakeFAU/pagewatch/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/pagewatch/internal/publisher/pubsub"
	"github.com/JakeFAU/pagewatch/internal/scheduler"
	"github.com/JakeFAU/pagewatch/internal/service"
	"github.com/JakeFAU/pagewatch/internal/storage/gcs"
	"github.com/JakeFAU/pagewatch/internal/storage/local"
	memstore "github.com/JakeFAU/pagewatch/internal/storage/memory"
	"github.com/JakeFAU/pagewatch/internal/storage/postgres"
	"github.com/JakeFAU/pagewatch/internal/telemetry"
)

// Store is the persistence surface one backend provides.
type Store interface {
	monitor.SiteStore
	monitor.TargetStore
	monitor.SnapshotStore
	monitor.CheckLog
}

// Options carry build metadata that is not part of the configuration file.
type Options struct {
	Version string
	// SkipTracing leaves the global tracer provider untouched.
	SkipTracing bool
}

// App holds the shared services of the process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	clock     monitor.Clock
	store     Store
	fetcher   monitor.Fetcher
	blobs     monitor.BlobStore
	publisher monitor.Publisher
	service   *service.Service
	scheduler *scheduler.Scheduler

	closers []func(ctx context.Context) error
}

// New builds every service selected by cfg. Anything opened before a failure
// is closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, clock: system.New()}
	if err := a.build(ctx, opts); err != nil {
		if cerr := a.Close(context.Background()); cerr != nil {
			logger.Warn("cleanup after failed start", zap.Error(cerr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	if !opts.SkipTracing {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: "pagewatch",
			Version:     opts.Version,
			SampleRatio: 1,
		})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		a.onClose(tp.Shutdown)
	}

	var err error
	if a.store, err = a.newStore(ctx); err != nil {
		return err
	}
	if a.fetcher, err = a.newFetcher(); err != nil {
		return err
	}
	if a.blobs, err = a.newBlobStore(ctx); err != nil {
		return err
	}
	if a.publisher, err = a.newPublisher(ctx); err != nil {
		return err
	}

	ids := uuid.New()
	svcDeps := service.Deps{
		Sites:     a.store,
		Targets:   a.store,
		Snapshots: a.store,
		Checks:    a.store,
		Blobs:     a.blobs,
		Fetcher:   a.fetcher,
		Clock:     a.clock,
		IDs:       ids,
	}
	a.service, err = service.New(service.Config{ArchivePrefix: a.archivePrefix()}, svcDeps, a.logger.Named("service"))
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	a.scheduler, err = scheduler.New(a.schedulerConfig(), scheduler.Deps{
		Sites:     a.store,
		Snapshots: a.store,
		Checks:    a.store,
		Fetcher:   a.fetcher,
		Notifier:  a.newNotifier(),
		Differ:    differ.New(a.cfg.Diff.ContextLines),
		Blobs:     a.blobs,
		Publisher: a.publisher,
		Hasher:    sha256.New(),
		Clock:     a.clock,
		IDs:       ids,
	}, a.logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	return nil
}

func (a *App) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *App) newStore(ctx context.Context) (Store, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendMemory:
		a.logger.Info("using in-memory store; state is lost on restart")
		return memstore.NewStore(a.cfg.Storage.HistoryLimit), nil
	case config.BackendPostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             a.cfg.Storage.DSN,
			TablePrefix:     a.cfg.Storage.TablePrefix,
			MaxConns:        a.cfg.Storage.MaxConns,
			MinConns:        a.cfg.Storage.MinConns,
			MaxConnLifetime: a.cfg.Storage.MaxConnLifetime,
			HistoryLimit:    a.cfg.Storage.HistoryLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.onClose(func(context.Context) error {
			store.Close()
			return nil
		})
		if a.cfg.Storage.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		a.logger.Info("using postgres store", zap.String("table_prefix", a.cfg.Storage.TablePrefix))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
}

func (a *App) newFetcher() (monitor.Fetcher, error) {
	plain := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.HTTP.UserAgent,
		RespectRobots: a.cfg.HTTP.RespectRobots,
		Timeout:       a.cfg.FetchTimeout(),
		MaxBodyBytes:  a.cfg.HTTP.MaxBodyBytes,
	})

	nav := time.Duration(a.cfg.Renderer.NavTimeoutSec) * time.Second
	var renderer monitor.Fetcher
	switch a.cfg.Renderer.Backend {
	case config.RendererNone, "":
	case config.RendererChromedp:
		f, err := headless.NewChromedp(headless.Config{
			MaxParallel:       a.cfg.Renderer.MaxParallel,
			UserAgent:         a.cfg.HTTP.UserAgent,
			NavigationTimeout: nav,
		})
		if err != nil {
			return nil, fmt.Errorf("init chromedp renderer: %w", err)
		}
		a.onClose(func(context.Context) error {
			f.Close()
			return nil
		})
		renderer = f
	case config.RendererRod:
		f, err := rodfetcher.New(rodfetcher.Config{
			ControlURL:        a.cfg.Renderer.ControlURL,
			ManagedURL:        a.cfg.Renderer.ManagedURL,
			UserAgent:         a.cfg.HTTP.UserAgent,
			MaxParallel:       a.cfg.Renderer.MaxParallel,
			NavigationTimeout: nav,
		})
		if err != nil {
			return nil, fmt.Errorf("init rod renderer: %w", err)
		}
		a.onClose(func(context.Context) error { return f.Close() })
		renderer = f
	default:
		return nil, fmt.Errorf("unknown renderer backend %q", a.cfg.Renderer.Backend)
	}

	limiter := ratelimit.New(ratelimit.Config{
		RPS:   a.cfg.HTTP.RateLimitRPS,
		Burst: a.cfg.HTTP.RateLimitBurst,
	})
	return fetcher.NewRouter(plain, renderer, limiter, a.logger.Named("fetcher")), nil
}

func (a *App) newBlobStore(ctx context.Context) (monitor.BlobStore, error) {
	archive := a.cfg.Storage.Archive
	switch archive.Backend {
	case config.ArchiveNone, "":
		return nil, nil
	case config.ArchiveLocal:
		blobs, err := local.New(local.Config{BaseDir: archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return blobs, nil
	case config.ArchiveGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.onClose(func(context.Context) error { return client.Close() })
		blobs, err := gcs.New(client, gcs.Config{Bucket: archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		return blobs, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", archive.Backend)
	}
}

func (a *App) newPublisher(ctx context.Context) (monitor.Publisher, error) {
	switch a.cfg.Events.Publisher {
	case config.PublisherNone, "":
		return nil, nil
	case config.PublisherMemory:
		return memory.New(), nil
	case config.PublisherPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Events.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		pub := pubsubpublisher.New(client)
		a.onClose(func(context.Context) error {
			pub.Stop()
			return client.Close()
		})
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown event publisher %q", a.cfg.Events.Publisher)
	}
}

func (a *App) newNotifier() *notifier.Service {
	client := &http.Client{Timeout: time.Duration(a.cfg.Notify.TimeoutSeconds) * time.Second}
	adapters := notifier.Adapters{
		monitor.ChannelTelegram: telegram.New(a.cfg.Notify.TelegramAPIBase, client),
		monitor.ChannelDiscord:  discord.New(client),
	}
	return notifier.New(a.store, adapters, notifier.Config{
		MaxAttempts:          a.cfg.Notify.MaxAttempts,
		BackoffInitial:       a.cfg.Notify.BackoffInitial,
		BackoffMax:           a.cfg.Notify.BackoffMax,
		IncludeGlobalTargets: a.cfg.Notify.IncludeGlobalTargets,
		MaxConcurrent:        a.cfg.Notify.MaxConcurrent,
	}, a.logger.Named("notifier"))
}

func (a *App) archivePrefix() string {
	if a.blobs == nil {
		return ""
	}
	return a.cfg.Storage.Archive.Prefix
}

func (a *App) schedulerConfig() scheduler.Config {
	s := a.cfg.Scheduler
	return scheduler.Config{
		TickInterval:  s.TickInterval,
		Workers:       s.Workers,
		QueueDepth:    s.QueueDepth,
		FetchTimeout:  s.FetchTimeout,
		FetchRetries:  s.FetchRetries,
		RetryBackoff:  s.RetryBackoff,
		CycleTimeout:  s.CycleTimeout,
		ArchivePrefix: a.archivePrefix(),
		EventTopic:    a.cfg.Events.Topic,
	}
}

// Seed applies the configured manifest, if any.
func (a *App) Seed(ctx context.Context) error {
	if a.cfg.Manifest == "" {
		return nil
	}
	m, err := manifest.Load(a.cfg.Manifest)
	if err != nil {
		return err
	}
	res, err := manifest.Apply(ctx, a.service, m, a.logger.Named("manifest"))
	if err != nil {
		return fmt.Errorf("apply manifest: %w", err)
	}
	a.logger.Info("manifest applied",
		zap.String("path", a.cfg.Manifest),
		zap.Int("sites_created", res.SitesCreated),
		zap.Int("targets_created", res.TargetsCreated),
	)
	return nil
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Clock returns the process clock.
func (a *App) Clock() monitor.Clock { return a.clock }

// Service returns the CRUD and preview service.
func (a *App) Service() *service.Service { return a.service }

// Scheduler returns the tick loop.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Store returns the persistence backend.
func (a *App) Store() Store { return a.store }

// Ready reports whether the store answers.
func (a *App) Ready(ctx context.Context) error {
	if _, err := a.store.ListSites(ctx); err != nil {
		return fmt.Errorf("store not ready: %w", err)
	}
	return nil
}

// Close releases everything New opened, in reverse order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
