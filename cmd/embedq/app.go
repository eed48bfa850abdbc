package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/abdul-hamid-achik/embedq/internal/backend"
	"github.com/abdul-hamid-achik/embedq/internal/cache"
	"github.com/abdul-hamid-achik/embedq/internal/config"
	"github.com/abdul-hamid-achik/embedq/internal/embed"
	"github.com/abdul-hamid-achik/embedq/internal/index"
	"github.com/abdul-hamid-achik/embedq/internal/pipeline"
	"github.com/abdul-hamid-achik/embedq/internal/scheduler"
	"github.com/abdul-hamid-achik/embedq/internal/store"
	"github.com/abdul-hamid-achik/embedq/internal/vectorindex"
)

// app holds every component of one command invocation.
type app struct {
	root   string
	loader *config.Loader
	cfg    *config.Config
	logger *slog.Logger

	cacheBackend cache.Backend
	chunked      *cache.Chunked
	store        *store.Store
	provider     embed.Provider
	index        vectorindex.Index
	toggle       *backend.Toggle
	health       *backend.Monitor
	selector     *backend.Selector
	sched        *scheduler.Local
	retries      *deferredRetries

	processor   *pipeline.Processor
	coordinator *pipeline.Coordinator
	ingester    *index.Ingester
}

type appOptions struct {
	// longRunning keeps retries in the scheduler and opens the vector index
	// even while it is disabled, so a config reload can switch it on.
	longRunning bool
}

// openApp loads the project config and wires the components together.
func openApp(ctx context.Context, opts appOptions) (*app, error) {
	root, err := projectRoot()
	if err != nil {
		return nil, err
	}

	loader := config.NewLoader(root)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	a := &app{root: root, loader: loader, cfg: cfg, logger: slog.Default()}
	if err := a.wire(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, opts appOptions) error {
	cfg := a.cfg

	cb, err := newCacheBackend(cfg.Cache)
	if err != nil {
		return err
	}
	a.cacheBackend = cb
	if cb != nil {
		a.chunked = cache.NewChunked(cb, cache.ChunkedOptions{
			Prefix:    cfg.Cache.Prefix,
			TTL:       cfg.Cache.TTL,
			LargeKeys: store.LargeKeys(),
		})
	}

	a.store, err = store.Open(ctx, store.Options{Path: cfg.DBPath, Cache: a.chunked, Logger: a.logger})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	provider, err := embed.New(embed.Config{
		Provider:   embed.ProviderType(cfg.Embedding.Provider),
		Model:      cfg.Embedding.Model,
		URL:        cfg.Embedding.URL,
		APIKey:     cfg.Embedding.APIKey,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		return fmt.Errorf("failed to create embedding provider: %w", err)
	}
	if cb != nil && cfg.Embedding.CacheTTL > 0 {
		provider = embed.WithCache(provider, cb, cfg.Embedding.CacheTTL, a.logger)
	}
	a.provider = provider

	embedder := embed.NewServiceAdapter(provider)
	var warmer pipeline.Warmer
	if _, cached := provider.(*embed.CachedProvider); cached {
		warmer = embedder
	}

	a.toggle = backend.NewToggle(cfg.VectorIndex.Enabled)
	if cfg.VectorIndex.Enabled || opts.longRunning {
		a.index = a.openIndex(ctx)
	}
	a.health = backend.NewMonitor(a.toggle, a.index, a.logger)
	a.selector = &backend.Selector{Health: a.health, Store: a.store, Logger: a.logger}

	a.sched = scheduler.NewLocal(scheduler.Options{Workers: cfg.Pipeline.Workers, Logger: a.logger})

	var retrySched scheduler.Scheduler = a.sched
	if !opts.longRunning {
		a.retries = &deferredRetries{next: a.sched, logger: a.logger}
		retrySched = a.retries
	}

	var lease *cache.Lease
	if a.chunked != nil {
		lease = a.chunked.Lease()
	}

	a.processor = pipeline.NewProcessor(pipeline.Config{
		RetryInterval: cfg.Pipeline.RetryInterval,
		MaxAttempts:   cfg.Pipeline.MaxAttempts,
		LeaseTTL:      cfg.Pipeline.LeaseTTL,
		SiteURL:       cfg.Pipeline.SiteURL,
	}, pipeline.Deps{
		Store:     a.store,
		Embedder:  embedder,
		Warmer:    warmer,
		Health:    a.health,
		Index:     a.index,
		Scheduler: retrySched,
		Lease:     lease,
		Logger:    a.logger,
	})
	a.coordinator = pipeline.NewCoordinator(a.store, a.index, a.sched, a.logger)

	a.sched.Handle(pipeline.TaskProcessEntry, a.processor.Handler())
	a.sched.Handle(pipeline.TaskDeleteSources, a.coordinator.Handler())

	a.ingester = index.NewIngester(a.store, a.processor, index.ChunkerConfig{
		ChunkSize:    cfg.Ingest.ChunkSize,
		ChunkOverlap: cfg.Ingest.ChunkOverlap,
	}, a.logger)
	if a.index != nil {
		a.ingester.SetPointRemover(a.index)
	}
	return nil
}

// openIndex connects the configured vector index. A failure is logged and
// leaves the pipeline on local storage.
func (a *app) openIndex(ctx context.Context) vectorindex.Index {
	cfg := a.cfg
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	idx, err := vectorindex.Open(openCtx, vectorindex.Config{
		Kind:       vectorindex.Kind(cfg.VectorIndex.Kind),
		Addr:       cfg.VectorIndex.Addr,
		Path:       cfg.VectorIndex.Path,
		Collection: cfg.VectorIndex.Collection,
		Dimensions: a.provider.Dimensions(),
	})
	if err != nil {
		a.logger.Warn("vector index unavailable, storing embeddings locally", "kind", cfg.VectorIndex.Kind, "err", err)
		return nil
	}
	return idx
}

// Close releases everything wire opened, in reverse order.
func (a *app) Close() {
	if a.sched != nil {
		_ = a.sched.Close()
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			a.logger.Warn("close vector index", "err", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close database", "err", err)
		}
	}
	if a.cacheBackend != nil {
		if err := a.cacheBackend.Close(); err != nil {
			a.logger.Warn("close cache", "err", err)
		}
	}
}

// drain starts the scheduler and waits until no task is pending.
func (a *app) drain(ctx context.Context) error {
	if err := a.sched.Start(ctx); err != nil {
		return err
	}
	return a.sched.Wait(ctx)
}

func newCacheBackend(cfg config.CacheConfig) (cache.Backend, error) {
	switch cfg.Backend {
	case "none":
		return nil, nil
	case "badger":
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		b, err := cache.OpenBadger(cache.BadgerOptions{Dir: cfg.Dir, MaxValueSize: cfg.MaxValueSize})
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return cache.NewMemory(cache.MemoryOptions{MaxEntries: cfg.MaxEntries, MaxValueSize: cfg.MaxValueSize}), nil
	}
}

// deferredRetries forwards immediate tasks and drops delayed ones. One-shot
// commands exit once the queue drains; an entry whose retry was dropped is
// still scheduled and is picked up by the next dispatch.
type deferredRetries struct {
	next     scheduler.Scheduler
	logger   *slog.Logger
	deferred atomic.Int64
}

func (d *deferredRetries) Schedule(ctx context.Context, delay time.Duration, task string, args any) error {
	if delay > 0 {
		d.deferred.Add(1)
		d.logger.Debug("retry deferred to next dispatch", "task", task, "delay", delay)
		return nil
	}
	return d.next.Schedule(ctx, delay, task, args)
}

// Deferred returns how many retries were dropped.
func (d *deferredRetries) Deferred() int64 {
	return d.deferred.Load()
}

// projectRoot searches upward from the working directory for a project.
func projectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	root, err := config.FindProjectRoot(cwd)
	if err != nil {
		return "", fmt.Errorf("not in an embedq project: run 'embedq init' first")
	}
	return root, nil
}
