// Package app wires the configured components together and owns their
// background loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline0/internal/config"
	"offline0/internal/control"
	"offline0/internal/fallback"
	"offline0/internal/httpserver"
	"offline0/internal/lifecycle"
	"offline0/internal/network"
	"offline0/internal/proxy"
	"offline0/internal/retryqueue"
	"offline0/internal/store"
	"offline0/internal/strategy"
)

type App struct {
	Config config.Config
	Logger *zap.Logger

	Store     store.Store
	Fetcher   network.Fetcher
	Engine    *strategy.Engine
	Lifecycle *lifecycle.Manager
	Queue     *retryqueue.Queue
	Channel   *control.Channel
	Precacher *control.Precacher
	Watcher   *retryqueue.Watcher
	Proxy     *proxy.Interceptor
	Server    *httpserver.Server

	// sized layers reported by the stats loop
	ram  *store.Memory
	disk *store.LevelDB
	big  *store.BigCache

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds every component with the default upstream client. Nothing runs
// until Start.
func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	return NewWithFetcher(cfg, nil, logger)
}

// NewWithFetcher is New with an injected upstream fetcher.
func NewWithFetcher(cfg config.Config, f network.Fetcher, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Fetcher: f,
		ctx:     ctx,
		cancel:  cancel,
	}
	if err := a.init(); err != nil {
		cancel()
		_ = a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) init() error {
	cfg := a.Config

	if err := a.initStore(); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	if a.Fetcher == nil {
		a.Fetcher = network.NewClient(cfg.Server.TimeoutDur)
	}

	a.Engine = strategy.NewEngine(a.Store, a.Fetcher, strategy.Options{
		Workers: cfg.Refresh.Workers,
		Timeout: cfg.Refresh.TimeoutDur,
	}, a.Logger)

	manifest := make([]string, 0, len(cfg.Cache.Manifest))
	for _, m := range cfg.Cache.Manifest {
		manifest = append(manifest, cfg.OriginURL(m))
	}
	a.Lifecycle = lifecycle.NewManager(a.Store, a.Fetcher, lifecycle.Options{
		Generation:  lifecycle.Generation(cfg.Cache.Version),
		Manifest:    manifest,
		SkipWaiting: cfg.Lifecycle.SkipWaiting,
		GracePeriod: cfg.Lifecycle.GracePeriodDur,
	}, a.Logger)

	var offlinePage, placeholder string
	if cfg.Cache.OfflinePage != "" {
		offlinePage = cfg.OriginURL(cfg.Cache.OfflinePage)
	}
	if cfg.Cache.PlaceholderImage != "" {
		placeholder = cfg.OriginURL(cfg.Cache.PlaceholderImage)
	}
	resolver := fallback.NewResolver(a.Store, offlinePage, placeholder, a.Logger)

	q, err := retryqueue.Open(cfg.Retry.DBPath, a.Fetcher, cfg.Retry.Workers, a.Logger)
	if err != nil {
		return fmt.Errorf("open retry queue: %w", err)
	}
	a.Queue = q

	a.Channel = control.NewChannel(a.Lifecycle, a.Store, a.Fetcher, a.Queue, cfg.Server.Origin, a.Logger)
	a.Precacher = control.NewPrecacher(a.Channel, cfg.RoutingTable(), cfg.Precache.Sitemaps, a.Logger)

	var probe string
	if cfg.Retry.ProbeURL != "" {
		probe = cfg.OriginURL(cfg.Retry.ProbeURL)
	}
	a.Watcher = &retryqueue.Watcher{
		Queue:      a.Queue,
		Fetcher:    a.Fetcher,
		ProbeURL:   probe,
		ProbeEvery: cfg.Retry.ProbeEveryDur,
		DrainEvery: cfg.Retry.DrainEveryDur,
		Logger:     a.Logger,
	}

	a.Proxy, err = proxy.New(proxy.Options{
		Origin:            cfg.Server.Origin,
		QueueFailedWrites: cfg.Retry.QueueFailedWrites,
	}, proxy.Deps{
		Table:     cfg.RoutingTable(),
		Engine:    a.Engine,
		Fetcher:   a.Fetcher,
		Resolver:  resolver,
		Lifecycle: a.Lifecycle,
		Queue:     a.Queue,
		Logger:    a.Logger,
	})
	if err != nil {
		return fmt.Errorf("init proxy: %w", err)
	}

	a.Server = httpserver.NewServer(a.Proxy, a.Channel, a.Queue,
		httpserver.Options{Metrics: cfg.Metrics.Enabled}, a.Logger)
	return nil
}

func (a *App) initStore() error {
	cfg := a.Config
	layers := make([]store.Store, 0, len(cfg.Storage.Layers))
	for _, name := range cfg.Storage.Layers {
		switch name {
		case config.LayerMemory:
			a.ram = store.NewMemory(cfg.Storage.RAM.MaxBytes, a.Logger)
			layers = append(layers, a.ram)
		case config.LayerLevelDB:
			disk, err := store.OpenLevelDB(cfg.Storage.Disk.Path, cfg.Storage.Disk.MaxBytes, a.Logger)
			if err != nil {
				closeAll(layers)
				return fmt.Errorf("leveldb %s: %w", cfg.Storage.Disk.Path, err)
			}
			a.disk = disk
			layers = append(layers, disk)
		case config.LayerBigCache:
			bc, err := store.NewBigCache(a.ctx, cfg.Storage.BigCache.SizeMB, a.Logger)
			if err != nil {
				closeAll(layers)
				return fmt.Errorf("bigcache: %w", err)
			}
			a.big = bc
			layers = append(layers, bc)
		case config.LayerRedis:
			client, err := store.NewRedisClient(a.ctx, cfg.Storage.Redis.URL, a.Logger)
			if err != nil {
				a.Logger.Warn("redis unavailable, skipping layer", zap.Error(err))
				continue
			}
			layers = append(layers, store.NewRedis(client, cfg.Storage.Redis.Prefix, a.Logger))
		case config.LayerNone:
			layers = append(layers, store.Noop{})
		}
	}
	if len(layers) == 0 {
		layers = append(layers, store.Noop{})
	}
	a.Logger.Info("cache store ready", zap.Strings("layers", cfg.Storage.Layers))
	tiered := store.NewTiered(layers, a.Logger)
	tiered.Pin(lifecycle.Pinned)
	a.Store = tiered
	return nil
}

func closeAll(layers []store.Store) {
	for _, l := range layers {
		_ = l.Close()
	}
}

func (a *App) Handler() http.Handler {
	return a.Server.Handler()
}

// Start launches the lifecycle, pre-cache, reconnection and stats loops.
func (a *App) Start() {
	cfg := a.Config

	a.goLoop(func(ctx context.Context) {
		if err := a.Lifecycle.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("generation did not activate",
				zap.Int("version", cfg.Cache.Version), zap.Error(err))
			return
		}
		if gen, ok := a.Lifecycle.Current(); ok {
			a.Logger.Info("generation active", zap.Int("version", int(gen)))
		}
	})

	if len(cfg.Precache.Sitemaps) > 0 {
		a.goLoop(func(ctx context.Context) {
			select {
			case <-ctx.Done():
				return
			case <-a.Lifecycle.Activated():
			}
			a.Precacher.Run(ctx, cfg.Precache.InitialDelayDur)
		})
	}

	a.goLoop(a.Watcher.Run)

	if cfg.Logging.StatsEveryDur > 0 {
		a.goLoop(func(ctx context.Context) { a.statsLoop(ctx, cfg.Logging.StatsEveryDur) })
	}
}

func (a *App) goLoop(fn func(ctx context.Context)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn(a.ctx)
	}()
}

func (a *App) statsLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.logStats(ctx)
		}
	}
}

func (a *App) logStats(ctx context.Context) {
	fields := []zap.Field{}
	if parts, err := a.Store.Partitions(ctx); err == nil {
		keys := 0
		for _, p := range parts {
			if ks, err := a.Store.Keys(ctx, p); err == nil {
				keys += len(ks)
			}
		}
		fields = append(fields, zap.Strings("partitions", parts), zap.Int("entries", keys))
	}
	if a.ram != nil {
		fields = append(fields, zap.String("ram", config.FormatBytes(uint64(a.ram.TotalSize()))))
	}
	if a.disk != nil {
		fields = append(fields, zap.String("disk", config.FormatBytes(uint64(a.disk.TotalSize()))))
	}
	if a.big != nil {
		fields = append(fields, zap.Int("bigcache_entries", a.big.Len()))
	}
	ss := a.Proxy.Stats().Snapshot()
	fields = append(fields,
		zap.Uint64("responses", ss.Responses),
		zap.String("resp_min", config.FormatBytes(ss.MinBytes)),
		zap.String("resp_avg", config.FormatBytes(ss.AvgBytes)),
		zap.String("resp_max", config.FormatBytes(ss.MaxBytes)))
	if n, err := a.Queue.Len(ctx); err == nil {
		fields = append(fields, zap.Int("queued", n))
	}
	a.Logger.Info("stats", fields...)
}

// Close stops the loops and releases the store and queue.
func (a *App) Close() error {
	a.cancel()
	if a.Engine != nil {
		a.Engine.Close()
	}
	a.wg.Wait()
	return a.closeResources()
}

func (a *App) closeResources() error {
	var errs []error
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close retry queue: %w", err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
