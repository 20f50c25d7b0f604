// Package agent assembles the offline agent: persistence, cache registry,
// strategy executor, lifecycle controller, deferred queue, notification
// relay, gateway and schedules, wired to one event bus.
package agent

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/basket/go-offline/internal/audit"
	"github.com/basket/go-offline/internal/bus"
	"github.com/basket/go-offline/internal/cache"
	"github.com/basket/go-offline/internal/channels"
	"github.com/basket/go-offline/internal/config"
	"github.com/basket/go-offline/internal/cron"
	"github.com/basket/go-offline/internal/deferred"
	"github.com/basket/go-offline/internal/gateway"
	"github.com/basket/go-offline/internal/lifecycle"
	"github.com/basket/go-offline/internal/notify"
	otelpkg "github.com/basket/go-offline/internal/otel"
	"github.com/basket/go-offline/internal/persistence"
	"github.com/basket/go-offline/internal/protocol"
	"github.com/basket/go-offline/internal/strategy"
	perrors "github.com/jmgilman/go/errors"
	"go.opentelemetry.io/otel/trace"
)

// Job names registered with the scheduler.
const (
	JobUpdateCheck = "update-check"
	JobSync        = "sync"
	JobProbe       = "probe"
	JobRetention   = "retention"
)

type Options struct {
	Config     config.Config
	Bus        *bus.Bus
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Metrics    *otelpkg.Metrics
	HTTPClient *http.Client
	// Surfaces are shown notifications besides the log surface.
	Surfaces []notify.Surface
}

// Runtime owns every long-lived component of one agent process.
type Runtime struct {
	Store     *persistence.Store
	Bus       *bus.Bus
	Caches    *cache.Registry
	Fetcher   *strategy.HTTPFetcher
	Executor  *strategy.Executor
	Lifecycle *lifecycle.Controller
	Queue     *deferred.Queue
	Relay     *notify.Relay
	Telegram  *channels.TelegramChannel
	Gateway   *gateway.Server
	Scheduler *cron.Scheduler

	logger *slog.Logger

	mu     sync.RWMutex
	cfg    config.Config
	online *bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens the store and builds every component. Nothing runs until Start.
func New(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = otelpkg.NoopMetrics()
	}
	logger := opts.Logger

	store, err := persistence.Open(config.DBPath(cfg.HomeDir), opts.Bus)
	if err != nil {
		return nil, perrors.Wrap(err, perrors.CodeDatabase, "open agent store")
	}
	fetcher, err := strategy.NewHTTPFetcher(cfg.Origin, opts.HTTPClient)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	r := &Runtime{
		Store:   store,
		Bus:     opts.Bus,
		Caches:  cache.NewRegistry(store),
		Fetcher: fetcher,
		logger:  logger,
		cfg:     cfg,
	}

	r.Lifecycle = lifecycle.New(lifecycle.Options{
		Stores:       r.Caches,
		Fetcher:      fetcher,
		KV:           store,
		Bus:          opts.Bus,
		StorePrefix:  cfg.StorePrefix,
		FetchTimeout: cfg.NetworkTimeout(),
		Logger:       logger.With("component", "lifecycle"),
		Tracer:       opts.Tracer,
		Metrics:      opts.Metrics,
	})
	r.Executor = strategy.NewExecutor(strategy.Options{
		Cache:   r.Caches,
		Fetcher: fetcher,
		Stores:  r.Lifecycle,
		Rules: strategy.Rules{
			StaticExtensions: cfg.Routes.StaticExtensions,
			StaticPrefixes:   cfg.Routes.StaticPrefixes,
			APIPrefixes:      cfg.Routes.APIPrefixes,
		},
		Timeout: cfg.NetworkTimeout(),
		Logger:  logger.With("component", "strategy"),
		Tracer:  opts.Tracer,
		Metrics: opts.Metrics,
	})
	r.Queue = deferred.New(deferred.Options{
		Store:    store,
		Bus:      opts.Bus,
		Fallback: deferred.HTTPReplay(fetcher, cfg.NetworkTimeout()),
		Logger:   logger.With("component", "deferred"),
		Tracer:   opts.Tracer,
		Metrics:  opts.Metrics,
	})

	surfaces := append([]notify.Surface{notify.LogSurface{Logger: logger.With("component", "notify")}}, opts.Surfaces...)
	r.Relay, err = notify.NewRelay(notify.Options{
		Store: store,
		Bus:   opts.Bus,
		Defaults: notify.Defaults{
			Title:     cfg.Notifications.DefaultTitle,
			Icon:      cfg.Notifications.DefaultIcon,
			ViewRoute: cfg.Notifications.ViewRoute,
		},
		Surfaces: surfaces,
		Logger:   logger.With("component", "notify"),
		Metrics:  opts.Metrics,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	gwCfg := gateway.Config{
		Executor:         r.Executor,
		Lifecycle:        r.Lifecycle,
		Queue:            r.Queue,
		Relay:            r.Relay,
		Caches:           r.Caches,
		Store:            store,
		Bus:              opts.Bus,
		UpdateCheck:      r.CheckForUpdate,
		AuthToken:        cfg.AuthToken,
		AllowOrigins:     cfg.AllowOrigins,
		RateLimit:        cfg.RateLimit,
		DeferredPrefixes: cfg.Routes.DeferredPrefixes,
		AgentVersion:     otelpkg.Version,
		DrainTimeout:     cfg.DrainTimeout(),
		Logger:           logger.With("component", "gateway"),
		Tracer:           opts.Tracer,
	}
	if tg := cfg.Channels.Telegram; tg.Enabled {
		r.Telegram = channels.NewTelegramChannel(channels.TelegramOptions{
			Token:      tg.Token,
			ChatID:     tg.ChatID,
			AllowedIDs: tg.AllowedIDs,
			Actions:    r.Relay,
			Logger:     logger.With("component", "telegram"),
		})
		r.Relay.AddSurface(r.Telegram)
		gwCfg.Sharer = r.Telegram
	}
	r.Gateway = gateway.New(gwCfg)

	r.Scheduler, err = cron.NewScheduler(cron.Config{
		Jobs: []cron.Job{
			{Name: JobUpdateCheck, Spec: cfg.Schedules.UpdateCheck, Run: func(ctx context.Context) error {
				_, err := r.CheckForUpdate(ctx)
				return err
			}},
			{Name: JobSync, Spec: cfg.Schedules.Sync, Run: func(ctx context.Context) error {
				_, err := r.SyncAll(ctx)
				return err
			}},
			{Name: JobProbe, Spec: cfg.Schedules.Probe, Run: r.Probe},
			{Name: JobRetention, Spec: "@daily", Run: r.runRetention},
		},
		KV:     store,
		Logger: logger.With("component", "cron"),
	})
	if err != nil {
		_ = store.Close()
		return nil, perrors.Wrap(err, perrors.CodeInvalidConfig, "schedules")
	}
	return r, nil
}

// Config returns the configuration currently in effect.
func (r *Runtime) Config() config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Handler is the agent's HTTP surface.
func (r *Runtime) Handler() http.Handler {
	return r.Gateway.Handler()
}

// Start resumes the persisted version, installs the configured release and
// starts the background loops. An origin that is down at startup is not
// fatal: the agent serves what it has and retries on the next check.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	if err := audit.Init(r.Config().HomeDir); err != nil {
		r.logger.Warn("audit trail disabled", "error", err)
	}
	restored, err := r.Lifecycle.Restore(ctx)
	if err != nil {
		r.logger.Warn("restore lifecycle state", "error", err)
	}
	r.logger.Info("agent starting", "restored", restored, "active", r.Lifecycle.ActiveVersion(), "version", r.Config().Version)

	r.spawn(func() { r.Relay.Run(ctx) })
	r.spawn(func() { r.Gateway.Run(ctx) })
	if r.Telegram != nil {
		r.spawn(func() {
			if err := r.Telegram.Start(ctx); err != nil {
				r.logger.Error("telegram channel stopped", "error", err)
			}
		})
	}

	if _, err := r.CheckForUpdate(ctx); err != nil {
		r.logger.Warn("initial install failed", "version", r.Config().Version, "error", err)
	}
	r.Scheduler.Start(ctx)
	return nil
}

func (r *Runtime) spawn(f func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		f()
	}()
}

// CheckForUpdate re-reads the deployed release and registers it. The same
// version as the active or waiting instance is a no-op.
func (r *Runtime) CheckForUpdate(ctx context.Context) (protocol.UpdateCheckResult, error) {
	cfg := r.Config()
	if cfg.HomeDir != "" {
		fresh, err := config.LoadFrom(cfg.HomeDir)
		if err != nil {
			return protocol.UpdateCheckResult{}, perrors.Wrap(err, perrors.CodeInvalidConfig, "reload config")
		}
		if fresh.Version != cfg.Version {
			r.logger.Info("deployed version changed", "from", cfg.Version, "to", fresh.Version)
		}
		cfg.Version, cfg.ReleaseNotes, cfg.Manifest = fresh.Version, fresh.ReleaseNotes, fresh.Manifest
		r.mu.Lock()
		r.cfg = cfg
		r.mu.Unlock()
	}

	inst, err := r.Lifecycle.Register(ctx, lifecycle.Release{
		Version:  cfg.Version,
		Manifest: cfg.Manifest,
		Notes:    cfg.ReleaseNotes,
	})
	if err != nil {
		return protocol.UpdateCheckResult{Version: cfg.Version}, err
	}
	return protocol.UpdateCheckResult{
		Version:   inst.Version,
		Installed: inst.State == lifecycle.StateActive,
		Waiting:   inst.State == lifecycle.StateWaiting,
	}, nil
}

// SyncAll drains every known sync tag, bounded by the drain timeout.
func (r *Runtime) SyncAll(ctx context.Context) ([]deferred.DrainResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Config().DrainTimeout())
	defer cancel()
	return r.Queue.DrainAll(ctx)
}

// Probe checks the origin and publishes the result. A transition from
// offline to online drains every queue.
func (r *Runtime) Probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, r.Config().NetworkTimeout())
	latency, err := r.Fetcher.Probe(pctx, "/")
	cancel()
	online := err == nil

	r.mu.Lock()
	was := r.online
	r.online = &online
	r.mu.Unlock()

	r.Bus.Publish(bus.TopicConnectivity, bus.ConnectivityEvent{Online: online, LatencyMS: latency.Milliseconds()})
	switch {
	case was != nil && *was && !online:
		r.logger.Warn("origin unreachable", "error", err)
	case was != nil && !*was && online:
		r.logger.Info("connectivity restored", "latency", latency)
		if _, err := r.SyncAll(ctx); err != nil {
			r.logger.Warn("sync after reconnect", "error", err)
		}
	}
	return nil
}

// Online reports the last probe result. known is false before the first
// probe.
func (r *Runtime) Online() (online, known bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.online == nil {
		return false, false
	}
	return *r.online, true
}

func (r *Runtime) runRetention(ctx context.Context) error {
	res, err := r.Store.RunRetention(ctx, r.Config().RetentionNotificationsDays)
	if err != nil {
		return err
	}
	if res.PurgedNotifications > 0 {
		r.logger.Info("retention purged notifications", "count", res.PurgedNotifications)
	}
	return nil
}

// Close stops every loop and closes the store.
func (r *Runtime) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.Scheduler.Stop()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		r.logger.Warn("background loops did not stop in time")
	}
	if err := audit.Close(); err != nil {
		r.logger.Warn("close audit trail", "error", err)
	}
	return r.Store.Close()
}
