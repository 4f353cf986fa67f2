// Package app wires configuration, logging, storage, the transport
// adapter, the announcement service, and the delivery loop into one
// process.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"heraldbot/internal/announce"
	"heraldbot/internal/config"
	"heraldbot/internal/router"
	"heraldbot/internal/scheduler"
	"heraldbot/internal/storage"
	"heraldbot/internal/transport"
	"heraldbot/internal/transport/telegram"
	"heraldbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	adapter *telegram.Adapter

	svc   *announce.Service
	sched *scheduler.Service
	rt    *router.Router

	cron    *cron.Cron
	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		RatePerSec:  cfg.Telegram.RatePerSec,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	svc := announce.New(store, adapter, log.With(logx.String("comp", "announce")), mapAnnounceConfig(cfg))
	sched := scheduler.New(store, adapter, log.With(logx.String("comp", "scheduler")), mapSchedulerConfig(cfg))
	rt := router.New(svc, adapter, log.With(logx.String("comp", "router")), mapRouterConfig(cfg))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		adapter: adapter,
		svc:     svc,
		sched:   sched,
		rt:      rt,
		cron:    cron.New(),
		updates: make(chan transport.Update, 256),
	}, nil
}

func mapAnnounceConfig(cfg *config.Config) announce.Config {
	return announce.Config{
		Impersonate:    cfg.Announce.Impersonate,
		SearchInterval: cfg.SearchInterval(),
		ConfirmTimeout: cfg.ConfirmTimeout(),
		IdentityName:   cfg.Announce.IdentityName,
		MessageLimit:   cfg.Announce.MessageLimit,
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		SearchInterval: cfg.SearchInterval(),
		Impersonate:    cfg.Announce.Impersonate,
		IdentityName:   cfg.Announce.IdentityName,
		MessageLimit:   cfg.Announce.MessageLimit,
	}
}

func mapRouterConfig(cfg *config.Config) router.Config {
	return router.Config{
		ExecUserIDs:   cfg.Telegram.ExecUserIDs,
		BridgeUserIDs: cfg.Announce.BridgeUserIDs,
	}
}

// Done is closed on fatal error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, a.log)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go0("router.dispatch", func(c context.Context) {
		a.rt.Dispatch(c, a.updates)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	if _, err := a.cron.AddFunc(a.cfgm.Get().AuditPruneSpec(), a.pruneAudit); err != nil {
		return fmt.Errorf("audit prune schedule: %w", err)
	}
	a.cron.Start()

	// Best-effort menu registration; the bot works without it.
	a.sup.Go0("menu.update", func(c context.Context) {
		if err := a.adapter.UpdateMenuCommands(c, router.Commands()); err != nil {
			a.log.Warn("menu update failed", logx.Err(err))
		}
	})

	a.log.Info("started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto apply
				}
			}
		apply:
			if cfg == nil {
				continue
			}
			a.applyConfig(last, cfg)
			last = cfg
		}
	}
}

// applyConfig hot-applies the reloadable sections. Storage, the bot
// token and the prune schedule need a restart.
func (a *App) applyConfig(old, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.svc.Apply(mapAnnounceConfig(cfg))
	a.sched.Apply(mapSchedulerConfig(cfg))
	a.rt.Apply(mapRouterConfig(cfg))

	if old != nil {
		if old.Storage != cfg.Storage {
			a.log.Warn("storage config changed; restart required")
		}
		if old.Telegram.Token != cfg.Telegram.Token {
			a.log.Warn("telegram token changed; restart required")
		}
	}
	a.log.Info("config applied",
		logx.Duration("search_interval", cfg.SearchInterval()),
		logx.Bool("impersonate", cfg.Announce.Impersonate))
}

func (a *App) pruneAudit() {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cutoff := time.Now().Add(-cfg.AuditRetention())
	n, err := a.store.PruneAudit(ctx, cutoff)
	if err != nil {
		a.log.Warn("audit prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		a.log.Info("audit pruned", logx.Int64("rows", n), logx.Time("cutoff", cutoff))
	}
}

func (a *App) Stop(ctx context.Context) error {
	stopCtx := a.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}

	if err := a.sched.Stop(ctx); err != nil {
		a.log.Warn("scheduler stop", logx.Err(err))
	}
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("adapter stop", logx.Err(err))
	}

	if a.sup != nil {
		a.sup.Cancel()
		if err := a.sup.Wait(ctx); err != nil {
			a.log.Warn("supervisor wait", logx.Err(err))
		}
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.logs.Close()
}
