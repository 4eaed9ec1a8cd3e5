package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"adbot/internal/account"
	"adbot/internal/config"
	"adbot/internal/control"
	"adbot/internal/engine"
	"adbot/internal/eventbus"
	"adbot/internal/metrics"
	"adbot/internal/storage"
	"adbot/internal/target"
	"adbot/internal/transport/telegram"
	logx "adbot/pkg/logx"
)

// App wires configuration, persistence, the dispatch engine and the control
// bot into one process.
type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus      eventbus.Bus
	store    storage.Store
	accounts *account.Registry
	targets  *target.Registry
	client   *telegram.Client
	metrics  *metrics.Metrics
	eng      *engine.Service
	ctl      *control.Bot

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads configuration, restores persisted state and builds the process
// graph. Nothing starts running until Start.
func New(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("component", "config")))
	// A hot-reloaded file that would not survive a restart is rejected;
	// the watcher keeps running on the previous config.
	mgr.SetValidator(validateConfig)

	a := &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		bus:    eventbus.New(),
	}

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("component", "storage")))
	switch {
	case errors.Is(err, storage.ErrDisabled):
		log.Warn("persistence disabled, state will not survive a restart")
	case err != nil:
		return nil, fmt.Errorf("open storage: %w", err)
	default:
		a.store = store
	}

	a.accounts = account.NewRegistry(log.With(logx.String("component", "accounts")))
	a.targets = target.NewRegistry(log.With(logx.String("component", "targets")))
	a.client = telegram.NewClient(log.With(logx.String("component", "sender")))

	if err := a.restore(context.Background()); err != nil {
		return nil, err
	}

	// Accounts from config are ensured on every boot; persisted state for
	// the same ids was already restored and wins.
	for _, ac := range cfg.Sender.Accounts {
		if strings.TrimSpace(ac.ID) == "" {
			continue
		}
		a.accounts.Ensure(ac.ID)
		if err := a.client.Register(ac.ID, ac.Token); err != nil {
			log.Error("sender account registration failed", logx.String("account", ac.ID), logx.Err(err))
		}
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(log.With(logx.String("component", "metrics")))
	}

	engCfg, err := engineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.eng = engine.New(engCfg, a.accounts, a.targets, a.client, a.store, a.bus,
		a.metrics, log.With(logx.String("component", "engine")))

	if a.store != nil {
		cs, err := a.store.LoadCampaigns(context.Background())
		if err != nil {
			return nil, fmt.Errorf("load campaigns: %w", err)
		}
		a.eng.Restore(cs)
	}

	if strings.TrimSpace(cfg.Control.Token) != "" {
		pollTimeout, err := config.ParseDurationOrDefault("control.poll_timeout", cfg.Control.PollTimeout, 0)
		if err != nil {
			return nil, err
		}
		ctl, err := control.New(control.Config{
			Token:       cfg.Control.Token,
			AdminIDs:    cfg.Control.AdminIDs,
			PollTimeout: pollTimeout,
		}, a.eng, a.client, a.store, a.bus, log.With(logx.String("component", "control")))
		if err != nil {
			return nil, fmt.Errorf("control bot: %w", err)
		}
		a.ctl = ctl
	} else {
		log.Warn("control token missing, running without the operator bot")
	}

	return a, nil
}

// restore loads persisted accounts, targets and blacklist entries.
// Campaigns are restored after the engine exists.
func (a *App) restore(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	accs, err := a.store.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	for _, acc := range accs {
		a.accounts.Restore(acc)
	}
	ts, err := a.store.LoadTargets(ctx)
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}
	for _, t := range ts {
		a.targets.Upsert(t)
	}
	bl, err := a.store.LoadBlacklist(ctx)
	if err != nil {
		return fmt.Errorf("load blacklist: %w", err)
	}
	for _, e := range bl {
		a.targets.RestoreBlacklist(e)
	}
	a.log.Info("state restored",
		logx.Int("accounts", len(accs)),
		logx.Int("targets", len(ts)),
		logx.Int("blacklisted", len(bl)))
	return nil
}

// validateConfig is the Watch hook: it runs the same duration parsing a boot
// performs, so a reload never publishes a file a restart would choke on.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if _, err := engineConfig(cfg); err != nil {
		return err
	}
	if _, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0); err != nil {
		return err
	}
	_, err := config.ParseDurationOrDefault("control.poll_timeout", cfg.Control.PollTimeout, 0)
	return err
}

// engineConfig translates the file representation into engine.Config.
func engineConfig(cfg *config.Config) (engine.Config, error) {
	tick, err := config.ParseDurationOrDefault("engine.tick", cfg.Engine.Tick, 0)
	if err != nil {
		return engine.Config{}, err
	}
	floor, err := config.ParseDurationOrDefault("engine.interval_floor", cfg.Engine.IntervalFloor, 0)
	if err != nil {
		return engine.Config{}, err
	}
	retryDelay, err := config.ParseDurationOrDefault("engine.retry_delay", cfg.Engine.RetryDelay, 0)
	if err != nil {
		return engine.Config{}, err
	}
	tolerance, err := config.ParseDurationOrDefault("engine.flood_tolerance", cfg.Engine.FloodTolerance, 0)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        cfg.Engine.Workers,
		Tick:           tick,
		IntervalFloor:  floor,
		RetryMax:       cfg.Engine.RetryMax,
		RetryDelay:     retryDelay,
		FloodTolerance: tolerance,
		DegradedAfter:  cfg.Engine.DegradedAfter,
		RatePerSec:     cfg.Sender.RatePerSec,
		Seed:           cfg.Engine.Seed,
	}, nil
}

// Start brings the process up: config watcher, metrics listener, engine,
// control bot.
func (a *App) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgMgr.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Error("config watcher exited", logx.Err(err))
		}
	}()

	// Logging is the one live-reloadable concern; engine and transport
	// changes take effect on restart.
	cfgCh := a.cfgMgr.Subscribe(4)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgMgr.Unsubscribe(cfgCh)
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-cfgCh:
				if !ok {
					return
				}
				a.logSvc.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				a.log.Info("logging configuration reloaded", logx.String("level", cfg.Logging.Level))
			}
		}
	}()

	if a.metrics != nil {
		a.metrics.Serve(runCtx, a.cfgMgr.Get().Metrics.Addr)
	}

	a.eng.Start(runCtx)
	if a.ctl != nil {
		a.ctl.Start(runCtx)
	}
	a.log.Info("adbot is up")
}

// Stop shuts the process down in reverse order. The engine drains in-flight
// attempts within the given context's deadline.
func (a *App) Stop(ctx context.Context) {
	if a.ctl != nil {
		a.ctl.Stop()
	}
	a.eng.Stop(ctx)
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("storage close failed", logx.Err(err))
		}
	}
	a.log.Info("adbot stopped")
	_ = a.logSvc.Close()
}
