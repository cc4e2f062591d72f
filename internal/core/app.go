package core

import (
	"context"
	"fmt"
	"time"

	"newsbot/internal/adapters/telegram"
	"newsbot/internal/bot"
	"newsbot/internal/dispatch"
	"newsbot/internal/feed"
	"newsbot/internal/kit"
	"newsbot/internal/poller"
	"newsbot/internal/services/digestsched"
	"newsbot/internal/storage"
	"newsbot/pkg/logx"
)

const (
	defaultStoragePath  = "newsbot.db"
	defaultPollTimeout  = 10 * time.Second
	defaultBusyTimeout  = 5 * time.Second
	defaultPollInterval = 300 * time.Second
	defaultFetchTimeout = 30 * time.Second
)

// App wires the services together and owns their lifecycle.
type App struct {
	cfgm    *ConfigManager
	logs    *logx.Service
	log     logx.Logger
	adapter *telegram.Adapter
	store   *storage.Store
	disp    *dispatch.Service
	poll    *poller.Service
	digest  *digestsched.Service
	router  *bot.Router

	sup     *Supervisor
	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Telegram.Token == "" {
		return nil, fmt.Errorf("config: telegram.token is required")
	}

	// The adapter exists before the logging service because the service's
	// Telegram sink sends through it. It keeps a console bootstrap logger.
	boot := logx.NewConsole(cfg.Logging.Level)
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: durationOrDefault(cfg.Telegram.PollTimeout, defaultPollTimeout),
	}, boot.With(logx.String("svc", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	logs, log := logx.New(logxConfig(cfg.Logging), adapter)
	logs.SetTelegramTarget(cfg.Telegram.GroupLog, cfg.Logging.Telegram.ThreadID)
	cfgm.SetLogger(log.With(logx.String("svc", "config")))

	store, err := storage.Open(storage.Config{
		Path:        stringOrDefault(cfg.Storage.Path, defaultStoragePath),
		BusyTimeout: durationOrDefault(cfg.Storage.BusyTimeout, defaultBusyTimeout),
	}, log.With(logx.String("svc", "storage")))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	disp := dispatch.New(dispatchConfig(cfg), adapter, store,
		log.With(logx.String("svc", "dispatch")))

	fetcher := feed.NewHTTPFetcher(durationOrDefault(cfg.Poller.FetchTimeout, defaultFetchTimeout))
	poll := poller.New(pollerConfig(cfg.Poller), fetcher, store, store, disp,
		log.With(logx.String("svc", "poller")))

	digest := digestsched.New(digestConfig(cfg.Digest), store, disp,
		log.With(logx.String("svc", "digest")))

	router := bot.NewRouter(adapter, store, store, disp, poll,
		log.With(logx.String("svc", "bot")))
	router.SetOwners(cfg.Telegram.OwnerUserIDs)
	router.SetNotifyChat(cfg.Telegram.NotifyChat)

	app := &App{
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		adapter: adapter,
		store:   store,
		disp:    disp,
		poll:    poll,
		digest:  digest,
		router:  router,
	}
	cfgm.SetValidator(app.validateConfig)
	return app, nil
}

// Logger exposes the root logger for the process entrypoint.
func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx,
		WithLogger(a.log.With(logx.String("svc", "supervisor"))),
		WithCancelOnError(true))

	a.updates = make(chan kit.Update, 256)
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return fmt.Errorf("start telegram: %w", err)
	}
	if err := a.adapter.SetCommands(a.sup.Context(), bot.Commands()); err != nil {
		a.log.Warn("publishing command menu failed", logx.Err(err))
	}

	a.poll.Start(a.sup.Context())
	if err := a.poll.StartStored(a.sup.Context()); err != nil {
		a.log.Warn("starting stored scopes failed", logx.Err(err))
	}
	a.digest.Start(a.sup.Context())

	a.sup.Go("bot-router", func(ctx context.Context) error {
		return a.router.DispatchLoop(ctx, a.updates)
	})

	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config-apply", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})
	a.sup.Go("config-watch", a.cfgm.Watch)

	a.log.Info("newsbot started")
	return nil
}

// applyConfig propagates a hot-reloaded config to the running services.
// Storage and the bot token are fixed at startup; everything else follows.
func (a *App) applyConfig(cfg *Config) {
	a.logs.Apply(logxConfig(cfg.Logging))
	a.logs.SetTelegramTarget(cfg.Telegram.GroupLog, cfg.Logging.Telegram.ThreadID)

	a.disp.Apply(dispatchConfig(cfg))
	a.poll.Apply(pollerConfig(cfg.Poller))
	a.digest.Apply(digestConfig(cfg.Digest))

	a.router.SetOwners(cfg.Telegram.OwnerUserIDs)
	a.router.SetNotifyChat(cfg.Telegram.NotifyChat)

	a.log.Info("configuration applied")
}

func (a *App) validateConfig(ctx context.Context, cfg *Config) error {
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	for name, raw := range map[string]string{
		"telegram.poll_timeout": cfg.Telegram.PollTimeout,
		"storage.busy_timeout":  cfg.Storage.BusyTimeout,
		"poller.interval":       cfg.Poller.Interval,
		"poller.fetch_timeout":  cfg.Poller.FetchTimeout,
	} {
		if _, err := parseDurationField(name, raw); err != nil {
			return err
		}
	}
	if err := a.digest.Validate(digestConfig(cfg.Digest)); err != nil {
		return fmt.Errorf("digest: %w", err)
	}
	return nil
}

// Stop shuts the services down in dependency order: producers first, then
// the transports and sinks they write through.
func (a *App) Stop(ctx context.Context) error {
	a.digest.Stop(ctx)
	a.poll.StopAll(ctx)
	a.sup.Cancel()

	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("telegram stop", logx.Err(err))
	}

	err := a.sup.Wait(ctx)

	if cerr := a.store.Close(); cerr != nil {
		a.log.Warn("storage close", logx.Err(cerr))
	}
	a.logs.Close()
	return err
}

func logxConfig(c LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    c.Telegram.Enabled,
			ThreadID:   c.Telegram.ThreadID,
			MinLevel:   c.Telegram.MinLevel,
			RatePerSec: c.Telegram.RatePerSec,
		},
	}
}

func dispatchConfig(cfg *Config) dispatch.Config {
	return dispatch.Config{
		RatePerSec:   cfg.Dispatch.RatePerSec,
		GlobalChatID: cfg.Telegram.NotifyChat,
	}
}

func pollerConfig(c PollerConfig) poller.Config {
	return poller.Config{
		Interval:     durationOrDefault(c.Interval, defaultPollInterval),
		FetchTimeout: durationOrDefault(c.FetchTimeout, defaultFetchTimeout),
	}
}

func digestConfig(c DigestConfig) digestsched.Config {
	w := storage.Window(c.Window)
	switch w {
	case storage.WindowToday, storage.WindowWeek, storage.WindowMonth, storage.WindowAll:
	default:
		w = storage.WindowToday
	}
	return digestsched.Config{
		Enabled:  c.Enabled,
		Spec:     c.Schedule,
		Window:   w,
		Timezone: c.Timezone,
	}
}

func stringOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
