package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"

	"taigabot/internal/config"
	"taigabot/internal/eventbus"
	"taigabot/internal/httpapi"
	"taigabot/internal/locale"
	"taigabot/internal/metrics"
	"taigabot/internal/notifier"
	"taigabot/internal/queue"
	"taigabot/internal/runtime/supervisor"
	"taigabot/internal/storage"
	kit "taigabot/internal/transport"
	telegram "taigabot/internal/transport/telegram/adapter"
	"taigabot/internal/webhook"
	logx "taigabot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	queue queue.Queue

	adapter *telegram.Adapter
	notif   *notifier.Service
	hooks   *webhook.Service
	metrics *metrics.Registry
	http    *httpapi.Server
	report  *reporter
}

// NewApp loads the config and wires every component. Nothing runs until
// Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:  cfg.Telegram.Token,
		APIURL: cfg.Telegram.APIURL,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New applies immediately; enabling Telegram before the target is
	// set would warn, so the final config is applied after SetTelegramTarget.
	baseLogCfg := mapLoggingConfig(cfg)
	baseLogCfg.Telegram.Enabled = false
	logSvc, base := logx.New(baseLogCfg, func(c context.Context, chatID int64, threadID int, text string) error {
		_, err := ad.SendText(c, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, nil)
		return err
	})
	setLogTarget(logSvc, cfg)
	logSvc.Apply(mapLoggingConfig(cfg))
	log := base.With(logx.String("comp", "app"))
	cfgm.SetLogger(base.With(logx.String("comp", "config")))

	if !log.Enabled(logx.LevelDebug) {
		gin.SetMode(gin.ReleaseMode)
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, base)
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	qc, err := mapQueueConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	q, err := queue.Open(openCtx, qc, base)
	cancel()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	cat, err := locale.Load(cfg.Locale.Default)
	if err != nil {
		_ = q.Close()
		_ = store.Close()
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = q.Close()
		_ = store.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, ad, base, bus, store)

	wcfg, loc, err := mapAggregationConfig(cfg)
	if err != nil {
		_ = q.Close()
		_ = store.Close()
		return nil, err
	}
	resolver := webhook.StoreResolver{Store: store}
	hooks := webhook.New(wcfg, q, notif, webhook.NewRenderer(cat, loc), resolver, base, bus)

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		_ = q.Close()
		_ = store.Close()
		return nil, err
	}
	reg := metrics.New()

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		queue:   q,
		adapter: ad,
		notif:   notif,
		hooks:   hooks,
		metrics: reg,
		report:  &reporter{admins: store, cat: cat, sender: notif, log: base.With(logx.String("comp", "report"))},
	}

	router := httpapi.NewRouter(hcfg, httpapi.Deps{
		Resolver: resolver,
		Events:   hooks,
		Bus:      bus,
		Metrics:  reg.Handler(),
		Location: loc,
		Health:   a.health,
		Log:      base,
	})
	a.http = httpapi.NewServer(hcfg, router, base)
	return a, nil
}

func setLogTarget(logs *logx.Service, cfg *config.Config) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		logs.SetTelegramTarget(0, 0)
		return
	}
	if chatID, err := strconv.ParseInt(raw, 10, 64); err == nil {
		logs.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() map[string]any {
	out := map[string]any{
		"notifier":       a.notif.Enabled(),
		"events_dropped": a.bus.Dropped(),
	}
	if a.sup != nil {
		out["goroutines"] = a.sup.Counters()
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := seed(a.sup.Context(), a.store, a.cfgm.Get()); err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("metrics.observe", func(c context.Context) { a.metrics.Run(c, a.bus) })
	a.sup.Go0("report.failures", a.report.loop(a.bus))

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if err := a.hooks.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.http.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started", logx.String("addr", a.http.Addr()))
	return nil
}

// applyConfig pushes a committed reload into the live components. Sections
// read only at start are reported, not applied.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}

	setLogTarget(a.logs, next)
	a.logs.Apply(mapLoggingConfig(next))

	if wcfg, _, err := mapAggregationConfig(next); err != nil {
		a.log.Warn("invalid aggregation config; keeping previous", logx.Err(err))
	} else {
		a.hooks.Apply(wcfg)
	}

	prevEnabled := a.notif.Enabled()
	ncfg, err := mapNotifierConfig(next)
	switch {
	case err != nil:
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	default:
		a.notif.Apply(ncfg)
		if prevEnabled && !ncfg.Enabled {
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !prevEnabled && ncfg.Enabled {
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Stop intake first, then flush open windows into the notifier while its
	// workers still run. The run context is canceled only after that.
	a.step(ctx, "http", 3*time.Second, a.http.Stop)
	a.step(ctx, "aggregation", 10*time.Second, a.hooks.Stop)
	a.step(ctx, "notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	a.sup.Cancel()

	a.step(ctx, "queue", time.Second, func(context.Context) error { return a.queue.Close() })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
