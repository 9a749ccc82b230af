package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"automemer/internal/commands"
	"automemer/internal/config"
	"automemer/internal/observability/pprof"
	"automemer/internal/outbound"
	"automemer/internal/pipeline"
	rtsup "automemer/internal/runtime/supervisor"
	"automemer/internal/schedule"
	"automemer/internal/settings"
	"automemer/internal/source/reddit"
	"automemer/internal/storage"
	kit "automemer/internal/transport"
	"automemer/internal/transport/telegram"
	logx "automemer/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	adapter *telegram.Adapter
	queue   *outbound.Queue
	disp    *outbound.Dispatcher
	pipe    *pipeline.Pipeline
	cmds    *commands.Manager
	debug   *pprof.Service

	scrapeLoop *schedule.Loop
	postLoop   *schedule.Loop

	updates   chan kit.Update
	startedAt time.Time

	stopMu     sync.Mutex
	killReason string
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		APIURL:      cfg.Telegram.APIURL,
	}, logx.NewConsole("info").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	// The chat sink needs its target before it is enabled.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	logSvc.SetChatTarget(cfg.Telegram.LogChatID, cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		alertStorageFailure(ad, cfg, err)
		log.Error("storage unavailable", logx.String("driver", sc.Driver), logx.String("path", sc.Path), logx.Err(err))
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	rc, err := mapRedditConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	src := reddit.New(rc, root.With(logx.String("comp", "reddit")))

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	queue := outbound.NewQueue()
	disp := outbound.NewDispatcher(dc, queue, ad, root.With(logx.String("comp", "outbound")))

	pipe := pipeline.New(pipeline.Config{
		DefaultSource: cfg.Defaults.DefaultSource(),
		Defaults:      cfg.Defaults.Settings(),
		Target:        kit.ChatTarget{ChatID: cfg.Telegram.ChannelID, ThreadID: cfg.Telegram.ThreadID},
	}, store, src, queue, root.With(logx.String("comp", "pipeline")))

	cycleTimeout, err := config.ParseDurationOrDefault("defaults.cycle_timeout", cfg.Defaults.CycleTimeout, 5*time.Minute)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		adapter: ad,
		queue:   queue,
		disp:    disp,
		pipe:    pipe,
		updates: make(chan kit.Update, 256),
	}

	a.scrapeLoop = schedule.NewLoop("scrape", a.intervalOf(func(s settings.Settings) int { return s.ScrapeIntervalMinutes }),
		settings.DefaultScrapeIntervalMinutes, a.scrapeCycle, root.With(logx.String("comp", "schedule")))
	a.scrapeLoop.Timeout = cycleTimeout
	a.postLoop = schedule.NewLoop("post", a.intervalOf(func(s settings.Settings) int { return s.PostIntervalMinutes }),
		settings.DefaultPostIntervalMinutes, a.postCycle, root.With(logx.String("comp", "schedule")))
	a.postLoop.Timeout = cycleTimeout

	a.debug = pprof.New(func() any { return a.status() }, root.With(logx.String("comp", "debug")))

	a.cmds = commands.NewManager(commands.Config{Owners: cfg.Telegram.OwnerUserIDs}, queue, ad, root.With(logx.String("comp", "commands")))
	a.cmds.SetAuditor(store)
	a.cmds.Register(commands.Builtins(commands.Services{
		Pipeline: pipe,
		Audit:    store,
		Loops:    map[string]commands.Rescheduler{"scrape": a.scrapeLoop, "post": a.postLoop},
		Status:   a.status,
		Kill:     a.kill,
	}))
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		log.Warn("telegram.owner_user_ids is empty; owner-only commands are disabled")
	}
	return a, nil
}

// alertStorageFailure tells the channel that the bot cannot start.
func alertStorageFailure(ad *telegram.Adapter, cfg *config.Config, cause error) {
	if cfg.Telegram.ChannelID == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	text := "automemer cannot start: storage is unavailable\n" + cause.Error()
	_, _ = ad.SendText(ctx, kit.ChatTarget{ChatID: cfg.Telegram.ChannelID, ThreadID: cfg.Telegram.ThreadID}, text, &kit.SendOptions{DisablePreview: true})
}

func (a *App) intervalOf(pick func(settings.Settings) int) func() int {
	return func() int {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		st, _ := a.pipe.Settings(ctx)
		return pick(st)
	}
}

func (a *App) scrapeCycle(ctx context.Context) error {
	res, err := a.pipe.Scrape(ctx)
	if err != nil {
		return err
	}
	if failed := res.Failed(); len(failed) > 0 {
		names := make([]string, 0, len(failed))
		for _, f := range failed {
			names = append(names, f.Source)
		}
		a.log.Warn("scrape finished with failed sources", logx.Strings("sources", names))
	}
	return nil
}

func (a *App) postCycle(ctx context.Context) error {
	_, err := a.pipe.Drain(ctx, nil)
	return err
}

// Done is closed once the app is stopping (fatal error, kill command or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// KillReason is set when the kill command stopped the app.
func (a *App) KillReason() string {
	a.stopMu.Lock()
	defer a.stopMu.Unlock()
	return a.killReason
}

func (a *App) kill(reason string) {
	a.stopMu.Lock()
	a.killReason = reason
	a.stopMu.Unlock()
	a.log.Warn("kill requested", logx.String("reason", reason))
	if a.sup != nil {
		a.sup.Cancel()
	}
}

func (a *App) status() commands.Status {
	sent, failed := a.disp.Stats()
	return commands.Status{
		StartedAt: a.startedAt,
		QueueLen:  a.queue.Len(),
		Sent:      sent,
		Failed:    failed,
		Recent:    a.disp.History(5),
		Supervisors: map[string]rtsup.Snapshot{
			"app":      a.sup.Snapshot(),
			"telegram": a.adapter.Supervisor().Snapshot(),
			"outbound": a.disp.Supervisor().Snapshot(),
			"commands": a.cmds.Supervisor().Snapshot(),
			"debug":    a.debug.Supervisor().Snapshot(),
		},
	}
}

func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapRedditConfig(cfg); err != nil {
			return err
		}
		_, err := mapDispatchConfig(cfg)
		return err
	})

	// Sending has to outlive the run context so queued replies and posts
	// still go out during Stop.
	io := context.WithoutCancel(ctx)
	if err := a.adapter.Start(io, a.updates); err != nil {
		return err
	}
	a.disp.Start(io)

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmds.Run(c, a.updates)
	})
	a.sup.Go("loop.scrape", a.scrapeLoop.Run)
	a.sup.Go("loop.post", a.postLoop.Run)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.debug.Reconfigure(a.sup.Context(), mapDebugConfig(a.cfgm.Get()))

	a.log.Info("app started",
		logx.Int64("channel_id", a.pipe.Target().ChatID),
		logx.Duration("cycle_timeout", a.scrapeLoop.Timeout),
	)
	return nil
}

// applyConfig applies what can change at runtime. Everything else is
// logged as needing a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.SetChatTarget(next.Telegram.LogChatID, next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLoggingConfig(next))
	a.cmds.SetOwners(next.Telegram.OwnerUserIDs)
	a.pipe.SetTarget(kit.ChatTarget{ChatID: next.Telegram.ChannelID, ThreadID: next.Telegram.ThreadID})
	if dc, err := mapDispatchConfig(next); err == nil {
		a.disp.Apply(dc)
	}
	a.debug.Reconfigure(a.sup.Context(), mapDebugConfig(next))

	var restart []string
	if prev != nil {
		if prev.Telegram.Token != next.Telegram.Token || prev.Telegram.APIURL != next.Telegram.APIURL || prev.Telegram.PollTimeout != next.Telegram.PollTimeout {
			restart = append(restart, "telegram connection")
		}
		for _, s := range sections {
			switch s {
			case "reddit", "storage", "defaults":
				restart = append(restart, s)
			}
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", restart))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step runs fn bounded by max (and by ctx) so one component cannot
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// In-flight cycles run to completion before anything they use goes away.
	step("supervisor", 30*time.Second, a.sup.Wait)
	step("debug", 3*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("adapter", 3*time.Second, a.adapter.Stop)
	step("outbound", 10*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
