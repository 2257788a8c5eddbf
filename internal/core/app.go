package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"groupscout/internal/batch"
	"groupscout/internal/classifier"
	"groupscout/internal/jobs"
	"groupscout/internal/logging"
	"groupscout/internal/scheduler"
	"groupscout/internal/store"
	"groupscout/internal/transport"
	"groupscout/internal/transport/telegram"
)

// App owns construction, startup order and shutdown order of every service.
type App struct {
	cfgPath string
	cfgm    *ConfigManager
	sup     *Supervisor

	log  zerolog.Logger
	logs *logging.Service

	client transport.Client
	sched  *scheduler.Scheduler
	proc   *batch.Processor
	cls    *classifier.Client

	msgPrompt  *classifier.PromptStore
	discPrompt *classifier.PromptStore

	discovery *jobs.Discovery
	join      *jobs.Join

	cmdm *CommandManager
	cron *cron.Cron

	updates chan transport.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bootLog := logging.NewConsole(cfg.Logging.Level).With().Str("comp", "telegram").Logger()

	pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	client, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logging.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logging.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}, client)
	if cfg.Telegram.LogChatID != 0 {
		logSvc.SetTelegramTarget(cfg.Telegram.LogChatID)
	}
	log = log.With().Str("comp", "app").Logger()

	clsTimeout, err := parseDurationField("classifier.timeout", cfg.Classifier.Timeout)
	if err != nil {
		return nil, err
	}
	cls, err := classifier.New(classifier.Config{
		APIKey:     cfg.Classifier.APIKey,
		BaseURL:    cfg.Classifier.BaseURL,
		Model:      cfg.Classifier.Model,
		RatePerSec: cfg.Classifier.RatePerSec,
		Timeout:    clsTimeout,
	}, log.With().Str("comp", "classifier").Logger())
	if err != nil {
		return nil, err
	}

	msgPrompt := classifier.NewPromptStore(cfg.Classifier.PromptFile, classifier.DefaultMessagePrompt)
	discPrompt := classifier.NewPromptStore(cfg.Discovery.PromptFile, classifier.DefaultDiscoveryPrompt)

	sched := scheduler.New(log.With().Str("comp", "scheduler").Logger())

	flushEvery, err := parseDurationField("batch.flush_every", cfg.Batch.FlushEvery)
	if err != nil {
		return nil, err
	}
	proc := batch.New(batch.Config{
		FlushEvery:   flushEvery,
		Destinations: cfg.Batch.Destinations,
	}, cls, client, msgPrompt.Get, log.With().Str("comp", "batch").Logger())

	busyTimeout, err := parseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	storeCfg := store.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout}
	storeLog := log.With().Str("comp", "store").Logger()
	openStore := func() (store.Store, error) { return store.Open(storeCfg, storeLog) }

	a := &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		client:     client,
		sched:      sched,
		proc:       proc,
		cls:        cls,
		msgPrompt:  msgPrompt,
		discPrompt: discPrompt,
		updates:    make(chan transport.Update, 256),
	}

	maxAge, err := parseDurationField("discovery.max_age", cfg.Discovery.MaxAge)
	if err != nil {
		return nil, err
	}
	joinCooldown, err := parseDurationField("discovery.join_cooldown", cfg.Discovery.JoinCooldown)
	if err != nil {
		return nil, err
	}
	a.discovery = jobs.NewDiscovery(jobs.DiscoveryConfig{
		BatchSize:    cfg.Discovery.BatchSize,
		MessageLimit: cfg.Discovery.MessageLimit,
		MinOrganic:   cfg.Discovery.MinOrganic,
		MaxAge:       maxAge,
	}, client, cls, openStore, discPrompt.Get, a.notifyOwners,
		log.With().Str("comp", "discovery").Logger())
	a.join = jobs.NewJoin(jobs.JoinConfig{Cooldown: joinCooldown},
		client, openStore, a.notifyOwners,
		log.With().Str("comp", "join").Logger())

	a.cmdm = NewCommandManager(
		log.With().Str("comp", "commands").Logger(),
		client,
		func(msg transport.Message) {
			a.proc.Add(batch.Event{
				SenderID:  msg.FromID,
				ChatID:    msg.ChatID,
				MessageID: msg.ID,
				Text:      msg.Text,
			})
		},
		cfg.Telegram.OwnerUserIDs,
	)
	a.cmdm.SetRegistry(a.commands())

	return a, nil
}

// notifyOwners sends job progress reports to every configured owner's
// private chat. In Telegram a private chat id equals the user id.
func (a *App) notifyOwners(ctx context.Context, text string) {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return
	}
	for _, owner := range cfg.Telegram.OwnerUserIDs {
		if _, err := a.client.SendText(ctx, transport.ChatTarget{ChatID: owner}, text, nil); err != nil {
			a.log.Warn().Err(err).Int64("owner", owner).Msg("owner notification failed")
		}
	}
}

func (a *App) commands() []Command {
	return []Command{
		{
			Name:        "start_pars",
			Description: "evaluate candidate chats",
			Usage:       "/start_pars",
			OwnerOnly:   true,
			Handle: func(ctx context.Context, req *Request) error {
				return a.submitJob(ctx, req, "group-discovery", a.discovery.Run)
			},
		},
		{
			Name:        "join_groups",
			Description: "join chats that passed evaluation",
			Usage:       "/join_groups",
			OwnerOnly:   true,
			Handle: func(ctx context.Context, req *Request) error {
				return a.submitJob(ctx, req, "join-groups", a.join.Run)
			},
		},
		{
			Name:        "get_status",
			Description: "show task and buffer state",
			Usage:       "/get_status",
			Handle: func(ctx context.Context, req *Request) error {
				req.Reply(ctx, a.statusText())
				return nil
			},
		},
		{
			Name:        "get_prompt_msg",
			Description: "show the active classification prompt",
			Usage:       "/get_prompt_msg",
			Handle: func(ctx context.Context, req *Request) error {
				req.Reply(ctx, a.msgPrompt.Get())
				return nil
			},
		},
		{
			Name:        "set_prompt_msg",
			Description: "replace the classification prompt",
			Usage:       "/set_prompt_msg <text>",
			OwnerOnly:   true,
			Handle: func(ctx context.Context, req *Request) error {
				if req.ArgText == "" {
					req.Reply(ctx, "usage: /set_prompt_msg <text>")
					return nil
				}
				if err := a.msgPrompt.Set(req.ArgText); err != nil {
					return fmt.Errorf("store prompt: %w", err)
				}
				req.Reply(ctx, "prompt updated")
				return nil
			},
		},
	}
}

func (a *App) submitJob(ctx context.Context, req *Request, name string, fn scheduler.Func) error {
	t, err := a.sched.Add(fn, name)
	if err != nil {
		return err
	}
	if err := a.sched.Run(t.ID); err != nil {
		return err
	}
	req.Reply(ctx, fmt.Sprintf("%s started (task %s)", name, t.ID[:8]))
	return nil
}

func (a *App) statusText() string {
	var b strings.Builder
	tasks := a.sched.All()
	if len(tasks) == 0 {
		b.WriteString("no tasks\n")
	}
	for _, t := range tasks {
		fmt.Fprintf(&b, "%s [%s]", t.Name, t.Status)
		if t.Err != nil {
			fmt.Fprintf(&b, " err=%v", t.Err)
		}
		b.WriteString("\n")
	}
	buffered, blocked := a.proc.Stats()
	fmt.Fprintf(&b, "buffer: %d pending, %d blocked senders", buffered, blocked)
	return b.String()
}

// Done is closed when the run context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With().Str("comp", "config").Logger())
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return cfg.Validate()
	})

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	// The flush loop runs as an ordinary supervised task.
	loop, err := a.sched.Add(func(ctx context.Context) (any, error) {
		return nil, a.proc.Run(ctx)
	}, "batch-loop")
	if err != nil {
		return err
	}
	if err := a.sched.Run(loop.ID); err != nil {
		return err
	}

	if err := a.client.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	a.startCron()

	// config hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// coalesce bursts: keep only the latest config
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
				a.applyReload(newCfg)
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info().Msg("app started")
	return nil
}

// applyReload pushes the hot-reloadable subset of the config into running
// services. Everything else (token, storage path, schedule) needs a restart.
func (a *App) applyReload(cfg *Config) {
	a.logs.Apply(logging.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logging.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logging.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	})
	a.logs.SetTelegramTarget(cfg.Telegram.LogChatID)
	a.cmdm.SetOwners(cfg.Telegram.OwnerUserIDs)
	a.cls.SetRate(cfg.Classifier.RatePerSec)
	a.log.Info().Msg("config reloaded")
}

// startCron arms the optional periodic discovery trigger.
func (a *App) startCron() {
	cfg := a.cfgm.Get()
	spec := strings.TrimSpace(cfg.Discovery.Schedule)
	if spec == "" {
		return
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		t, err := a.sched.Add(a.discovery.Run, "group-discovery")
		if err != nil {
			a.log.Warn().Err(err).Msg("scheduled discovery not submitted")
			return
		}
		if err := a.sched.Run(t.ID); err != nil {
			a.log.Warn().Err(err).Msg("scheduled discovery not started")
		}
	})
	if err != nil {
		a.log.Warn().Err(err).Str("schedule", spec).Msg("invalid discovery schedule; periodic runs disabled")
		return
	}
	c.Start()
	a.cron = c
	a.log.Info().Str("schedule", spec).Msg("periodic discovery armed")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info().Msg("stopping")
	a.sup.Cancel()

	// bound each shutdown step so one component cannot stall the stop
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn().Err(err).Str("name", name).Msg("stop step error")
		}
		a.log.Debug().Str("name", name).Dur("took", time.Since(start)).Msg("stop step end")
	}

	if a.cron != nil {
		step("cron", 2*time.Second, func(c context.Context) error {
			select {
			case <-a.cron.Stop().Done():
				return nil
			case <-c.Done():
				return c.Err()
			}
		})
	}
	step("scheduler", 5*time.Second, func(c context.Context) error { return a.sched.Shutdown(c) })
	step("telegram", 2*time.Second, func(c context.Context) error { return a.client.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("logging", time.Second, func(context.Context) error { return a.logs.Close() })

	a.log.Info().Msg("stopped")
	return nil
}
