// Package app wires configuration, the mail pipeline and its surfaces into
// one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"notifysync/internal/channel"
	"notifysync/internal/channel/push"
	"notifysync/internal/channel/telegram"
	"notifysync/internal/channel/whatsapp"
	"notifysync/internal/classifier"
	"notifysync/internal/config"
	"notifysync/internal/eventbus"
	"notifysync/internal/httpapi"
	"notifysync/internal/mail"
	"notifysync/internal/mail/gmail"
	"notifysync/internal/mail/imap"
	"notifysync/internal/notifier"
	"notifysync/internal/processor"
	rtsup "notifysync/internal/runtime/supervisor"
	"notifysync/internal/scheduler"
	"notifysync/internal/storage"
	"notifysync/internal/tracking"
	logx "notifysync/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	tracker    *tracking.Store
	classifier *classifier.Classifier
	dispatcher *notifier.Dispatcher
	proc       *processor.Processor
	sched      *scheduler.Service
	api        *httpapi.Server // nil when http.enabled=false
	tg         *telegram.Channel
}

// New loads cfgPath, validates it and builds every component. Nothing runs
// until Start. ctx bounds credential refreshes of the mail and push clients.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	loc, _ := mapLocation(cfg)

	// Bootstrap with the chat sink off: the telegram channel needs a logger
	// before it can be the sink's sender.
	logCfg := mapLogging(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, root := logx.New(bootCfg, nil)
	log := root.With(logx.String("comp", "app"))

	tg, err := telegram.New(telegram.Config{
		Token:    cfg.Telegram.BotToken,
		ChatID:   cfg.Telegram.ChatID,
		Location: loc,
	}, root)
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(logSender(tg, cfg))
	logSvc.Apply(logCfg)

	bus := eventbus.New()

	sc, _ := mapStorage(cfg)
	backend, err := storage.Open(sc, root)
	if err != nil {
		return nil, err
	}
	topts, _ := mapTracking(cfg)
	tracker := tracking.Open(ctx, backend, topts, root.With(logx.String("comp", "tracking")))

	transport, lookup, err := buildTransport(ctx, cfg, root)
	if err != nil {
		_ = tracker.Close(ctx)
		return nil, err
	}

	rules, _ := mapRules(cfg)
	cls := classifier.New(rules, lookup, tracker)

	reg, err := buildChannels(ctx, cfg, loc, tg, root)
	if err != nil {
		_ = tracker.Close(ctx)
		return nil, err
	}
	ncfg, _ := mapNotifier(cfg)
	disp := notifier.New(ncfg, reg, root, bus)

	pcfg, _ := mapProcessor(cfg)
	proc := processor.New(pcfg, transport, lookup, tracker, cls, disp, root,
		processor.WithBus(bus),
		processor.WithLocation(loc),
	)

	schedCfg, _ := mapSchedule(cfg, loc)
	sched, err := scheduler.New(schedCfg, func(c context.Context) error {
		_, err := proc.RunCycle(c)
		return err
	}, root)
	if err != nil {
		_ = tracker.Close(ctx)
		return nil, err
	}

	a := &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		tracker:    tracker,
		classifier: cls,
		dispatcher: disp,
		proc:       proc,
		sched:      sched,
		tg:         tg,
	}
	if cfg.HTTP.Enabled {
		hc, _ := mapHTTP(cfg)
		a.api = httpapi.New(hc, httpapi.Deps{
			Cycles:    proc,
			Feedback:  tracker,
			Scheduler: sched,
			Bus:       bus,
		}, root)
	}

	log.Info("app configured",
		logx.String("provider", providerName(cfg)),
		logx.String("tracking", sc.Driver),
		logx.Int("channels", reg.Len()),
		logx.Bool("any_channel_available", reg.AnyAvailable()),
		logx.String("tz", loc.String()),
	)
	if !reg.AnyAvailable() {
		log.Warn("no notification channel is available; important mail will only be logged")
	}
	return a, nil
}

func buildTransport(ctx context.Context, cfg *config.Config, log logx.Logger) (mail.Transport, mail.CategoryLookup, error) {
	switch providerName(cfg) {
	case "imap":
		t, err := imap.New(mapIMAP(cfg), log.With(logx.String("comp", "mail.imap")))
		if err != nil {
			return nil, nil, err
		}
		return t, t, nil
	default:
		gc, err := mapGmail(cfg)
		if err != nil {
			return nil, nil, err
		}
		t, err := gmail.New(ctx, gc, log.With(logx.String("comp", "mail.gmail")))
		if err != nil {
			return nil, nil, err
		}
		return t, t, nil
	}
}

// buildChannels always registers every channel type; unconfigured ones stay
// unavailable so the status surface can report them.
func buildChannels(ctx context.Context, cfg *config.Config, loc *time.Location, tg *telegram.Channel, log logx.Logger) (*channel.Registry, error) {
	wa := whatsapp.New(whatsapp.Config{
		Enabled:    cfg.WhatsApp.Enabled,
		AccountSID: cfg.WhatsApp.AccountSID,
		AuthToken:  cfg.WhatsApp.AuthToken,
		From:       cfg.WhatsApp.FromNumber,
		To:         cfg.WhatsApp.ToNumber,
		BaseURL:    cfg.WhatsApp.BaseURL,
		Location:   loc,
	}, log)

	pc, err := push.New(ctx, push.Config{
		Enabled:         cfg.Push.Enabled,
		CredentialsFile: cfg.Push.CredentialsFile,
		DeviceToken:     cfg.Push.DeviceToken,
	}, log)
	if err != nil {
		log.Warn("push channel unavailable", logx.Err(err))
		pc = &push.Channel{}
	}

	return channel.Ordered(map[channel.Type]channel.Channel{
		channel.TypeTelegram: tg,
		channel.TypeWhatsApp: wa,
		channel.TypePush:     pc,
	}, cfg.Channels.Order)
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

func (a *App) Processor() *processor.Processor { return a.proc }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if a.api != nil {
		if err := a.api.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	a.sched.Start(a.sup.Context())

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
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
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
				}
			}
		})
	}

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
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	startWatchdog(a.sup, a.log)
	notifyReady(a.log)
	a.log.Info("app started")
	return nil
}

// applyConfig hot-applies the sections that support it and warns about the
// rest.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.SetSender(logSender(a.tg, next))
	a.logs.Apply(mapLogging(next))

	if rules, err := mapRules(next); err != nil {
		a.log.Warn("invalid filter config; keeping previous", logx.Err(err))
	} else {
		a.classifier.SetRules(rules)
	}
	if pcfg, err := mapProcessor(next); err != nil {
		a.log.Warn("invalid email limits; keeping previous", logx.Err(err))
	} else {
		a.proc.Apply(pcfg)
	}
	if ncfg, err := mapNotifier(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.dispatcher.Apply(ncfg)
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)

	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("http", 2*time.Second, func(c context.Context) error {
		if a.api != nil {
			a.api.Stop(c)
		}
		return nil
	})
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("tracking", 3*time.Second, func(c context.Context) error { return a.tracker.Close(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// logSender points the log chat sink at the operator chat, never at the
// notification chat.
func logSender(tg *telegram.Channel, cfg *config.Config) logx.Sender {
	chat := strings.TrimSpace(cfg.Logging.Telegram.ChatID)
	if tg == nil || chat == "" || chat == strings.TrimSpace(cfg.Telegram.ChatID) {
		return nil
	}
	c := tg.ForChat(chat)
	if !c.Available() {
		return nil
	}
	return c
}
