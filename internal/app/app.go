// Package app assembles the bot: config, logging, storage, the gateway
// adapter, and the admission/queueing/scheduling services, with hot
// config reload and staged shutdown.
package app

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"banterbot/internal/admission"
	"banterbot/internal/budget"
	"banterbot/internal/config"
	"banterbot/internal/eventbus"
	"banterbot/internal/gateway"
	"banterbot/internal/generate"
	"banterbot/internal/housekeeping"
	"banterbot/internal/initiative"
	"banterbot/internal/reconcile"
	"banterbot/internal/replyqueue"
	"banterbot/internal/runtime/supervisor"
	"banterbot/internal/store"
	"banterbot/internal/transport"
	"banterbot/internal/transport/telegram"
	logx "banterbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter *telegram.Adapter
	store   store.Store
	ledger  *budget.Ledger
	hist    *admission.Log
	bus     eventbus.Bus

	queue      *replyqueue.Manager
	initiative *initiative.Scheduler
	monitor    *gateway.Monitor
	reconciler *reconcile.Runner
	keeper     *housekeeping.Service

	events chan transport.Event
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	adapter, err := telegram.New(telegram.Config{
		Token:        cfg.Telegram.Token,
		APIURL:       cfg.Telegram.APIURL,
		HistoryDepth: cfg.Telegram.HistoryDepth,
	}, logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(loggingConfig(cfg), adapter)
	log = log.With(logx.String("comp", "app"))
	if ops := cfg.Logging.Ops; ops != nil && ops.Enabled {
		logs.SetOpsTarget(transport.ChannelRef{GuildID: ops.GuildID, ChannelID: ops.ChannelID})
	}
	cfgm.SetLogger(logs.Logger().With(logx.String("comp", "config")))

	st, err := store.Open(storeConfig(cfg), logs.Logger().With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	ledger := budget.NewLedger(st)
	hist := admission.NewLog(200)
	bus := eventbus.New()

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		adapter: adapter,
		store:   st,
		ledger:  ledger,
		hist:    hist,
		bus:     bus,
		events:  make(chan transport.Event, 256),
	}

	settings := func() admission.Settings { return a.settings() }
	gen := generate.Echo{}

	a.queue = replyqueue.NewManager(queueConfig(cfg), gen, adapter, ledger, st, hist, bus,
		settings, logs.Logger().With(logx.String("comp", "replyqueue")))

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	a.initiative = initiative.New(initiativeConfig(cfg), gen, adapter, ledger, st,
		a.queue, bus, rng, logs.Logger().With(logx.String("comp", "initiative")))

	a.monitor = gateway.NewMonitor(gatewayConfig(cfg), adapter, bus,
		logs.Logger().With(logx.String("comp", "gateway")))

	a.reconciler = reconcile.New(reconcileConfig(cfg), adapter, st, a.queue,
		settings, bus, logs.Logger().With(logx.String("comp", "reconcile")))

	a.keeper = housekeeping.New(housekeepingConfig(cfg), st, ledger,
		logs.Logger().With(logx.String("comp", "housekeeping")))

	return a, nil
}

// settings builds a fresh admission snapshot from the committed config.
func (a *App) settings() admission.Settings {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return admission.Settings{SelfID: a.adapter.SelfID()}
	}
	return admission.Settings{
		RepliesEnabled:  cfg.Replies.Enabled,
		SelfID:          a.adapter.SelfID(),
		NameKeywords:    cfg.Replies.NameKeywords,
		AmbientReplies:  cfg.Replies.AmbientReplies,
		RecencyWindow:   cfg.Replies.RecencyWindow,
		DisallowedUsers: cfg.Replies.DisallowedUsers,
	}
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	if err := a.adapter.Start(a.sup.Context(), a.events); err != nil {
		return err
	}

	a.queue.Start(a.sup.Context())
	a.keeper.Start(a.sup.Context())

	a.sup.Go("events.pump", a.pumpEvents)
	a.sup.Go("gateway.watchdog", a.monitor.Run)
	a.sup.Go("initiative", a.initiative.Run)
	a.sup.Go("reconcile", a.reconciler.Run)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go0("sd.watchdog", watchdogLoop)

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started")
	return nil
}

// pumpEvents fans gateway events into admission and the reply queue.
func (a *App) pumpEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-a.events:
			a.handleEvent(ev)
		}
	}
}

func (a *App) handleEvent(ev transport.Event) {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	switch ev.Kind {
	case transport.EventSessionInvalid:
		a.monitor.NoteSessionInvalid()
	case transport.EventMessage:
		a.monitor.NoteEvent(at)
		if ev.Message != nil {
			a.handleMessage(*ev.Message)
		}
	case transport.EventReaction:
		// Reactions refresh recency but never trigger replies.
		a.monitor.NoteEvent(at)
	}
}

func (a *App) handleMessage(msg transport.Message) {
	st := a.settings()
	ch := transport.ChannelRef{GuildID: msg.GuildID, ChannelID: msg.ChannelID}

	// Decide against the history as it was before this message, then
	// record it.
	recent := a.hist.Recent(ch, 25)
	a.hist.Observe(msg)

	if msg.AuthorID == st.SelfID {
		return
	}
	if !st.RepliesEnabled || st.IsDisallowed(msg.AuthorID) {
		return
	}

	sig := admission.Compute(msg, st)
	if !admission.ShouldAttempt(false, sig, recent, st) {
		return
	}
	a.queue.Enqueue(replyqueue.Job{
		Message: msg,
		Source:  replyqueue.SourceInbound,
		Signal:  sig,
	})
}

// reloadLoop applies committed config changes to the running services.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
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
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(loggingConfig(cfg))
	if ops := cfg.Logging.Ops; ops != nil && ops.Enabled {
		a.logs.SetOpsTarget(transport.ChannelRef{GuildID: ops.GuildID, ChannelID: ops.ChannelID})
	} else {
		a.logs.SetOpsTarget(transport.ChannelRef{})
	}

	a.queue.Apply(queueConfig(cfg))
	a.initiative.Apply(initiativeConfig(cfg))
	a.keeper.Apply(housekeepingConfig(cfg))

	a.log.Info("config applied")
}

// Stop shuts the app down in stages, each bounded so one stuck component
// cannot stall the rest.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
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
			} else {
				a.log.Debug("stop step done",
					logx.String("name", name),
					logx.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("initiative", 2*time.Second, func(c context.Context) error { a.initiative.Stop(); return nil })
	step("queue", 3*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	step("housekeeping", 2*time.Second, func(c context.Context) error { a.keeper.Stop(c); return nil })
	step("monitor", time.Second, func(c context.Context) error { a.monitor.Stop(); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store close failed", logx.Err(err))
		}
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// watchdogLoop pings systemd's watchdog at half the configured interval.
func watchdogLoop(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
