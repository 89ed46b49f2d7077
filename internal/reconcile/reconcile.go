// Package reconcile replays direct addresses that arrived while the
// process was down. It runs once per boot, after the gateway settles,
// and feeds missed messages back through the normal reply queue.
package reconcile

import (
	"context"
	"runtime/debug"
	"time"

	"banterbot/internal/admission"
	"banterbot/internal/eventbus"
	"banterbot/internal/replyqueue"
	"banterbot/internal/store"
	"banterbot/internal/transport"
	logx "banterbot/pkg/logx"
)

type Config struct {
	Enabled bool
	// Delay lets the gateway finish connecting and the live event stream
	// start flowing before the scan, so replay overlaps live traffic
	// instead of racing it.
	Delay time.Duration // default 15s
	// ScanLimit bounds the per-channel history read.
	ScanLimit int // default 50
	// MaxPerChannel caps catch-up replies per channel so a long outage
	// does not produce a wall of late answers.
	MaxPerChannel int // default 3
	Channels      []transport.ChannelRef
}

func (c Config) withDefaults() Config {
	if c.Delay <= 0 {
		c.Delay = 15 * time.Second
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = 50
	}
	if c.MaxPerChannel <= 0 {
		c.MaxPerChannel = 3
	}
	return c
}

// Historian is the slice of the gateway the scan needs.
type Historian interface {
	SelfID() string
	History(ctx context.Context, ch transport.ChannelRef, limit int) ([]transport.Message, error)
}

// Enqueuer accepts replay jobs; normally the reply queue manager.
type Enqueuer interface {
	Enqueue(job replyqueue.Job) bool
}

type SettingsFunc func() admission.Settings

type Runner struct {
	cfg      Config
	gw       Historian
	store    store.Store
	enq      Enqueuer
	settings SettingsFunc
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
}

func New(cfg Config, gw Historian, st store.Store, enq Enqueuer,
	settings SettingsFunc, bus eventbus.Bus, log logx.Logger) *Runner {
	return &Runner{
		cfg:      cfg.withDefaults(),
		gw:       gw,
		store:    st,
		enq:      enq,
		settings: settings,
		bus:      bus,
		log:      log,
		now:      time.Now,
	}
}

// Run performs the one-shot reconciliation pass. It returns nil when the
// pass completes or reconciliation is disabled, and the context error
// when canceled mid-scan.
func (r *Runner) Run(ctx context.Context) error {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("reconcile panic",
				logx.Any("panic", rec),
				logx.Stack(string(debug.Stack())))
		}
	}()

	if !r.cfg.Enabled || len(r.cfg.Channels) == 0 {
		return nil
	}
	if !sleepCtx(ctx, r.cfg.Delay) {
		return ctx.Err()
	}

	total := 0
	for _, ch := range r.cfg.Channels {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := r.scanChannel(ctx, ch)
		if err != nil {
			r.log.Warn("reconcile scan failed",
				logx.String("channel_id", ch.ChannelID), logx.Err(err))
			continue
		}
		total += n
	}

	if r.bus != nil && total > 0 {
		r.bus.Publish(eventbus.Event{
			Type: eventbus.TypeReconcileEnqueued,
			Time: r.now(),
			Data: total,
		})
	}
	r.log.Info("reconcile pass complete", logx.Int("replayed", total))
	return nil
}

// scanChannel finds direct addresses with no recorded response and no
// later message from the agent, and enqueues them as forced replay jobs
// in their original order.
func (r *Runner) scanChannel(ctx context.Context, ch transport.ChannelRef) (int, error) {
	msgs, err := r.gw.History(ctx, ch, r.cfg.ScanLimit)
	if err != nil {
		return 0, err
	}

	st := r.settings()
	selfID := st.SelfID
	if selfID == "" {
		selfID = r.gw.SelfID()
		st.SelfID = selfID
	}

	// History arrives newest first. Any message the agent posted counts
	// as a follow-up for everything that came before it.
	var latestSelf time.Time
	for _, m := range msgs {
		if m.AuthorID == selfID && m.At.After(latestSelf) {
			latestSelf = m.At
		}
	}

	enqueued := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if enqueued >= r.cfg.MaxPerChannel {
			break
		}
		m := msgs[i]
		if m.AuthorID == selfID || st.IsDisallowed(m.AuthorID) {
			continue
		}
		if !latestSelf.IsZero() && !m.At.After(latestSelf) {
			continue
		}
		sig := admission.Compute(m, st)
		if !sig.Direct {
			continue
		}
		// With storage disabled nothing is recorded as answered, so every
		// surviving direct address replays up to the per-channel cap.
		if r.store != nil {
			answered, err := r.store.HasTriggeredResponse(ctx, m.ID)
			if err != nil {
				r.log.Warn("reconcile response lookup failed",
					logx.String("message_id", m.ID), logx.Err(err))
				continue
			}
			if answered {
				continue
			}
		}
		ok := r.enq.Enqueue(replyqueue.Job{
			Message:      m,
			Source:       replyqueue.SourceStartupReplay,
			ForceRespond: true,
			Signal:       sig,
		})
		if ok {
			enqueued++
			r.log.Debug("missed address replayed",
				logx.String("channel_id", ch.ChannelID),
				logx.String("message_id", m.ID),
				logx.String("reason", sig.Reason))
		}
	}
	return enqueued, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
