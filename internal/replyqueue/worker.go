package replyqueue

import (
	"context"
	"runtime/debug"
	"time"

	"banterbot/internal/admission"
	"banterbot/internal/budget"
	"banterbot/internal/eventbus"
	"banterbot/internal/generate"
	"banterbot/internal/store"
	"banterbot/internal/transport"
	logx "banterbot/pkg/logx"
)

// coalescePoll is how often the coalesce wait re-checks whether the burst
// cap was reached before the window elapsed.
const coalescePoll = 50 * time.Millisecond

func (m *Manager) worker(ctx context.Context, ch transport.ChannelRef) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in channel worker",
				logx.String("channel_id", ch.ChannelID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
			m.detach(ch)
		}
	}()

	for {
		if ctx.Err() != nil {
			m.detach(ch)
			return
		}

		m.mu.Lock()
		q := m.queues[ch]
		if q == nil || len(q.jobs) == 0 {
			if q != nil {
				q.workerActive = false
			}
			m.mu.Unlock()
			return
		}
		head := q.jobs[0]
		cfg := m.cfg
		m.mu.Unlock()

		// Fast permission re-checks at dequeue time: settings and
		// permissions may have changed since enqueue.
		st := m.settings()
		if drop, reason := m.dropReason(ctx, head, st); drop {
			m.popHead(ch)
			if reason != "" {
				m.log.Debug("job dropped at dequeue",
					logx.String("message_id", head.Message.ID),
					logx.String("channel_id", ch.ChannelID),
					logx.String("reason", reason))
			}
			continue
		}

		// Coalesce wait: give a burst time to accumulate, bounded by the
		// window since the head job and the burst cap.
		if cfg.CoalesceWindow > 0 {
			m.awaitBurst(ctx, ch, cfg)
			if ctx.Err() != nil {
				continue
			}
		}

		// Budget wait: exhaustion is not an error, just a bounded sleep
		// followed by a re-check. The head job stays queued.
		if cfg.HourlySendMax > 0 && m.ledger != nil {
			bst, err := m.ledger.Remaining(ctx, budget.KindMessage, time.Hour, cfg.HourlySendMax)
			if err != nil {
				m.log.Warn("budget check failed; proceeding", logx.Err(err))
			} else if !bst.CanProceed {
				m.log.Debug("send budget exhausted; waiting",
					logx.String("channel_id", ch.ChannelID),
					logx.Int("used", bst.Used))
				sleepCtx(ctx, cfg.MaxRateWait)
				continue
			}
		}

		// Cooldown gate: take a send token or wait out the delay without
		// dequeuing, so queue order is preserved.
		if !m.takeCooldown() {
			d := m.cooldownWait()
			if d > cfg.MaxRateWait {
				d = cfg.MaxRateWait
			}
			sleepCtx(ctx, d)
			continue
		}

		burst := m.popBurst(ch, cfg)
		if len(burst) == 0 {
			continue
		}
		m.process(ctx, ch, burst, cfg)
	}
}

// detach clears the worker flag so a later enqueue can start a fresh one.
func (m *Manager) detach(ch transport.ChannelRef) {
	m.mu.Lock()
	if q := m.queues[ch]; q != nil {
		q.workerActive = false
	}
	m.mu.Unlock()
}

func (m *Manager) dropReason(ctx context.Context, head Job, st admission.Settings) (bool, string) {
	if !st.RepliesEnabled && !head.ForceRespond {
		// Expected when settings were toggled between enqueue and dequeue.
		return true, ""
	}
	if st.IsDisallowed(head.Message.AuthorID) {
		return true, "author_disallowed"
	}
	if m.store != nil {
		answered, err := m.store.HasTriggeredResponse(ctx, head.Message.ID)
		if err == nil && answered {
			return true, "already_answered"
		}
	}
	return false, ""
}

// awaitBurst blocks until the coalesce window since the head job elapses
// or the channel has a full burst waiting.
func (m *Manager) awaitBurst(ctx context.Context, ch transport.ChannelRef, cfg Config) {
	for {
		if ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		q := m.queues[ch]
		if q == nil || len(q.jobs) == 0 {
			m.mu.Unlock()
			return
		}
		headAt := q.jobs[0].EnqueuedAt
		n := burstLen(q.jobs, cfg)
		m.mu.Unlock()

		if n >= cfg.MaxCoalesce {
			return
		}
		remain := cfg.CoalesceWindow - m.now().Sub(headAt)
		if remain <= 0 {
			return
		}
		if remain > coalescePoll {
			remain = coalescePoll
		}
		if !sleepCtx(ctx, remain) {
			return
		}
	}
}

// burstLen counts the consecutive same-author jobs at the head that fall
// inside the coalesce window.
func burstLen(jobs []Job, cfg Config) int {
	if len(jobs) == 0 {
		return 0
	}
	if cfg.CoalesceWindow <= 0 {
		return 1
	}
	head := jobs[0]
	n := 1
	for n < len(jobs) && n < cfg.MaxCoalesce {
		next := jobs[n]
		if next.Message.AuthorID != head.Message.AuthorID {
			break
		}
		if cfg.CoalesceWindow > 0 && next.EnqueuedAt.Sub(head.EnqueuedAt) > cfg.CoalesceWindow {
			break
		}
		n++
	}
	return n
}

func (m *Manager) popHead(ch transport.ChannelRef) {
	m.mu.Lock()
	if q := m.queues[ch]; q != nil && len(q.jobs) > 0 {
		q.jobs = q.jobs[1:]
	}
	m.mu.Unlock()
}

// popBurst dequeues the head job plus any immediately-consecutive
// same-author jobs within the coalesce window, oldest first.
func (m *Manager) popBurst(ch transport.ChannelRef, cfg Config) []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[ch]
	if q == nil || len(q.jobs) == 0 {
		return nil
	}
	n := burstLen(q.jobs, cfg)
	burst := make([]Job, n)
	copy(burst, q.jobs[:n])
	q.jobs = append(q.jobs[:0:0], q.jobs[n:]...)
	for i := 1; i < len(burst); i++ {
		burst[i].Source = SourceCoalesced
	}
	return burst
}

// requeueHead puts a burst back at the head of the queue, preserving its
// order ahead of newer jobs, with the attempt counter bumped.
func (m *Manager) requeueHead(ch transport.ChannelRef, burst []Job) {
	for i := range burst {
		burst[i].Attempts++
	}
	m.mu.Lock()
	q := m.queues[ch]
	if q == nil {
		q = &channelQueue{}
		m.queues[ch] = q
	}
	q.jobs = append(burst, q.jobs...)
	m.mu.Unlock()
}

func (m *Manager) process(ctx context.Context, ch transport.ChannelRef, burst []Job, cfg Config) {
	sig := burst[0].Signal
	force := burst[0].ForceRespond
	for _, j := range burst[1:] {
		sig = sig.Merge(j.Signal)
		force = force || j.ForceRespond
	}
	triggered := sig.Triggered || force

	// Settings may flip while we were waiting out pacing gates. A forced
	// burst that lost that race gets one more turn if pacing was the
	// reason it waited; with the toggle still off on the second pass, or
	// with no pacing wait to ride out, it drops like everything else.
	// Nothing is ever generated or sent while replies are disabled.
	st := m.settings()
	if !st.RepliesEnabled {
		if force && burst[0].Attempts == 0 && m.cooldownWait() > 0 {
			m.requeueHead(ch, burst)
			return
		}
		m.log.Debug("burst dropped; replies disabled mid-processing",
			logx.String("channel_id", ch.ChannelID),
			logx.Bool("forced", force))
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: eventbus.TypeReplyDropped, Data: burst[0].Message.ID})
		}
		return
	}

	msgs := make([]transport.Message, len(burst))
	for i, j := range burst {
		msgs[i] = j.Message
	}
	var recent []transport.Message
	if m.hist != nil {
		recent = m.hist.Recent(ch, 20)
	}

	res, err := m.gen.Generate(ctx, generate.Request{
		Channel:   ch,
		Burst:     msgs,
		Recent:    recent,
		Triggered: triggered,
	})
	if err == nil && res.Text == "" && res.Reaction == "" {
		// Generator declined: a valid, expected outcome.
		return
	}

	// A reaction may accompany the reply or be the whole response. It has
	// no retry machinery: a failed reaction-only response just drops.
	reacted := false
	if err == nil && res.Reaction != "" {
		target := burst[len(burst)-1].Message.ID
		if rerr := m.sender.React(ctx, ch, target, res.Reaction); rerr != nil {
			m.log.Warn("reaction failed",
				logx.String("message_id", target), logx.Err(rerr))
			if res.Text == "" {
				return
			}
		} else {
			reacted = true
		}
	}

	var sent transport.SentMessage
	if err == nil && res.Text != "" {
		out := transport.Outgoing{Text: res.Text}
		if triggered {
			out.ReplyToID = burst[len(burst)-1].Message.ID
		}
		sent, err = m.sender.SendMessage(ctx, ch, out)
	}

	if err != nil {
		attempts := burst[0].Attempts
		if attempts < cfg.RetryMax && ctx.Err() == nil {
			delay := cfg.RetryDelay * time.Duration(attempts+1)
			m.log.Warn("send failed; retrying",
				logx.String("channel_id", ch.ChannelID),
				logx.Int("attempt", attempts+1),
				logx.Duration("delay", delay),
				logx.Err(err))
			m.requeueHead(ch, burst)
			sleepCtx(ctx, delay)
			return
		}
		m.log.Error("send failed; burst dropped",
			logx.String("channel_id", ch.ChannelID),
			logx.Int("burst", len(burst)),
			logx.Int("attempts", attempts+1),
			logx.Err(err))
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: eventbus.TypeReplyDropped, Data: burst[0].Message.ID})
		}
		return
	}

	// Success bookkeeping outlives a canceled run context so nothing sent
	// goes unrecorded.
	rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	now := m.now()
	scope := store.Scope{GuildID: ch.GuildID, ChannelID: ch.ChannelID, UserID: burst[0].Message.AuthorID}
	if m.store != nil {
		for _, j := range burst {
			if err := m.store.MarkResponded(rctx, j.Message.ID, now); err != nil {
				m.log.Warn("mark responded failed", logx.String("message_id", j.Message.ID), logx.Err(err))
			}
		}
	}
	if m.ledger != nil {
		if sent.ID != "" {
			if err := m.ledger.Record(rctx, budget.KindMessage, scope); err != nil {
				m.log.Warn("ledger record failed", logx.Err(err))
			}
		}
		if reacted {
			if err := m.ledger.Record(rctx, budget.KindReaction, scope); err != nil {
				m.log.Warn("ledger record failed", logx.Err(err))
			}
		}
		for _, kind := range res.MediaKinds {
			_ = m.ledger.Record(rctx, kind, scope)
		}
	}
	if sent.ID != "" {
		if m.hist != nil {
			m.hist.Observe(transport.Message{
				ID:        sent.ID,
				GuildID:   ch.GuildID,
				ChannelID: ch.ChannelID,
				AuthorID:  st.SelfID,
				Text:      res.Text,
				At:        now,
			})
		}
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: eventbus.TypeReplySent, Data: sent.ID})
		}
		m.log.Info("reply sent",
			logx.String("channel_id", ch.ChannelID),
			logx.Int("burst", len(burst)),
			logx.Bool("triggered", triggered),
			logx.Bool("reacted", reacted),
			logx.String("message_id", sent.ID))
		return
	}
	m.log.Info("reaction sent",
		logx.String("channel_id", ch.ChannelID),
		logx.String("emoji", res.Reaction),
		logx.String("message_id", burst[len(burst)-1].Message.ID))
}

// sleepCtx sleeps up to d, returning false if ctx was canceled first.
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
