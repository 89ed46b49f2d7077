package replyqueue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"banterbot/internal/admission"
	"banterbot/internal/budget"
	"banterbot/internal/eventbus"
	"banterbot/internal/generate"
	"banterbot/internal/store"
	"banterbot/internal/transport"
	logx "banterbot/pkg/logx"
)

// Sender is the slice of the gateway the queue needs.
type Sender interface {
	SendMessage(ctx context.Context, ch transport.ChannelRef, out transport.Outgoing) (transport.SentMessage, error)
	React(ctx context.Context, ch transport.ChannelRef, messageID, emoji string) error
}

// SettingsFunc returns a fresh settings snapshot. Called at every decision
// point so config hot-reloads take effect between enqueue and dequeue.
type SettingsFunc func() admission.Settings

type Manager struct {
	gen      generate.Generator
	sender   Sender
	ledger   *budget.Ledger
	store    store.Store
	hist     *admission.Log
	bus      eventbus.Bus
	log      logx.Logger
	settings SettingsFunc
	now      func() time.Time

	mu       sync.Mutex
	cfg      Config
	queues   map[transport.ChannelRef]*channelQueue
	cooldown *rate.Limiter
	stopping bool

	runCtx context.Context
	wg     sync.WaitGroup
}

func NewManager(cfg Config, gen generate.Generator, sender Sender, ledger *budget.Ledger,
	st store.Store, hist *admission.Log, bus eventbus.Bus, settings SettingsFunc, log logx.Logger) *Manager {
	m := &Manager{
		gen:      gen,
		sender:   sender,
		ledger:   ledger,
		store:    st,
		hist:     hist,
		bus:      bus,
		log:      log,
		settings: settings,
		now:      time.Now,
		queues:   map[transport.ChannelRef]*channelQueue{},
	}
	m.applyLocked(cfg.withDefaults())
	return m
}

// Apply swaps pacing/retry config at runtime.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.applyLocked(cfg.withDefaults())
	m.mu.Unlock()
}

func (m *Manager) applyLocked(cfg Config) {
	m.cfg = cfg
	if cfg.SendCooldown > 0 {
		m.cooldown = rate.NewLimiter(rate.Every(cfg.SendCooldown), 1)
	} else {
		m.cooldown = nil
	}
}

// Start binds the manager to its run context. Workers spawned by Enqueue
// exit when it is canceled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.runCtx = ctx
	m.stopping = false
	m.mu.Unlock()
}

// Stop refuses new work and waits (bounded by ctx) for in-flight workers.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn("reply queue stop timed out; workers finish in background")
	}
}

// Enqueue appends a job to its channel queue and ensures exactly one
// worker is running for that channel. It returns false (and logs) when the
// queue is full, the message was already answered, or shutdown started.
// It never blocks.
func (m *Manager) Enqueue(job Job) bool {
	msg := job.Message
	ch := transport.ChannelRef{GuildID: msg.GuildID, ChannelID: msg.ChannelID}

	// Idempotency guard: a message that already triggered a response is
	// never enqueued again (startup replay overlaps live traffic).
	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		answered, err := m.store.HasTriggeredResponse(ctx, msg.ID)
		cancel()
		if err == nil && answered {
			m.log.Debug("enqueue skipped; already answered",
				logx.String("message_id", msg.ID), logx.String("channel_id", msg.ChannelID))
			return false
		}
	}

	m.mu.Lock()
	if m.stopping || m.runCtx == nil {
		m.mu.Unlock()
		return false
	}
	q := m.queues[ch]
	if q == nil {
		q = &channelQueue{}
		m.queues[ch] = q
	}
	if len(q.jobs) >= m.cfg.QueueCap {
		m.mu.Unlock()
		m.log.Warn("reply queue overflow; job dropped",
			logx.String("channel_id", msg.ChannelID),
			logx.String("message_id", msg.ID),
			logx.Int("cap", m.cfg.QueueCap))
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: eventbus.TypeReplyDropped, Data: msg.ID})
		}
		return false
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = m.now()
	}
	q.jobs = append(q.jobs, job)

	spawn := !q.workerActive
	if spawn {
		q.workerActive = true
		m.wg.Add(1)
	}
	ctx := m.runCtx
	m.mu.Unlock()

	if spawn {
		go m.worker(ctx, ch)
	}
	return true
}

// QueueLen reports the current depth of one channel queue.
func (m *Manager) QueueLen(ch transport.ChannelRef) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q := m.queues[ch]; q != nil {
		return len(q.jobs)
	}
	return 0
}

// cooldownWait measures the delay until the next send token without
// consuming it.
func (m *Manager) cooldownWait() time.Duration {
	m.mu.Lock()
	lim := m.cooldown
	m.mu.Unlock()
	if lim == nil {
		return 0
	}
	r := lim.Reserve()
	d := r.Delay()
	r.Cancel()
	return d
}

// takeCooldown consumes a send token if one is available right now.
func (m *Manager) takeCooldown() bool {
	m.mu.Lock()
	lim := m.cooldown
	m.mu.Unlock()
	if lim == nil {
		return true
	}
	return lim.Allow()
}

// SendGateWait reports the delay until the next send token is available.
// The initiative scheduler shares the same outbound cooldown as replies.
func (m *Manager) SendGateWait() time.Duration { return m.cooldownWait() }

// TakeSendToken consumes a send token if one is available right now.
func (m *Manager) TakeSendToken() bool { return m.takeCooldown() }

func (m *Manager) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}
