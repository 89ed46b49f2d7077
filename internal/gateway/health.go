package gateway

import (
	"context"
	"sync"
	"time"

	"banterbot/internal/eventbus"
	logx "banterbot/pkg/logx"
)

// State of the long-lived platform connection as seen by the watchdog.
type State string

const (
	StateConnected    State = "connected"
	StateStale        State = "stale"
	StateReconnecting State = "reconnecting"
)

type Config struct {
	WatchdogInterval time.Duration // default 30s
	StaleThreshold   time.Duration // default 2m
	BackoffBase      time.Duration // default 5s
	BackoffCap       time.Duration // default 60s
	// InvalidDelay is the short delay before reconnecting after the
	// platform invalidates the session.
	InvalidDelay time.Duration // default 1s
}

func (c Config) withDefaults() Config {
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 30 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 2 * time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.InvalidDelay <= 0 {
		c.InvalidDelay = time.Second
	}
	return c
}

// Client is the slice of the gateway the monitor drives.
type Client interface {
	Login(ctx context.Context) error
	Ready() bool
}

// Health is a point-in-time snapshot of the monitor.
type Health struct {
	State             State
	LastEventAt       time.Time
	Connected         bool
	ReconnectInFlight bool
	ReconnectAttempts int
}

// Monitor watches connection liveness and drives reconnection with capped
// exponential backoff. One instance per process.
//
// Failure is never fatal: re-login retries until the monitor is stopped.
// At most one reconnect attempt is in flight at any time.
type Monitor struct {
	cfg    Config
	client Client
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	mu          sync.Mutex
	lastEventAt time.Time
	state       State
	inFlight    bool
	attempts    int
	retryAt     time.Time
	stopping    bool

	// kick wakes the watchdog loop outside its tick, e.g. on session
	// invalidation.
	kick chan struct{}
}

func NewMonitor(cfg Config, client Client, bus eventbus.Bus, log logx.Logger) *Monitor {
	m := &Monitor{
		cfg:    cfg.withDefaults(),
		client: client,
		bus:    bus,
		log:    log,
		now:    time.Now,
		state:  StateConnected,
		kick:   make(chan struct{}, 1),
	}
	m.lastEventAt = m.now()
	return m
}

// WithClock overrides the time source. Tests only.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	m.lastEventAt = now()
	return m
}

// NoteEvent records platform activity. Refreshing recency is a no-op
// transition: it never de-escalates from stale/reconnecting by itself;
// only a successful re-login does that.
func (m *Monitor) NoteEvent(at time.Time) {
	if at.IsZero() {
		at = m.now()
	}
	m.mu.Lock()
	if at.After(m.lastEventAt) {
		m.lastEventAt = at
	}
	m.mu.Unlock()
}

// NoteSessionInvalid short-circuits the staleness check and schedules an
// immediate (short-delay) reconnect.
func (m *Monitor) NoteSessionInvalid() {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	m.retryAt = m.now().Add(m.cfg.InvalidDelay)
	m.mu.Unlock()

	m.log.Warn("platform session invalidated; scheduling reconnect",
		logx.Duration("delay", m.cfg.InvalidDelay))
	m.kickNow()
}

func (m *Monitor) kickNow() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// kickAfter wakes the watchdog loop at the scheduled retry time instead of
// waiting for the next periodic tick. A late or spurious wake-up is fine:
// tick re-reads retryAt under the lock.
func (m *Monitor) kickAfter(d time.Duration) {
	if d <= 0 {
		m.kickNow()
		return
	}
	time.AfterFunc(d, m.kickNow)
}

func (m *Monitor) Snapshot() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Health{
		State:             m.state,
		LastEventAt:       m.lastEventAt,
		Connected:         m.state == StateConnected,
		ReconnectInFlight: m.inFlight,
		ReconnectAttempts: m.attempts,
	}
}

// Stop flags the monitor as stopping; all further transitions short-circuit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()
}

// Backoff returns the delay before reconnect attempt n+1 after n failures:
// min(base * 2^(n-1), ceiling).
func Backoff(base, ceiling time.Duration, attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

// Run is the watchdog loop. It returns when ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.tick(ctx)
		case <-m.kick:
			m.tick(ctx)
		}
	}
}

// tick evaluates the state machine once. Idempotent under concurrent
// invocations: the inFlight flag guarantees a single reconnect attempt.
func (m *Monitor) tick(ctx context.Context) {
	m.mu.Lock()
	if m.stopping || m.inFlight {
		m.mu.Unlock()
		return
	}
	now := m.now()

	switch m.state {
	case StateConnected:
		if now.Sub(m.lastEventAt) > m.cfg.StaleThreshold && !m.client.Ready() {
			m.state = StateStale
			m.mu.Unlock()
			m.log.Warn("gateway connection stale",
				logx.Duration("since_last_event", now.Sub(m.lastEventAt)))
			if m.bus != nil {
				m.bus.Publish(eventbus.Event{Type: eventbus.TypeGatewayStale})
			}
			// Stale escalates to reconnecting immediately.
			m.tick(ctx)
			return
		}
		m.mu.Unlock()
		return

	case StateStale:
		m.state = StateReconnecting
		m.retryAt = now
		fallthrough

	case StateReconnecting:
		if wait := m.retryAt.Sub(now); wait > 0 {
			m.mu.Unlock()
			m.kickAfter(wait)
			return
		}
		m.inFlight = true
		attempt := m.attempts + 1
		m.mu.Unlock()
		go m.reconnect(ctx, attempt)
		return
	}
	m.mu.Unlock()
}

func (m *Monitor) reconnect(ctx context.Context, attempt int) {
	m.log.Info("reconnecting to platform", logx.Int("attempt", attempt))
	err := m.client.Login(ctx)

	m.mu.Lock()
	m.inFlight = false
	if m.stopping || ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.attempts = attempt
		delay := Backoff(m.cfg.BackoffBase, m.cfg.BackoffCap, attempt)
		m.retryAt = m.now().Add(delay)
		m.mu.Unlock()
		m.log.Warn("reconnect failed",
			logx.Int("attempt", attempt), logx.Duration("retry_in", delay), logx.Err(err))
		m.kickAfter(delay)
		return
	}
	m.attempts = 0
	m.state = StateConnected
	m.lastEventAt = m.now()
	m.mu.Unlock()

	m.log.Info("reconnected to platform", logx.Int("attempts", attempt))
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeGatewayReconnect, Data: attempt})
	}
}
