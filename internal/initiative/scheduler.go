// Package initiative posts unprompted messages into configured channels
// on a paced schedule, so the agent occasionally starts a conversation
// instead of only answering.
package initiative

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"banterbot/internal/budget"
	"banterbot/internal/eventbus"
	"banterbot/internal/generate"
	"banterbot/internal/store"
	"banterbot/internal/transport"
	logx "banterbot/pkg/logx"
)

type Mode string

const (
	ModeEven        Mode = "even"
	ModeSpontaneous Mode = "spontaneous"
)

type Config struct {
	Enabled  bool
	Channels []transport.ChannelRef

	// MaxPostsPerDay is the rolling 24h cap. <= 0 disables posting.
	MaxPostsPerDay int
	// MinGap is the hard floor between consecutive posts.
	MinGap time.Duration
	Mode   Mode
	// Spontaneity in [0,1] tunes the probabilistic pacing curve.
	Spontaneity float64

	// PostOnStartup posts once right after boot when pacing allows it.
	PostOnStartup bool

	// HourlySendMax is the shared outbound send budget. <= 0 disables
	// that gate here (the cooldown still applies).
	HourlySendMax int

	TickInterval time.Duration // default 60s
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.MinGap < 0 {
		c.MinGap = 0
	}
	if c.Mode != ModeSpontaneous {
		c.Mode = ModeEven
	}
	return c
}

// Sender is the slice of the gateway the scheduler needs.
type Sender interface {
	SendMessage(ctx context.Context, ch transport.ChannelRef, out transport.Outgoing) (transport.SentMessage, error)
}

// Gate is the shared outbound cooldown, normally the reply queue's.
type Gate interface {
	SendGateWait() time.Duration
	TakeSendToken() bool
}

// AccessFunc reports whether the agent can currently post into a channel.
// nil means every configured channel is assumed reachable.
type AccessFunc func(ctx context.Context, ch transport.ChannelRef) bool

type Scheduler struct {
	gen    generate.Generator
	sender Sender
	ledger *budget.Ledger
	store  store.Store
	gate   Gate
	access AccessFunc
	bus    eventbus.Bus
	log    logx.Logger

	rng RNG
	now func() time.Time

	mu  sync.Mutex
	cfg Config

	stopOnce sync.Once
	stopCh   chan struct{}
	stopDone chan struct{}
}

func New(cfg Config, gen generate.Generator, sender Sender, ledger *budget.Ledger,
	st store.Store, gate Gate, bus eventbus.Bus, rng RNG, log logx.Logger) *Scheduler {
	return &Scheduler{
		gen:      gen,
		sender:   sender,
		ledger:   ledger,
		store:    st,
		gate:     gate,
		bus:      bus,
		log:      log,
		rng:      rng,
		now:      time.Now,
		cfg:      cfg.withDefaults(),
		stopCh:   make(chan struct{}),
		stopDone: make(chan struct{}),
	}
}

// WithClock replaces the wall clock, including the ledger's. Test hook.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	if s.ledger != nil {
		s.ledger.WithClock(now)
	}
	return s
}

// WithAccess installs the channel reachability check.
func (s *Scheduler) WithAccess(fn AccessFunc) *Scheduler {
	s.access = fn
	return s
}

// Apply swaps pacing config at runtime.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.stopDone
}

// Run drives the pacing loop until ctx is done or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.stopDone)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("initiative scheduler panic",
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()

	s.maybeStartupPost(ctx)

	t := time.NewTicker(s.config().TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-t.C:
			s.tick(ctx)
		}
	}
}

// maybeStartupPost handles the boot special case: post immediately when
// nothing was ever posted, otherwise only once the minimum gap since
// the last recorded post has passed.
func (s *Scheduler) maybeStartupPost(ctx context.Context) {
	cfg := s.config()
	if !cfg.Enabled || !cfg.PostOnStartup || cfg.MaxPostsPerDay <= 0 || len(cfg.Channels) == 0 {
		return
	}
	last, has, err := s.lastPost(ctx)
	if err != nil {
		s.log.Warn("initiative last-post lookup failed", logx.Err(err))
		return
	}
	if has && s.now().Sub(last) < cfg.MinGap {
		return
	}
	if !s.gatesOpen(ctx, cfg) {
		return
	}
	s.post(ctx, cfg, true)
}

// tick runs one pacing evaluation.
func (s *Scheduler) tick(ctx context.Context) {
	cfg := s.config()
	if !cfg.Enabled || cfg.MaxPostsPerDay <= 0 || len(cfg.Channels) == 0 {
		return
	}
	if !s.gatesOpen(ctx, cfg) {
		return
	}

	last, has, err := s.lastPost(ctx)
	if err != nil {
		s.log.Warn("initiative last-post lookup failed", logx.Err(err))
		return
	}

	now := s.now()
	var due bool
	switch cfg.Mode {
	case ModeSpontaneous:
		st, err := s.ledger.Remaining(ctx, budget.KindInitiative, 24*time.Hour, cfg.MaxPostsPerDay)
		if err != nil {
			s.log.Warn("initiative budget lookup failed", logx.Err(err))
			return
		}
		due = spontaneousDue(now, last, has, cfg.MinGap, cfg.MaxPostsPerDay,
			cfg.Spontaneity, st.Used, cfg.TickInterval, s.rng)
	default:
		due = evenDue(now, last, has, cfg.MinGap, cfg.MaxPostsPerDay)
	}
	if !due {
		return
	}
	s.post(ctx, cfg, false)
}

// gatesOpen checks the preconditions shared by every posting path: the
// daily post cap, the global send budget, and the outbound cooldown.
func (s *Scheduler) gatesOpen(ctx context.Context, cfg Config) bool {
	st, err := s.ledger.Remaining(ctx, budget.KindInitiative, 24*time.Hour, cfg.MaxPostsPerDay)
	if err != nil {
		s.log.Warn("initiative budget lookup failed", logx.Err(err))
		return false
	}
	if !st.CanProceed {
		return false
	}
	if cfg.HourlySendMax > 0 {
		sendSt, err := s.ledger.Remaining(ctx, budget.KindMessage, time.Hour, cfg.HourlySendMax)
		if err != nil {
			s.log.Warn("send budget lookup failed", logx.Err(err))
			return false
		}
		if !sendSt.CanProceed {
			return false
		}
	}
	if s.gate != nil && s.gate.SendGateWait() > 0 {
		return false
	}
	return true
}

func (s *Scheduler) lastPost(ctx context.Context) (time.Time, bool, error) {
	if s.store == nil {
		return time.Time{}, false, nil
	}
	return s.store.LastAction(ctx, budget.KindInitiative)
}

// pickChannel returns the first reachable channel in a shuffled order,
// so posts spread across the configured set over time.
func (s *Scheduler) pickChannel(ctx context.Context, cfg Config) (transport.ChannelRef, bool) {
	chans := make([]transport.ChannelRef, len(cfg.Channels))
	copy(chans, cfg.Channels)
	if s.rng != nil {
		s.rng.Shuffle(len(chans), func(i, j int) { chans[i], chans[j] = chans[j], chans[i] })
	}
	for _, ch := range chans {
		if s.access == nil || s.access(ctx, ch) {
			return ch, true
		}
	}
	return transport.ChannelRef{}, false
}

func (s *Scheduler) post(ctx context.Context, cfg Config, startup bool) {
	ch, ok := s.pickChannel(ctx, cfg)
	if !ok {
		s.log.Warn("initiative skipped, no reachable channel")
		return
	}

	res, err := s.gen.Generate(ctx, generate.Request{Channel: ch, Initiative: true})
	if err != nil {
		s.log.Warn("initiative generation failed",
			logx.String("channel", ch.ChannelID), logx.Err(err))
		return
	}
	if res.Text == "" {
		s.log.Debug("initiative declined by generator",
			logx.String("channel", ch.ChannelID))
		return
	}

	if s.gate != nil && !s.gate.TakeSendToken() {
		// Lost the race against a concurrent reply; next tick retries.
		return
	}

	sent, err := s.sender.SendMessage(ctx, ch, transport.Outgoing{Text: res.Text})
	if err != nil {
		s.log.Warn("initiative send failed",
			logx.String("channel", ch.ChannelID), logx.Err(err))
		return
	}

	s.record(ch, res)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeInitiativePosted,
			Time: s.now(),
			Data: map[string]any{
				"channel": ch.ChannelID,
				"id":      sent.ID,
				"startup": startup,
			},
		})
	}
	s.log.Info("initiative posted",
		logx.String("channel", ch.ChannelID),
		logx.String("id", sent.ID),
		logx.Bool("startup", startup))
}

// record lands the bookkeeping in a fresh short context so a canceled
// run context cannot lose the post from the ledger.
func (s *Scheduler) record(ch transport.ChannelRef, res generate.Result) {
	bg, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	scope := store.Scope{GuildID: ch.GuildID, ChannelID: ch.ChannelID}
	if err := s.ledger.Record(bg, budget.KindInitiative, scope); err != nil {
		s.log.Warn("initiative record failed", logx.Err(err))
	}
	if err := s.ledger.Record(bg, budget.KindMessage, scope); err != nil {
		s.log.Warn("send record failed", logx.Err(err))
	}
	for _, kind := range res.MediaKinds {
		if err := s.ledger.Record(bg, kind, scope); err != nil {
			s.log.Warn(fmt.Sprintf("%s record failed", kind), logx.Err(err))
		}
	}
}
