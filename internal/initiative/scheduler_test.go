package initiative

import (
	"context"
	"sync"
	"testing"
	"time"

	"banterbot/internal/budget"
	"banterbot/internal/generate"
	"banterbot/internal/store"
	"banterbot/internal/transport"
	logx "banterbot/pkg/logx"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  []transport.Outgoing
	chans []transport.ChannelRef
}

func (s *recordingSender) SendMessage(ctx context.Context, ch transport.ChannelRef, out transport.Outgoing) (transport.SentMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, out)
	s.chans = append(s.chans, ch)
	return transport.SentMessage{ID: "sent-1", Channel: ch, At: time.Now()}, nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type openGate struct{}

func (openGate) SendGateWait() time.Duration { return 0 }
func (openGate) TakeSendToken() bool         { return true }

func testScheduler(t *testing.T, cfg Config, mem *store.Memory, rng RNG) (*Scheduler, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	gen := generate.Func(func(ctx context.Context, req generate.Request) (generate.Result, error) {
		return generate.Result{Text: "hello there"}, nil
	})
	ledger := budget.NewLedger(mem)
	s := New(cfg, gen, sender, ledger, mem, openGate{}, nil, rng, logx.Nop())
	return s, sender
}

func TestTickPostsWhenDue(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	cfg := Config{
		Enabled:        true,
		Channels:       []transport.ChannelRef{{GuildID: "g", ChannelID: "c1"}},
		MaxPostsPerDay: 24,
		MinGap:         30 * time.Minute,
		Mode:           ModeEven,
	}
	s, sender := testScheduler(t, cfg, mem, &fixedRNG{})

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return now })

	// Seed a post 61 minutes ago; implied even interval is 1h.
	if err := mem.RecordAction(context.Background(), budget.KindInitiative,
		store.Scope{ChannelID: "c1"}, now.Add(-61*time.Minute)); err != nil {
		t.Fatal(err)
	}

	s.tick(context.Background())
	if sender.count() != 1 {
		t.Fatalf("sent %d posts, want 1", sender.count())
	}

	// Fresh recorded post resets the gap; the next tick must stay quiet.
	s.tick(context.Background())
	if sender.count() != 1 {
		t.Fatalf("sent %d posts after reset, want 1", sender.count())
	}
}

func TestTickRespectsDailyCap(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	cfg := Config{
		Enabled:        true,
		Channels:       []transport.ChannelRef{{ChannelID: "c1"}},
		MaxPostsPerDay: 2,
		Mode:           ModeEven,
	}
	s, sender := testScheduler(t, cfg, mem, &fixedRNG{})

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return now })

	// Cap already spent inside the rolling day, last post long ago.
	for _, ago := range []time.Duration{20 * time.Hour, 15 * time.Hour} {
		if err := mem.RecordAction(context.Background(), budget.KindInitiative,
			store.Scope{ChannelID: "c1"}, now.Add(-ago)); err != nil {
			t.Fatal(err)
		}
	}

	s.tick(context.Background())
	if sender.count() != 0 {
		t.Fatalf("sent %d posts at cap, want 0", sender.count())
	}
}

func TestStartupPostFirstBoot(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	cfg := Config{
		Enabled:        true,
		PostOnStartup:  true,
		Channels:       []transport.ChannelRef{{ChannelID: "c1"}},
		MaxPostsPerDay: 10,
		MinGap:         time.Hour,
		Mode:           ModeEven,
	}
	s, sender := testScheduler(t, cfg, mem, &fixedRNG{})

	s.maybeStartupPost(context.Background())
	if sender.count() != 1 {
		t.Fatalf("first boot sent %d posts, want 1", sender.count())
	}
}

func TestStartupPostHonorsMinGap(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	cfg := Config{
		Enabled:        true,
		PostOnStartup:  true,
		Channels:       []transport.ChannelRef{{ChannelID: "c1"}},
		MaxPostsPerDay: 10,
		MinGap:         time.Hour,
		Mode:           ModeEven,
	}
	s, sender := testScheduler(t, cfg, mem, &fixedRNG{})

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return now })
	if err := mem.RecordAction(context.Background(), budget.KindInitiative,
		store.Scope{ChannelID: "c1"}, now.Add(-10*time.Minute)); err != nil {
		t.Fatal(err)
	}

	s.maybeStartupPost(context.Background())
	if sender.count() != 0 {
		t.Fatalf("restart inside min gap sent %d posts, want 0", sender.count())
	}
}

func TestPickChannelSkipsUnreachable(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	cfg := Config{
		Enabled:        true,
		Channels:       []transport.ChannelRef{{ChannelID: "c1"}, {ChannelID: "c2"}},
		MaxPostsPerDay: 10,
		Mode:           ModeEven,
	}
	s, sender := testScheduler(t, cfg, mem, &fixedRNG{})
	s.WithAccess(func(ctx context.Context, ch transport.ChannelRef) bool {
		return ch.ChannelID == "c2"
	})

	s.tick(context.Background())
	if sender.count() != 1 {
		t.Fatalf("sent %d posts, want 1", sender.count())
	}
	if got := sender.chans[0].ChannelID; got != "c2" {
		t.Fatalf("posted to %q, want the reachable channel c2", got)
	}
}
