package admission

import (
	"testing"

	"banterbot/internal/transport"
)

func baseSettings() Settings {
	return Settings{
		SelfID:         "bot",
		NameKeywords:   []string{"banter"},
		AmbientReplies: true,
		RecencyWindow:  5,
	}
}

func TestComputeDirectAddress(t *testing.T) {
	t.Parallel()
	s := baseSettings()

	tests := []struct {
		name   string
		msg    transport.Message
		direct bool
		reason string
	}{
		{name: "mention", msg: transport.Message{Mentions: []string{"bot"}, Text: "hi"}, direct: true, reason: "mention"},
		{name: "reply to self", msg: transport.Message{ReplyToAuthorID: "bot", ReplyToID: "m1"}, direct: true, reason: "reply"},
		{name: "name keyword", msg: transport.Message{Text: "hey Banter, what's up"}, direct: true, reason: "name"},
		{name: "keyword inside word", msg: transport.Message{Text: "bantering about stuff"}, direct: false},
		{name: "plain chatter", msg: transport.Message{Text: "anyone around?"}, direct: false},
		{name: "reply to someone else", msg: transport.Message{ReplyToAuthorID: "u9", Text: "sure"}, direct: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			sig := Compute(tt.msg, s)
			if sig.Direct != tt.direct {
				t.Fatalf("Direct = %v, want %v", sig.Direct, tt.direct)
			}
			if tt.direct && sig.Reason != tt.reason {
				t.Fatalf("Reason = %q, want %q", sig.Reason, tt.reason)
			}
			if sig.Direct != sig.Triggered {
				t.Fatalf("Triggered should follow Direct at compute time")
			}
		})
	}
}

func TestShouldAttemptAmbientRecency(t *testing.T) {
	t.Parallel()
	s := baseSettings()

	recentWithBot := []transport.Message{
		{AuthorID: "u1"},
		{AuthorID: "u2"},
		{AuthorID: "bot"},
	}
	if !ShouldAttempt(false, Signal{}, recentWithBot, s) {
		t.Fatal("ambient reply expected while still in conversation")
	}

	// Bot spoke, but 6 messages ago (window is 5).
	stale := []transport.Message{
		{AuthorID: "u1"}, {AuthorID: "u2"}, {AuthorID: "u3"},
		{AuthorID: "u4"}, {AuthorID: "u5"}, {AuthorID: "bot"},
	}
	if ShouldAttempt(false, Signal{}, stale, s) {
		t.Fatal("conversation went stale; ambient reply not expected")
	}

	s.AmbientReplies = false
	if ShouldAttempt(false, Signal{}, recentWithBot, s) {
		t.Fatal("ambient replies disabled")
	}
	if !ShouldAttempt(true, Signal{}, nil, s) {
		t.Fatal("force always attempts")
	}
	if !ShouldAttempt(false, Signal{Direct: true, Triggered: true}, nil, s) {
		t.Fatal("direct address always attempts")
	}
}

func TestSignalMerge(t *testing.T) {
	t.Parallel()
	a := Signal{}
	b := Signal{Direct: true, Triggered: true, Reason: "mention"}
	m := a.Merge(b)
	if !m.Direct || !m.Triggered || m.Reason != "mention" {
		t.Fatalf("merge lost trigger: %+v", m)
	}
	// OR-ing is symmetric for the flags.
	m2 := b.Merge(a)
	if !m2.Direct || !m2.Triggered {
		t.Fatalf("merge lost trigger: %+v", m2)
	}
}

func TestLogRecentOrder(t *testing.T) {
	t.Parallel()
	l := NewLog(3)
	ch := transport.ChannelRef{GuildID: "g", ChannelID: "c"}
	for _, id := range []string{"1", "2", "3", "4"} {
		l.Observe(transport.Message{ID: id, GuildID: "g", ChannelID: "c"})
	}
	got := l.Recent(ch, 10)
	if len(got) != 3 {
		t.Fatalf("ring should cap at 3, got %d", len(got))
	}
	if got[0].ID != "4" || got[2].ID != "2" {
		t.Fatalf("expected newest first, got %v %v %v", got[0].ID, got[1].ID, got[2].ID)
	}
}
