package transport

import (
	"context"
	"time"
)

type EventKind string

const (
	EventMessage  EventKind = "message"
	EventReaction EventKind = "reaction"
	// EventSessionInvalid signals that the platform invalidated the current
	// session and an immediate re-login is required.
	EventSessionInvalid EventKind = "session_invalid"
)

type Event struct {
	Kind     EventKind
	At       time.Time
	Message  *Message
	Reaction *Reaction
}

// Message is a platform message normalized to string ids.
// Adapters format their native id types (Telegram int64 chat ids,
// Discord snowflakes, ...) into these fields.
type Message struct {
	ID         string
	GuildID    string
	ChannelID  string
	AuthorID   string
	AuthorName string
	Text       string

	// ReplyToID / ReplyToAuthorID identify the message this one replies to
	// (empty if it is not a reply).
	ReplyToID       string
	ReplyToAuthorID string

	// Mentions holds user ids explicitly mentioned in the message.
	Mentions []string

	At time.Time
}

type Reaction struct {
	MessageID string
	GuildID   string
	ChannelID string
	UserID    string
	Emoji     string
}

type ChannelRef struct {
	GuildID   string
	ChannelID string
}

type Outgoing struct {
	Text string
	// ReplyToID makes the send a threaded reply when non-empty.
	ReplyToID string
	Silent    bool
}

type SentMessage struct {
	ID      string
	Channel ChannelRef
	At      time.Time
}

// Gateway is the long-lived connection to the chat platform.
//
// Start delivers events to out until Stop; delivery is non-blocking on the
// adapter side (slow consumers drop, counted and logged by the adapter).
// Login re-establishes the session and is what the health monitor calls on
// reconnect; it must be safe to call while the event loop is running.
type Gateway interface {
	Start(ctx context.Context, out chan<- Event) error
	Stop(ctx context.Context) error
	Login(ctx context.Context) error

	// Ready reports whether the underlying client currently holds a live
	// session. Used by the health watchdog alongside event recency.
	Ready() bool

	// SelfID returns the agent's own user id on the platform.
	SelfID() string

	SendMessage(ctx context.Context, ch ChannelRef, out Outgoing) (SentMessage, error)
	React(ctx context.Context, ch ChannelRef, messageID, emoji string) error

	// History returns up to limit recent messages for a channel,
	// newest-first. Adapters whose platform has no history endpoint may
	// serve this from a session-local buffer.
	History(ctx context.Context, ch ChannelRef, limit int) ([]Message, error)
}
