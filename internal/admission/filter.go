package admission

import (
	"strings"

	"banterbot/internal/transport"
)

// Settings is an immutable snapshot of the knobs the filter reads. Callers
// fetch a fresh snapshot at every decision point instead of capturing one
// at enqueue time, so a config flip between enqueue and dequeue is honored.
type Settings struct {
	// RepliesEnabled gates all outbound replies. Checked again at dequeue
	// time by the reply queue.
	RepliesEnabled bool
	// SelfID is the agent's own user id on the platform.
	SelfID string
	// NameKeywords trigger a direct address when they appear in a message
	// as a standalone word (case-insensitive).
	NameKeywords []string
	// AmbientReplies allows responding to messages that do not address the
	// agent, when the agent is still "in the conversation".
	AmbientReplies bool
	// RecencyWindow is how many most-recent channel messages count for the
	// still-in-conversation heuristic.
	RecencyWindow int
	// DisallowedUsers never get responses.
	DisallowedUsers []string
}

const defaultRecencyWindow = 5

// Signal is the address classification of one message. It is computed once
// per message and attached to its job; burst coalescing reuses it so
// re-computation can never change the first decision.
type Signal struct {
	Direct    bool
	Triggered bool
	Reason    string
}

// Merge returns the union of two signals. A burst is triggered when any of
// its members was.
func (s Signal) Merge(o Signal) Signal {
	out := Signal{
		Direct:    s.Direct || o.Direct,
		Triggered: s.Triggered || o.Triggered,
		Reason:    s.Reason,
	}
	if out.Reason == "" {
		out.Reason = o.Reason
	}
	return out
}

// Compute classifies a message: explicit mention, name-keyword match, or a
// reply to one of the agent's own messages all count as a direct address.
func Compute(msg transport.Message, s Settings) Signal {
	for _, id := range msg.Mentions {
		if id != "" && id == s.SelfID {
			return Signal{Direct: true, Triggered: true, Reason: "mention"}
		}
	}
	if msg.ReplyToAuthorID != "" && msg.ReplyToAuthorID == s.SelfID {
		return Signal{Direct: true, Triggered: true, Reason: "reply"}
	}
	if matchesKeyword(msg.Text, s.NameKeywords) {
		return Signal{Direct: true, Triggered: true, Reason: "name"}
	}
	return Signal{}
}

// ShouldAttempt decides whether a message warrants a response attempt at
// all. recent is the channel's message history, newest first, including
// the agent's own messages.
func ShouldAttempt(force bool, sig Signal, recent []transport.Message, s Settings) bool {
	if force || sig.Direct {
		return true
	}
	if !s.AmbientReplies {
		return false
	}
	n := s.RecencyWindow
	if n <= 0 {
		n = defaultRecencyWindow
	}
	// Still in this conversation: the agent spoke within the last n messages.
	for i, m := range recent {
		if i >= n {
			break
		}
		if m.AuthorID == s.SelfID {
			return true
		}
	}
	return false
}

// IsDisallowed reports whether the author must never get a response
// (the agent itself, or an explicitly disallowed user).
func (s Settings) IsDisallowed(userID string) bool {
	if userID == "" || userID == s.SelfID {
		return true
	}
	for _, id := range s.DisallowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

func matchesKeyword(text string, keywords []string) bool {
	if text == "" || len(keywords) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		idx := 0
		for {
			i := strings.Index(lower[idx:], kw)
			if i < 0 {
				break
			}
			start := idx + i
			end := start + len(kw)
			if isWordBoundary(lower, start-1) && isWordBoundary(lower, end) {
				return true
			}
			idx = end
		}
	}
	return false
}

func isWordBoundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_')
}
