package generate

import (
	"context"
	"fmt"
	"strings"

	"banterbot/internal/transport"
)

// Request is the unit handed to the generator: one message, or a coalesced
// burst from the same author, plus the recent channel context.
type Request struct {
	Channel transport.ChannelRef
	// Burst holds the trigger messages, oldest first. Len >= 1.
	Burst []transport.Message
	// Recent is channel context, newest first. May be empty.
	Recent []transport.Message
	// Triggered is true when any burst member directly addressed the agent
	// or was forced.
	Triggered bool
	// Initiative marks an unprompted post (no trigger messages).
	Initiative bool
}

// Result is what the generator produced. Empty Text and Reaction with a
// nil error means the generator chose not to respond, which is a valid
// outcome.
type Result struct {
	Text string
	// Reaction optionally names an emoji to add on the newest trigger
	// message. It may accompany Text or stand alone as the whole
	// response.
	Reaction string
	// MediaKinds names budget-tracked side resources the generation
	// consumed (image_gen, web_search, ...) so the caller can record them.
	MediaKinds []string
}

// Generator is the language-generation collaborator. This core treats it
// as a black box with a cost (time) and a failure mode (error).
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to the Generator interface.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Generate(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// Echo is a deterministic placeholder generator so the binary runs
// end-to-end without a language model wired in.
type Echo struct{}

func (Echo) Generate(ctx context.Context, req Request) (Result, error) {
	_ = ctx
	if req.Initiative {
		return Result{Text: "so... anyone up to anything interesting?"}, nil
	}
	if len(req.Burst) == 0 {
		return Result{}, fmt.Errorf("generate: empty burst")
	}
	last := req.Burst[len(req.Burst)-1]
	text := strings.TrimSpace(last.Text)
	if text == "" {
		return Result{Text: "hm?"}, nil
	}
	return Result{Text: "you said: " + text}, nil
}
