package budget

import (
	"context"
	"time"

	"banterbot/internal/store"
)

// Action kinds tracked by the ledger. The ledger itself is kind-agnostic;
// these are the kinds the rest of the repo records and budgets against.
const (
	KindMessage      = "message"
	KindReaction     = "reaction"
	KindImageGen     = "image_gen"
	KindVideoGen     = "video_gen"
	KindGifFetch     = "gif_fetch"
	KindWebSearch    = "web_search"
	KindVideoContext = "video_context"
	KindInitiative   = "initiative_post"
)

// State is the derived budget position for one kind over one window.
// It is computed on demand and never stored.
type State struct {
	Kind       string
	Window     time.Duration
	MaxAllowed int
	Used       int
	Remaining  int
	CanProceed bool
}

// Ledger answers "is this action allowed right now, and how many remain"
// by counting action records inside a sliding window. It is a pure reader
// of the store; recording is the caller's job after the action succeeds.
type Ledger struct {
	store store.Store
	now   func() time.Time
}

func NewLedger(st store.Store) *Ledger {
	return &Ledger{store: st, now: time.Now}
}

// WithClock overrides the time source. Tests only.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Remaining computes the budget state for kind over the trailing window.
//
// maxAllowed <= 0 always yields CanProceed=false: a zero cap is how a
// budget is administratively disabled. A nil or empty store counts as
// zero used.
func (l *Ledger) Remaining(ctx context.Context, kind string, window time.Duration, maxAllowed int) (State, error) {
	st := State{Kind: kind, Window: window, MaxAllowed: maxAllowed}
	if maxAllowed <= 0 {
		return st, nil
	}

	used := 0
	if l.store != nil {
		n, err := l.store.CountSince(ctx, kind, l.now().Add(-window))
		if err != nil {
			return st, err
		}
		used = n
	}

	st.Used = used
	st.Remaining = maxAllowed - used
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	st.CanProceed = used < maxAllowed
	return st, nil
}

// Record appends an action to the ledger's store. No-op without a store.
func (l *Ledger) Record(ctx context.Context, kind string, scope store.Scope) error {
	if l.store == nil {
		return nil
	}
	return l.store.RecordAction(ctx, kind, scope, l.now())
}
