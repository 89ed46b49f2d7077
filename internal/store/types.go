package store

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("store disabled")

// Config configures the store.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process only, lost on restart
//
// If Driver is empty or "none", the store is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Scope identifies where an action happened and on whose behalf.
// Any field may be empty when it does not apply (e.g. a global action).
type Scope struct {
	GuildID   string
	ChannelID string
	UserID    string
}

// ActionRecord is one row of the append-only action log.
// Timestamps are monotonically non-decreasing per process; records are
// never mutated, only appended and (by housekeeping) pruned.
type ActionRecord struct {
	Kind  string
	Scope Scope
	At    time.Time
}

// Store is the persistence API used by the budget ledger, the reply queue
// and startup reconciliation.
type Store interface {
	RecordAction(ctx context.Context, kind string, scope Scope, at time.Time) error
	CountSince(ctx context.Context, kind string, since time.Time) (int, error)
	// LastAction returns the timestamp of the most recent action of kind,
	// ok=false when none has ever been recorded.
	LastAction(ctx context.Context, kind string) (time.Time, bool, error)

	MarkResponded(ctx context.Context, messageID string, at time.Time) error
	HasTriggeredResponse(ctx context.Context, messageID string) (bool, error)

	// PruneBefore drops action records and response marks older than cutoff.
	// Retention is a housekeeping concern; nothing in the scheduling core
	// calls this.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
