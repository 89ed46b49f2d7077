package replyqueue

import (
	"time"

	"banterbot/internal/admission"
	"banterbot/internal/transport"
)

type Source string

const (
	SourceInbound       Source = "inbound"
	SourceCoalesced     Source = "coalesced"
	SourceStartupReplay Source = "startup_replay"
)

// Job is one admitted message awaiting a response turn. A job is owned
// exclusively by its channel's queue from enqueue to dequeue.
type Job struct {
	Message transport.Message
	Source  Source
	// ForceRespond bypasses the ambient-conversation heuristic (startup
	// replay, explicit triggers).
	ForceRespond bool
	// Signal is computed once at admission time and reused across
	// coalescing; it is never recomputed.
	Signal     admission.Signal
	EnqueuedAt time.Time
	Attempts   int
}

type Config struct {
	// QueueCap is the hard per-channel queue bound; overflow is dropped
	// and logged, never blocking the producer.
	QueueCap int // default 60

	// CoalesceWindow merges rapid consecutive same-author messages into
	// one response turn. 0 disables coalescing.
	CoalesceWindow time.Duration // default 2s
	MaxCoalesce    int           // default 5

	// SendCooldown is the minimum gap between any two outbound sends.
	SendCooldown time.Duration // default 10s
	// HourlySendMax is the hourly send budget consulted in the ledger.
	// <= 0 disables the budget gate (the cooldown still applies).
	HourlySendMax int
	// MaxRateWait bounds any single pacing sleep; the worker re-checks
	// after it elapses.
	MaxRateWait time.Duration // default 30s

	// RetryMax transient send failures are retried with linear backoff
	// before the burst is dropped.
	RetryMax   int           // default 2
	RetryDelay time.Duration // default 2s, grows linearly per attempt
}

func (c Config) withDefaults() Config {
	if c.QueueCap <= 0 {
		c.QueueCap = 60
	}
	if c.MaxCoalesce <= 0 {
		c.MaxCoalesce = 5
	}
	if c.SendCooldown < 0 {
		c.SendCooldown = 0
	}
	if c.MaxRateWait <= 0 {
		c.MaxRateWait = 30 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	return c
}

// channelQueue is the per-channel job list plus the single-worker flag.
// Both are guarded by the manager mutex; workerActive is the mutual
// exclusion invariant (never two workers per channel).
type channelQueue struct {
	jobs         []Job
	workerActive bool
}
