// Package replyqueue buffers admitted messages per channel and serializes
// response generation through a single worker per channel.
//
// Concepts
//
// A Job is one admitted inbound message. Jobs are appended to a bounded
// per-channel queue; the first enqueue for an idle channel starts a worker,
// which self-terminates when the queue drains. Within a channel, jobs are
// processed in enqueue order except for burst coalescing: several rapid
// messages from the same author are answered together as one unit.
//
// Pacing
//
// Before dequeuing, a worker waits out two gates: a minimum cooldown
// between any two outbound sends (a rate.Limiter token) and the hourly
// send budget (the budget ledger). Both waits are bounded; the worker
// re-loops without dequeuing so queue order is preserved and nothing is
// lost while waiting.
//
// Failure
//
// Send failures retry a fixed number of times with linear backoff, requeued
// at the head so newer jobs cannot overtake. Beyond the retry limit the
// burst is dropped and logged; a bad job never deadlocks its channel.
package replyqueue
