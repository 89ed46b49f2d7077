package store

// Package store is the counter/event store behind the budget ledger and the
// admission idempotency guard.
//
// It keeps two things:
//   - An append-only log of timestamped actions (sends, reactions, media
//     generations, ...) queried only as counts over a trailing window.
//   - A record of message ids that already triggered a response, so a
//     message is never answered twice across enqueue paths or restarts.
