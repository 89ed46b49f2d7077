package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. It backs the "memory" driver and is the
// store used throughout the tests.
type Memory struct {
	mu        sync.Mutex
	actions   []ActionRecord
	responses map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{responses: map[string]time.Time{}}
}

func (m *Memory) RecordAction(ctx context.Context, kind string, scope Scope, at time.Time) error {
	_ = ctx
	if at.IsZero() {
		at = time.Now()
	}
	m.mu.Lock()
	m.actions = append(m.actions, ActionRecord{Kind: kind, Scope: scope, At: at})
	m.mu.Unlock()
	return nil
}

func (m *Memory) CountSince(ctx context.Context, kind string, since time.Time) (int, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.actions {
		if a.Kind == kind && !a.At.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) LastAction(ctx context.Context, kind string) (time.Time, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	var last time.Time
	found := false
	for _, a := range m.actions {
		if a.Kind == kind && (!found || a.At.After(last)) {
			last = a.At
			found = true
		}
	}
	return last, found, nil
}

func (m *Memory) MarkResponded(ctx context.Context, messageID string, at time.Time) error {
	_ = ctx
	if messageID == "" {
		return nil
	}
	if at.IsZero() {
		at = time.Now()
	}
	m.mu.Lock()
	if _, ok := m.responses[messageID]; !ok {
		m.responses[messageID] = at
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) HasTriggeredResponse(ctx context.Context, messageID string) (bool, error) {
	_ = ctx
	m.mu.Lock()
	_, ok := m.responses[messageID]
	m.mu.Unlock()
	return ok, nil
}

func (m *Memory) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	kept := m.actions[:0]
	for _, a := range m.actions {
		if a.At.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	m.actions = kept
	for id, at := range m.responses {
		if at.Before(cutoff) {
			delete(m.responses, id)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Close() error { return nil }
