package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "banterbot/pkg/logx"
)

type fakeClient struct {
	mu       sync.Mutex
	ready    bool
	loginErr error
	logins   int
	inflight int
	maxSeen  int
}

func (f *fakeClient) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeClient) Login(ctx context.Context) error {
	f.mu.Lock()
	f.logins++
	f.inflight++
	if f.inflight > f.maxSeen {
		f.maxSeen = f.inflight
	}
	err := f.loginErr
	f.mu.Unlock()

	// Give concurrent attempts a chance to overlap if the guard is broken.
	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.inflight--
	if err == nil {
		f.ready = true
	}
	f.mu.Unlock()
	return err
}

func TestBackoffFormula(t *testing.T) {
	t.Parallel()
	base := 5 * time.Second
	ceiling := 60 * time.Second

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 0},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 60 * time.Second}, // 80s capped
		{9, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(base, ceiling, tt.attempts); got != tt.want {
			t.Fatalf("Backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestStaleTriggersSingleReconnect(t *testing.T) {
	t.Parallel()
	client := &fakeClient{}

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var nowMu sync.Mutex
	clock := func() time.Time {
		nowMu.Lock()
		defer nowMu.Unlock()
		return now
	}

	m := NewMonitor(Config{StaleThreshold: 2 * time.Minute}, client, nil, logx.Nop()).WithClock(clock)
	m.NoteEvent(now)

	// Fresh events keep the watchdog quiet.
	m.tick(context.Background())
	if got := m.Snapshot().State; got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}

	nowMu.Lock()
	now = now.Add(3 * time.Minute)
	nowMu.Unlock()

	// Concurrent watchdog ticks must yield exactly one login attempt.
	for i := 0; i < 5; i++ {
		go m.tick(context.Background())
	}
	m.tick(context.Background())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		client.mu.Lock()
		done := client.logins > 0 && client.inflight == 0
		client.mu.Unlock()
		if done {
			break
		}
		time.Sleep(time.Millisecond)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.logins != 1 {
		t.Fatalf("logins = %d, want 1", client.logins)
	}
	if client.maxSeen > 1 {
		t.Fatalf("reconnect attempts overlapped: %d in flight", client.maxSeen)
	}
}

func TestFailedReconnectSchedulesBackoff(t *testing.T) {
	t.Parallel()
	client := &fakeClient{loginErr: errors.New("login refused")}

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var nowMu sync.Mutex
	clock := func() time.Time {
		nowMu.Lock()
		defer nowMu.Unlock()
		return now
	}

	m := NewMonitor(Config{
		StaleThreshold: time.Minute,
		BackoffBase:    5 * time.Second,
		BackoffCap:     60 * time.Second,
	}, client, nil, logx.Nop()).WithClock(clock)
	m.NoteEvent(now)

	nowMu.Lock()
	now = now.Add(2 * time.Minute)
	nowMu.Unlock()
	m.tick(context.Background())

	waitAttempts := func(n int) {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if h := m.Snapshot(); h.ReconnectAttempts == n && !h.ReconnectInFlight {
				return
			}
			time.Sleep(time.Millisecond)
		}
		t.Fatalf("timed out waiting for %d attempts (have %+v)", n, m.Snapshot())
	}
	waitAttempts(1)

	// Retry is not due until the backoff elapses.
	m.tick(context.Background())
	if client.logins != 1 {
		t.Fatalf("retry fired before backoff elapsed")
	}

	nowMu.Lock()
	now = now.Add(6 * time.Second)
	nowMu.Unlock()
	m.tick(context.Background())
	waitAttempts(2)

	// Successful login resets the counter and restores connected state.
	client.mu.Lock()
	client.loginErr = nil
	client.mu.Unlock()
	nowMu.Lock()
	now = now.Add(time.Minute)
	nowMu.Unlock()
	m.tick(context.Background())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h := m.Snapshot(); h.State == StateConnected && h.ReconnectAttempts == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("never recovered: %+v", m.Snapshot())
}

func TestSessionInvalidSchedulesImmediateReconnect(t *testing.T) {
	t.Parallel()
	client := &fakeClient{ready: true}

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var nowMu sync.Mutex
	clock := func() time.Time {
		nowMu.Lock()
		defer nowMu.Unlock()
		return now
	}

	m := NewMonitor(Config{InvalidDelay: time.Second}, client, nil, logx.Nop()).WithClock(clock)
	m.NoteEvent(now) // connection looks perfectly healthy

	m.NoteSessionInvalid()
	if got := m.Snapshot().State; got != StateReconnecting {
		t.Fatalf("state = %v, want reconnecting", got)
	}

	nowMu.Lock()
	now = now.Add(2 * time.Second)
	nowMu.Unlock()
	m.tick(context.Background())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		client.mu.Lock()
		n := client.logins
		client.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("session invalidation did not force a reconnect")
}

func TestRunWakesAtRetryTime(t *testing.T) {
	t.Parallel()
	client := &fakeClient{ready: true, loginErr: errors.New("login refused")}

	// The watchdog interval is far beyond the test horizon, so only the
	// scheduled wake-ups can drive the loop.
	m := NewMonitor(Config{
		WatchdogInterval: time.Hour,
		InvalidDelay:     20 * time.Millisecond,
		BackoffBase:      20 * time.Millisecond,
		BackoffCap:       100 * time.Millisecond,
	}, client, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitLogins := func(n int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			client.mu.Lock()
			got := client.logins
			client.mu.Unlock()
			if got >= n {
				return
			}
			time.Sleep(time.Millisecond)
		}
		t.Fatalf("timed out waiting for login attempt %d", n)
	}

	m.NoteSessionInvalid()
	waitLogins(1)

	// Failed attempts reschedule themselves at the backoff deadline, again
	// without a periodic tick to lean on.
	waitLogins(2)

	client.mu.Lock()
	client.loginErr = nil
	client.mu.Unlock()
	waitLogins(3)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h := m.Snapshot(); h.State == StateConnected && h.ReconnectAttempts == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("never recovered: %+v", m.Snapshot())
}

func TestStoppingShortCircuits(t *testing.T) {
	t.Parallel()
	client := &fakeClient{}

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := NewMonitor(Config{StaleThreshold: time.Minute}, client, nil, logx.Nop()).
		WithClock(func() time.Time { return now.Add(time.Hour) })
	m.Stop()
	m.tick(context.Background())
	m.NoteSessionInvalid()

	time.Sleep(10 * time.Millisecond)
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.logins != 0 {
		t.Fatalf("stopping monitor attempted %d logins", client.logins)
	}
}
