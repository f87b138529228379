package testutil

import (
	"sync"
	"time"

	"pollsched/internal/clock"
)

// MockClock provides controllable time for testing. Timers fire when Advance
// or Set moves the clock past their deadline.
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	timers map[*mockTimer]struct{}
	armed  chan struct{}
}

var _ clock.Clock = (*MockClock)(nil)

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{
		now:    start,
		timers: map[*mockTimer]struct{}{},
		armed:  make(chan struct{}, 64),
	}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.fireLocked()
	m.mu.Unlock()
}

func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.fireLocked()
	m.mu.Unlock()
}

// Pending reports the number of armed timers.
func (m *MockClock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// WaitForTimers blocks until at least n timers are armed or timeout expires.
func (m *MockClock) WaitForTimers(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if m.Pending() >= n {
			return true
		}
		select {
		case <-m.armed:
		case <-deadline:
			return m.Pending() >= n
		}
	}
}

func (m *MockClock) NewTimer(d time.Duration) clock.Timer {
	t := &mockTimer{clock: m, c: make(chan time.Time, 1)}
	m.mu.Lock()
	m.armLocked(t, d)
	m.mu.Unlock()
	return t
}

func (m *MockClock) armLocked(t *mockTimer, d time.Duration) {
	t.deadline = m.now.Add(d)
	if d <= 0 {
		t.fire(m.now)
		return
	}
	m.timers[t] = struct{}{}
	select {
	case m.armed <- struct{}{}:
	default:
	}
}

func (m *MockClock) fireLocked() {
	for t := range m.timers {
		if !m.now.Before(t.deadline) {
			delete(m.timers, t)
			t.fire(m.now)
		}
	}
}

type mockTimer struct {
	clock    *MockClock
	c        chan time.Time
	deadline time.Time
}

func (t *mockTimer) fire(now time.Time) {
	select {
	case t.c <- now:
	default:
	}
}

func (t *mockTimer) C() <-chan time.Time { return t.c }

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	_, ok := t.clock.timers[t]
	delete(t.clock.timers, t)
	return ok
}

func (t *mockTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	_, ok := t.clock.timers[t]
	delete(t.clock.timers, t)
	t.clock.armLocked(t, d)
	return ok
}
