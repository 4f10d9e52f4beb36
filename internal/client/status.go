package client

import (
	"sync"
	"time"
)

// Status is the UI-facing sync state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// statusTracker owns the status state machine including the debounced
// fall-back to idle. Direct success-to-idle transitions are suppressed so a
// just-finished sync stays visible; only the scheduled reset may downgrade.
type statusTracker struct {
	mu         sync.Mutex
	current    Status
	resetTimer *time.Timer
	onChange   func(next Status, details map[string]any)
}

func newStatusTracker(onChange func(next Status, details map[string]any)) *statusTracker {
	return &statusTracker{current: StatusIdle, onChange: onChange}
}

func (t *statusTracker) Current() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Set applies a transition under the debounce policy: success never drops
// straight to idle, and entering syncing cancels any pending reset.
func (t *statusTracker) Set(next Status, details map[string]any) {
	t.mu.Lock()
	if t.current == StatusSuccess && next == StatusIdle {
		t.mu.Unlock()
		return
	}
	if next == StatusSyncing {
		t.cancelResetLocked()
	}
	t.current = next
	t.mu.Unlock()
	t.onChange(next, details)
}

// ScheduleReset arms the timer that falls back to idle, provided the status
// is still the one the reset was scheduled from when it fires.
func (t *statusTracker) ScheduleReset(from Status, delay time.Duration) {
	t.mu.Lock()
	t.cancelResetLocked()
	t.resetTimer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if t.current != from {
			t.mu.Unlock()
			return
		}
		t.current = StatusIdle
		t.mu.Unlock()
		t.onChange(StatusIdle, nil)
	})
	t.mu.Unlock()
}

func (t *statusTracker) cancelResetLocked() {
	if t.resetTimer != nil {
		t.resetTimer.Stop()
		t.resetTimer = nil
	}
}
