package lib

import (
	"sync"
	"time"
)

// TimerHandler receives timer expirations. The token is whatever was passed to Schedule.
type TimerHandler interface {
	OnTimerFire(token interface{})
}

// TimerService schedules one-shot callbacks.
type TimerService interface {
	Schedule(delay time.Duration, h TimerHandler, token interface{}) *Timer
	Cancel(t *Timer)
}

// Timer is the handle returned by TimerService.Schedule
type Timer struct {
	Delay time.Duration
	Token interface{}

	mu        sync.Mutex
	cancelled bool
	fired     bool
	stop      func() bool
}

// Cancelled reports whether Cancel was called before the timer fired.
func (t *Timer) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// fire marks the timer as fired. It returns false if the timer was cancelled first.
func (t *Timer) fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled || t.fired {
		return false
	}
	t.fired = true
	return true
}

func (t *Timer) cancel() {
	t.mu.Lock()
	t.cancelled = true
	stop := t.stop
	t.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// WallClockTimers runs every callback on its own goroutine via time.AfterFunc.
type WallClockTimers struct {
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[*Timer]struct{}
	closed bool
}

func NewWallClockTimers() *WallClockTimers {
	return &WallClockTimers{active: make(map[*Timer]struct{})}
}

func (w *WallClockTimers) Schedule(delay time.Duration, h TimerHandler, token interface{}) *Timer {
	t := &Timer{Delay: delay, Token: token}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		t.cancelled = true
		return t
	}
	w.active[t] = struct{}{}
	w.wg.Add(1)

	at := time.AfterFunc(delay, func() {
		defer w.wg.Done()
		w.forget(t)
		if t.fire() {
			h.OnTimerFire(token)
		}
	})
	t.mu.Lock()
	t.stop = func() bool {
		if at.Stop() {
			// the callback will never run, so account for it here
			w.forget(t)
			w.wg.Done()
			return true
		}
		return false
	}
	t.mu.Unlock()
	return t
}

func (w *WallClockTimers) Cancel(t *Timer) {
	if t == nil {
		return
	}
	t.cancel()
}

func (w *WallClockTimers) forget(t *Timer) {
	w.mu.Lock()
	delete(w.active, t)
	w.mu.Unlock()
}

// Close cancels every pending timer and waits for running callbacks to return.
func (w *WallClockTimers) Close() {
	w.mu.Lock()
	w.closed = true
	pending := make([]*Timer, 0, len(w.active))
	for t := range w.active {
		pending = append(pending, t)
	}
	w.mu.Unlock()

	for _, t := range pending {
		t.cancel()
	}
	w.wg.Wait()
}
