package host

import (
	"sync/atomic"
	"time"
)

// SystemTimers schedules wall-clock timers whose callbacks are submitted to
// Exec rather than run on the timer goroutine.
type SystemTimers struct {
	Exec Executor
}

func (s SystemTimers) AfterFunc(d time.Duration, fn func()) Timer {
	t := &systemTimer{}
	t.timer = time.AfterFunc(d, func() {
		s.Exec.Submit(func() {
			if t.stopped.Load() {
				return
			}
			fn()
		})
	})
	return t
}

type systemTimer struct {
	timer   *time.Timer
	stopped atomic.Bool
}

// Stop also suppresses a callback that already fired but is still queued.
func (t *systemTimer) Stop() bool {
	if t.stopped.Swap(true) {
		return false
	}
	return t.timer.Stop()
}
