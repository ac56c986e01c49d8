package xmodem

import (
	"sync"
	"time"
)

// timerService schedules the engine's single outstanding deadline.
//
// Arming a deadline cancels the previous one. Cancellation races with
// firing: each armed deadline carries a generation number, and the fire
// callback receives it so the engine can re-check, under its own lock,
// whether the deadline is still current. A deadline either fires exactly
// once or is cancelled exactly once, never both.
type timerService struct {
	mu     sync.Mutex
	timer  *time.Timer
	gen    uint64
	closed bool
	wg     sync.WaitGroup

	// fire is invoked on expiry with the deadline's generation. It runs
	// on the timer goroutine and must do its own locking.
	fire func(gen uint64)
}

func newTimerService(fire func(gen uint64)) *timerService {
	return &timerService{fire: fire}
}

// arm schedules a deadline d from now, cancelling any previous one.
func (t *timerService) arm(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelLocked()
	if t.closed {
		return
	}

	gen := t.gen
	t.wg.Add(1)
	t.timer = time.AfterFunc(d, func() {
		defer t.wg.Done()
		t.fire(gen)
	})
}

// cancel invalidates the outstanding deadline, if any. Idempotent.
func (t *timerService) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked()
}

func (t *timerService) cancelLocked() {
	// Bumping the generation invalidates a callback that already left
	// Stop's reach; it will see a stale generation and bail out.
	t.gen++
	if t.timer != nil {
		if t.timer.Stop() {
			t.wg.Done()
		}
		t.timer = nil
	}
}

// current reports whether gen identifies the armed deadline.
func (t *timerService) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && gen == t.gen
}

// shutdown cancels any outstanding deadline and waits for an in-flight
// callback to drain. The service accepts no further arms afterwards.
func (t *timerService) shutdown() {
	t.mu.Lock()
	t.closed = true
	t.cancelLocked()
	t.mu.Unlock()

	t.wg.Wait()
}
