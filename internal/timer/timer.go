package timer

import (
	"sync"
	"time"
)

// Timer is a one-shot timer whose Cancel waits for a running callback to
// return. The callback may call Schedule on its own timer to repeat; it must
// not call Cancel on it.
type Timer struct {
	fn func()

	mu         sync.Mutex
	done       *sync.Cond
	t          *time.Timer
	gen        uint64
	pending    bool
	running    int
	cancelling int
}

func New(fn func()) *Timer {
	t := &Timer{fn: fn}
	t.done = sync.NewCond(&t.mu)
	return t
}

// Schedule arms the timer to fire after d, replacing any pending firing.
// It is ignored while a Cancel is in progress.
func (t *Timer) Schedule(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelling > 0 {
		return
	}
	if t.t != nil {
		t.t.Stop()
	}
	t.gen++
	gen := t.gen
	t.pending = true
	t.t = time.AfterFunc(d, func() { t.fire(gen) })
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.pending {
		t.mu.Unlock()
		return
	}
	t.pending = false
	t.t = nil
	t.running++
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.running--
		t.done.Broadcast()
		t.mu.Unlock()
	}()
	t.fn()
}

// Cancel stops a pending firing and blocks until any callback already running
// has returned. Callers must not hold a lock the callback takes.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelling++
	t.gen++
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.pending = false
	for t.running > 0 {
		t.done.Wait()
	}
	t.cancelling--
}

// Pending reports whether a firing is scheduled and has not started yet.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}
