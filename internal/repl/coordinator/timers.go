package coordinator

import "time"

// timerSlot is a single-shot, rearmable, cancellable timer keyed by purpose
// (election timeout, priority takeover, catch-up timeout, heartbeat round).
// Rearming before a prior instance fires silently supersedes it: every rearm
// bumps the generation, and a firing callback whose generation no longer
// matches is a stale instance and must be ignored.
type timerSlot struct {
	handle TimerHandle
	gen    uint64
}

// rearm cancels any scheduled instance and schedules a new one. The caller
// must hold the coordination lock; fn runs on the clock's callback goroutine
// and receives the generation it was armed with.
func (t *timerSlot) rearm(clock Clock, d time.Duration, fn func(gen uint64)) {
	if t.handle != nil {
		t.handle.Stop()
	}
	t.gen++
	gen := t.gen
	t.handle = clock.AfterFunc(d, func() { fn(gen) })
}

// cancel stops any scheduled instance. Idempotent; safe to call after the
// timer fired. The caller must hold the coordination lock.
func (t *timerSlot) cancel() {
	if t.handle != nil {
		t.handle.Stop()
		t.handle = nil
	}
	t.gen++
}

// current reports whether a firing callback with the given generation is the
// most recently armed instance. The caller must hold the coordination lock.
func (t *timerSlot) current(gen uint64) bool {
	return t.handle != nil && t.gen == gen
}
