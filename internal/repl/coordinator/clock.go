package coordinator

import "time"

// systemClock implements Clock with the real time package.
type systemClock struct{}

type systemTimer struct {
	timer *time.Timer
}

func (t *systemTimer) Stop() bool { return t.timer.Stop() }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) TimerHandle {
	return &systemTimer{timer: time.AfterFunc(d, f)}
}

// SystemClock returns a Clock backed by the system time source.
func SystemClock() Clock { return systemClock{} }
