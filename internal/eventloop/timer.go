package eventloop

import "time"

// Timer is a handle to a pending one-shot callback.
type Timer interface {
	// Stop cancels the callback. It reports whether the callback was still
	// pending.
	Stop() bool
}

// Scheduler arms one-shot callbacks. Loop and ManualClock implement it.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// Slot holds at most one pending timer. Arming a new timer cancels the
// previous one, and Stop cancels whatever is pending. The zero value is
// ready to use. A Slot is confined to the loop goroutine.
type Slot struct {
	timer Timer
}

// Reset cancels any pending timer and arms fn to run after d.
func (s *Slot) Reset(sched Scheduler, d time.Duration, fn func()) {
	s.Stop()

	var t Timer
	t = sched.AfterFunc(d, func() {
		if s.timer == t {
			s.timer = nil
		}
		fn()
	})
	s.timer = t
}

// Stop cancels the pending timer, if any. It reports whether a callback
// was prevented from running.
func (s *Slot) Stop() bool {
	if s.timer == nil {
		return false
	}
	stopped := s.timer.Stop()
	s.timer = nil
	return stopped
}

// Active reports whether a timer is pending.
func (s *Slot) Active() bool {
	return s.timer != nil
}
