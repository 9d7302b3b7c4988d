// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lwt

// Timed condition waits layer the timer service's cancel discipline
// over Cond.  A process-wide guard mutex protects every Cond's timer
// slot; the fire callback and the waiter race to claim the slot, and
// whoever loses does nothing.

var timedCondGuard Mutex

func timedCondFire(t *Timer, context interface{}) {
	c := context.(*Cond)
	timedCondGuard.Take()
	if t.IsCanceled() {
		// The waiter was broadcast first and canceled us; the Cond may
		// no longer even exist.
		timedCondGuard.Release()
		return
	}
	c.timer = nil
	timedCondGuard.Release()

	c.base.Take()
	c.Broadcast()
	c.base.Release()
}

// TimedWait is Wait with a timeout in milliseconds.  It returns whether
// a Signal or Broadcast arrived before the timeout.  The Cond must be
// bound, the caller must hold the base lock, and at most one TimedWait
// may be outstanding per Cond.  Like Wait, it reacquires the base lock
// before returning.
func (c *Cond) TimedWait(ms uint32) bool {
	if c.base == nil {
		panic("lwt: TimedWait on an unbound Cond")
	}

	timedCondGuard.Take()
	if c.timer != nil {
		timedCondGuard.Release()
		panic("lwt: concurrent TimedWait on one Cond")
	}
	t := NewTimer(ms, timedCondFire, c)
	c.timer = t
	t.Start()
	timedCondGuard.Release()

	c.Wait(nil)

	fired := false
	timedCondGuard.Take()
	if c.timer != nil {
		// A real wakeup beat the timer; claim the slot back and cancel.
		c.timer.Cancel()
		c.timer = nil
		fired = true
	}
	timedCondGuard.Release()
	return fired
}
