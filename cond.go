// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lwt

import "v.io/x/lwt/dqueue"

// A Cond is a Mesa-style condition variable bound to a BaseLock.  A
// waiter is enqueued while the base lock's spin lock is held, and the
// base lock is released atomically with the thread going to sleep, so
// a signal between "decide to wait" and "asleep" cannot be lost.
//
// The zero Cond is unbound; it binds to the lock passed to its first
// Wait, or explicitly via NewCond or Bind.
type Cond struct {
	waiting dqueue.Queue[*Thread]
	base    BaseLock

	// timed-wait slot, protected by the process-wide timedCondGuard
	timer *Timer
}

// NewCond returns a condition variable bound to base.
func NewCond(base BaseLock) *Cond {
	return &Cond{base: base}
}

// Bind sets the base lock of an unbound Cond.
func (c *Cond) Bind(base BaseLock) {
	if c.base != nil && c.base != base {
		panic("lwt: Cond already bound to a different lock")
	}
	c.base = base
}

// resolve reconciles an explicit base-lock argument with the binding,
// adopting the argument when unbound, the way the first Wait binds.
func (c *Cond) resolve(base BaseLock) BaseLock {
	if c.base == nil {
		if base == nil {
			panic("lwt: Cond is not bound to a lock")
		}
		c.base = base
	} else if base != nil && base != c.base {
		panic("lwt: Cond.Wait with a different lock than bound")
	}
	return c.base
}

// Wait atomically releases the base lock and sleeps until a Signal or
// Broadcast, then reacquires the base lock before returning.  The
// caller must hold the base lock.  base may be nil if the Cond is
// already bound.  As with any Mesa-style CV, callers retest their
// predicate in a loop around Wait.
func (c *Cond) Wait(base BaseLock) {
	me := Current()
	b := c.resolve(base)

	l := b.spin()
	l.Take()
	if b.holder() != me {
		l.Release()
		panic("lwt: Cond.Wait without holding the base lock")
	}
	c.waiting.Append(me)
	b.releaseAndSleep(me)

	// Reobtain the base lock on the way out.
	b.Take()
}

// Signal wakes the head waiter, if any.  Callers conventionally hold
// the base lock, though the waiter queue is consistent either way.
func (c *Cond) Signal() {
	if c.base == nil {
		return
	}
	l := c.base.spin()
	l.Take()
	t := c.waiting.Pop()
	l.Release()
	if t != nil {
		t.Queue()
	}
}

// Broadcast wakes all waiters.  The order in which they reacquire the
// base lock is the base lock's own FIFO order.
func (c *Cond) Broadcast() {
	if c.base == nil {
		return
	}
	var woken dqueue.Queue[*Thread]
	l := c.base.spin()
	l.Take()
	woken.Concat(&c.waiting)
	l.Release()
	for t := woken.Pop(); t != nil; t = woken.Pop() {
		t.Queue()
	}
}
