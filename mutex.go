// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lwt

import (
	"time"

	"v.io/x/lwt/dqueue"
)

// A BaseLock is a lock a Cond can release atomically with going to
// sleep: a Mutex, or the write side of an RWLock.  The unexported
// methods expose the internal spin lock that makes the atomic
// release-and-sleep possible.
type BaseLock interface {
	Take()
	TryLock() bool
	Release()

	// WaitMicroseconds returns the cumulative time threads have spent
	// blocked acquiring the lock.
	WaitMicroseconds() int64

	// spin returns the spin lock guarding the lock's state.
	spin() *SpinLock
	// holder returns the owning thread; call with spin() held.  For an
	// RWLock this is the write holder only; it is nil for an upgrade
	// holder.
	holder() *Thread
	// releaseAndSleep releases the lock on behalf of t and puts t to
	// sleep in one transition.  Call with spin() held; it is released
	// by the sleep protocol.
	releaseAndSleep(t *Thread)
}

// A Mutex is a FIFO mutual-exclusion lock for lwt threads.  The zero
// Mutex is unlocked and ready for use.  A release wakes at most one
// waiter, the head of the queue, which then retests ownership.
type Mutex struct {
	lock    SpinLock
	waiting dqueue.Queue[*Thread]
	owner   *Thread
	waitUs  int64
}

var _ BaseLock = (*Mutex)(nil)

// Take acquires the mutex, blocking while another thread owns it.
func (m *Mutex) Take() {
	me := Current()
	m.lock.Take()
	if m.owner == me {
		m.lock.Release()
		panic("lwt: recursive Mutex.Take")
	}

	// Loop: a release wakes only one waiter, and the wakeup carries no
	// grant, so we retest ownership every time around.
	for m.owner != nil {
		me.blockingMutex.Store(m)
		blockedAt := time.Now()
		m.waiting.Append(me)
		me.Sleep(&m.lock)
		me.blockingMutex.Store(nil)
		m.lock.Take()
		m.waitUs += time.Since(blockedAt).Microseconds()
	}
	m.owner = me
	m.lock.Release()
}

// TryLock acquires the mutex if it is free, without blocking, and
// returns whether it did.
func (m *Mutex) TryLock() bool {
	me := Current()
	m.lock.Take()
	if m.owner == me {
		m.lock.Release()
		panic("lwt: recursive Mutex.TryLock")
	}
	if m.owner != nil {
		m.lock.Release()
		return false
	}
	m.owner = me
	m.lock.Release()
	return true
}

// Release releases the mutex, which the calling thread must own, and
// queues the head waiter if there is one.
func (m *Mutex) Release() {
	me := Current()
	m.lock.Take()
	if m.owner != me {
		m.lock.Release()
		panic("lwt: Release of a Mutex the caller does not own")
	}
	m.owner = nil
	next := m.waiting.Pop()
	m.lock.Release()

	if next != nil {
		next.Queue()
	}
}

// WaitMicroseconds returns the cumulative microseconds threads have
// spent blocked in Take.
func (m *Mutex) WaitMicroseconds() int64 {
	m.lock.Take()
	us := m.waitUs
	m.lock.Release()
	return us
}

func (m *Mutex) spin() *SpinLock { return &m.lock }

func (m *Mutex) holder() *Thread { return m.owner }

// releaseAndSleep releases the mutex owned by t, queues the head
// waiter, and puts t to sleep, all under the one spin lock.  Used by
// Cond so a wakeup cannot slip between the release and the sleep.
func (m *Mutex) releaseAndSleep(t *Thread) {
	if m.owner != t {
		m.lock.Release()
		panic("lwt: releaseAndSleep by a thread that does not own the mutex")
	}
	m.owner = nil
	next := m.waiting.Pop()
	if next != nil {
		next.Queue()
	}
	t.Sleep(&m.lock)
}
