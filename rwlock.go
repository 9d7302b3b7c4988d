// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lwt

import (
	"sync/atomic"
	"time"

	"v.io/x/lwt/dqueue"
)

// Fairness windows, in lock-clock ticks (one tick per enqueued
// waiter).  A reader may be granted ahead of a waiting writer until the
// writer's tag is readWindow ticks stale; writers and upgraders may
// overtake the opposing exclusive queue for at most writeWindow ticks.
// readWindow is much larger than writeWindow so reader bursts are
// tolerated but bounded.
const (
	readWindow  = 128
	writeWindow = 8
)

// clockCmp compares two lock-clock tags modulo wraparound: -1 if a is
// older than b, 0 if equal, 1 if newer.
func clockCmp(a, b uint32) int {
	if a == b {
		return 0
	}
	if int32(a-b) < 0 {
		return -1
	}
	return 1
}

// A LockMode names how a Tracker's thread holds an RWLock.
type LockMode int

const (
	LockModeNone LockMode = iota
	LockModeRead
	LockModeWrite
	LockModeUpgrade
)

// A Tracker optionally records a lock holder for diagnostics.  Callers
// own the Tracker and pass the same one to the matching release.  Since
// write and upgrade holders are already identified by the lock's owner
// pointer, trackers matter mostly for readers.
type Tracker struct {
	link   dqueue.Link[*Tracker]
	thread *Thread
	mode   LockMode
}

func (tr *Tracker) QueueLink() *dqueue.Link[*Tracker] { return &tr.link }

// Thread returns the holder the tracker records.
func (tr *Tracker) Thread() *Thread { return tr.thread }

// Mode returns the mode the tracker was registered under.
func (tr *Tracker) Mode() LockMode { return tr.mode }

// An RWLock is a fair lock with three modes: any number of readers, at
// most one upgrader (which coexists with readers), and at most one
// writer (exclusive).  An upgrade holder can promote itself to writer
// without any window where it holds neither.
//
// Every enqueued waiter is tagged from a monotonic lock clock, and the
// tags bound starvation in both directions: see readWindow and
// writeWindow.  The zero RWLock is unlocked and ready for use.
type RWLock struct {
	lock SpinLock

	readCount      uint32
	writeCount     uint8 // 0 or 1
	upgradeCount   uint8 // 0 or 1
	upgradeToWrite bool  // promotion pending, waiting for readers to drain
	lockClock      uint32

	readsWaiting    dqueue.Queue[*Thread]
	writesWaiting   dqueue.Queue[*Thread] // includes a pending promoter at its head
	upgradesWaiting dqueue.Queue[*Thread]

	// owner is the upgrade or write holder; nil when neither exists.
	owner *Thread

	trackers dqueue.Queue[*Tracker]
	waitUs   int64 // atomic
}

var _ BaseLock = (*RWLock)(nil)

// readUnfair reports whether granting a read with the given tag would
// starve a waiting writer beyond the read window.
func (rw *RWLock) readUnfair(tag uint32) bool {
	w := rw.writesWaiting.Head()
	return w != nil && clockCmp(w.waitTag, tag-readWindow) < 0
}

// upgradeUnfair reports whether granting an upgrade with the given tag
// would starve a waiting writer beyond the write window.
func (rw *RWLock) upgradeUnfair(tag uint32) bool {
	w := rw.writesWaiting.Head()
	return w != nil && clockCmp(w.waitTag, tag-writeWindow) < 0
}

// writeUnfair reports whether granting a write with the given tag would
// starve a waiting upgrader beyond the write window.
func (rw *RWLock) writeUnfair(tag uint32) bool {
	u := rw.upgradesWaiting.Head()
	return u != nil && clockCmp(u.waitTag, tag-writeWindow) < 0
}

func (rw *RWLock) addTracker(tr *Tracker, t *Thread, mode LockMode) {
	tr.thread = t
	tr.mode = mode
	rw.trackers.Append(tr)
}

func (rw *RWLock) removeTracker(tr *Tracker) {
	if tr != nil {
		rw.trackers.Remove(tr)
		tr.mode = LockModeNone
		tr.thread = nil
	}
}

// Holders returns a snapshot of the threads registered via trackers.
func (rw *RWLock) Holders() []*Thread {
	var out []*Thread
	rw.lock.Take()
	for tr := rw.trackers.Head(); tr != nil; tr = tr.QueueLink().Next() {
		out = append(out, tr.thread)
	}
	rw.lock.Release()
	return out
}

// enqueue tags the calling thread and appends it to q.
func (rw *RWLock) enqueue(q *dqueue.Queue[*Thread], t *Thread, reason int) {
	t.waitReason = reason
	t.waitTag = rw.lockClock
	rw.lockClock++
	q.Append(t)
}

// LockRead acquires a read lock.  tr may be nil.
func (rw *RWLock) LockRead(tr *Tracker) {
	me := Current()
	rw.lock.Take()
	if rw.writeCount == 0 && !rw.upgradeToWrite && !rw.readUnfair(rw.lockClock) {
		rw.readCount++
		if tr != nil {
			rw.addTracker(tr, me, LockModeRead)
		}
		rw.lock.Release()
		return
	}
	rw.enqueue(&rw.readsWaiting, me, reasonRead)
	blockedAt := time.Now()
	me.Sleep(&rw.lock)
	atomic.AddInt64(&rw.waitUs, time.Since(blockedAt).Microseconds())

	// The grant happened before we were woken; only tracker
	// registration is left.
	if tr != nil {
		rw.lock.Take()
		rw.addTracker(tr, me, LockModeRead)
		rw.lock.Release()
	}
}

// TryRead acquires a read lock if no writer holds the lock, ignoring
// fairness, and returns whether it did.
func (rw *RWLock) TryRead(tr *Tracker) bool {
	me := Current()
	rw.lock.Take()
	if rw.writeCount != 0 {
		rw.lock.Release()
		return false
	}
	rw.readCount++
	if tr != nil {
		rw.addTracker(tr, me, LockModeRead)
	}
	rw.lock.Release()
	return true
}

// ReleaseRead releases a read lock.  tr must be the tracker passed to
// the acquisition, or nil if none was.
func (rw *RWLock) ReleaseRead(tr *Tracker) {
	rw.lock.Take()
	if rw.readCount == 0 {
		rw.lock.Release()
		panic("lwt: ReleaseRead with no read holders")
	}
	rw.readCount--
	rw.removeTracker(tr)
	rw.wakeNext()
	rw.lock.Release()
}

// LockWrite acquires the write lock, blocking while any reader,
// upgrader or writer holds the lock.
func (rw *RWLock) LockWrite(tr *Tracker) {
	me := Current()
	rw.lock.Take()
	if rw.readCount == 0 && rw.owner == nil && !rw.writeUnfair(rw.lockClock) {
		rw.owner = me
		rw.writeCount = 1
		if tr != nil {
			rw.addTracker(tr, me, LockModeWrite)
		}
		rw.lock.Release()
		return
	}
	rw.enqueue(&rw.writesWaiting, me, reasonWrite)
	blockedAt := time.Now()
	me.Sleep(&rw.lock)
	atomic.AddInt64(&rw.waitUs, time.Since(blockedAt).Microseconds())

	// Granted before the wakeup: owner and writeCount are already ours.
	if tr != nil {
		rw.lock.Take()
		rw.addTracker(tr, me, LockModeWrite)
		rw.lock.Release()
	}
}

// TryWrite acquires the write lock if the lock is entirely free,
// ignoring fairness, and returns whether it did.
func (rw *RWLock) TryWrite(tr *Tracker) bool {
	me := Current()
	rw.lock.Take()
	if rw.readCount != 0 || rw.owner != nil {
		rw.lock.Release()
		return false
	}
	rw.owner = me
	rw.writeCount = 1
	if tr != nil {
		rw.addTracker(tr, me, LockModeWrite)
	}
	rw.lock.Release()
	return true
}

// ReleaseWrite releases the write lock, which the caller must hold.
func (rw *RWLock) ReleaseWrite(tr *Tracker) {
	me := Current()
	rw.lock.Take()
	if rw.writeCount == 0 || rw.owner != me {
		rw.lock.Release()
		panic("lwt: ReleaseWrite without holding the write lock")
	}
	rw.writeCount = 0
	rw.owner = nil
	rw.removeTracker(tr)
	rw.wakeNext()
	rw.lock.Release()
}

// LockUpgrade acquires the upgrade lock, which coexists with readers
// but excludes other upgraders and writers.
func (rw *RWLock) LockUpgrade(tr *Tracker) {
	me := Current()
	rw.lock.Take()
	if rw.owner == nil && rw.writeCount == 0 && !rw.upgradeUnfair(rw.lockClock) {
		rw.owner = me
		rw.upgradeCount = 1
		rw.upgradeToWrite = false
		if tr != nil {
			rw.addTracker(tr, me, LockModeUpgrade)
		}
		rw.lock.Release()
		return
	}
	rw.enqueue(&rw.upgradesWaiting, me, reasonUpgrade)
	blockedAt := time.Now()
	me.Sleep(&rw.lock)
	atomic.AddInt64(&rw.waitUs, time.Since(blockedAt).Microseconds())

	if tr != nil {
		rw.lock.Take()
		rw.addTracker(tr, me, LockModeUpgrade)
		rw.lock.Release()
	}
}

// ReleaseUpgrade releases the upgrade lock, which the caller must hold
// and must not have a pending promotion on.
func (rw *RWLock) ReleaseUpgrade(tr *Tracker) {
	me := Current()
	rw.lock.Take()
	if rw.upgradeCount == 0 || rw.owner != me {
		rw.lock.Release()
		panic("lwt: ReleaseUpgrade without holding the upgrade lock")
	}
	rw.upgradeCount = 0
	rw.owner = nil
	rw.removeTracker(tr)
	rw.wakeNext()
	rw.lock.Release()
}

// UpgradeToWrite promotes the caller's upgrade lock to the write lock,
// waiting for current readers to drain.  No other write or upgrade lock
// can be granted in between, and no new readers are admitted while the
// promotion is pending.
func (rw *RWLock) UpgradeToWrite() {
	me := Current()
	rw.lock.Take()
	if rw.upgradeCount == 0 || rw.owner != me {
		rw.lock.Release()
		panic("lwt: UpgradeToWrite without holding the upgrade lock")
	}
	if rw.readCount > 0 {
		// We hold the lock already, so we go to the head of the write
		// queue; wakeNext completes the promotion when the last reader
		// leaves.
		rw.upgradeToWrite = true
		me.waitReason = reasonUpgradeToWrite
		me.waitTag = rw.lockClock
		rw.lockClock++
		rw.writesWaiting.Prepend(me)
		blockedAt := time.Now()
		me.Sleep(&rw.lock)
		atomic.AddInt64(&rw.waitUs, time.Since(blockedAt).Microseconds())
		return
	}
	rw.upgradeCount = 0
	rw.writeCount = 1
	rw.upgradeToWrite = false
	rw.lock.Release()
}

// WriteToRead converts the caller's write lock into a read lock without
// any window where it holds neither.
func (rw *RWLock) WriteToRead(tr *Tracker) {
	me := Current()
	rw.lock.Take()
	if rw.writeCount == 0 || rw.owner != me {
		rw.lock.Release()
		panic("lwt: WriteToRead without holding the write lock")
	}
	rw.writeCount = 0
	rw.owner = nil
	rw.readCount++
	if tr != nil {
		rw.addTracker(tr, me, LockModeRead)
	}
	rw.wakeNext()
	rw.lock.Release()
}

// wakeNext grants whatever the lock state and fairness allow, in
// order: queued readers, a pending promotion, one upgrader, the head
// writer.  Grants happen here, before the thread is queued, so a woken
// waiter never retests.  Called with the spin lock held after any
// release.
func (rw *RWLock) wakeNext() {
	if rw.writeCount == 0 && !rw.upgradeToWrite {
		for {
			t := rw.readsWaiting.Head()
			if t == nil || rw.readUnfair(t.waitTag) {
				break
			}
			rw.readsWaiting.Remove(t)
			t.waitReason = reasonNone
			rw.readCount++
			t.Queue()
		}
	}

	if rw.upgradeToWrite && rw.readCount == 0 {
		// Complete the pending promotion: the promoter is the owner
		// and sits at the head of the write queue.
		promoter := rw.owner
		rw.writesWaiting.Remove(promoter)
		promoter.waitReason = reasonNone
		rw.upgradeCount = 0
		rw.writeCount = 1
		rw.upgradeToWrite = false
		promoter.Queue()
		return
	}

	if rw.owner == nil && rw.writeCount == 0 {
		if t := rw.upgradesWaiting.Head(); t != nil && !rw.upgradeUnfair(t.waitTag) {
			rw.upgradesWaiting.Remove(t)
			t.waitReason = reasonNone
			rw.owner = t
			rw.upgradeCount = 1
			rw.upgradeToWrite = false
			t.Queue()
			return
		}
	}

	if rw.readCount == 0 && rw.owner == nil {
		if t := rw.writesWaiting.Head(); t != nil {
			// A pending promoter cannot be at the head here: the lock
			// would still show its upgrade hold.
			if t.waitReason != reasonWrite {
				panic("lwt: non-writer at the head of the write queue")
			}
			rw.writesWaiting.Remove(t)
			t.waitReason = reasonNone
			rw.owner = t
			rw.writeCount = 1
			t.Queue()
		}
	}
}

/*****************BaseLock*****************/

// Take acquires the write lock, making an RWLock usable wherever a
// BaseLock is, e.g. under a Cond.
func (rw *RWLock) Take() { rw.LockWrite(nil) }

// TryLock is TryWrite without a tracker.
func (rw *RWLock) TryLock() bool { return rw.TryWrite(nil) }

// Release releases the write lock.
func (rw *RWLock) Release() { rw.ReleaseWrite(nil) }

// WaitMicroseconds returns the cumulative microseconds threads have
// spent blocked acquiring the lock in any mode.
func (rw *RWLock) WaitMicroseconds() int64 {
	return atomic.LoadInt64(&rw.waitUs)
}

func (rw *RWLock) spin() *SpinLock { return &rw.lock }

func (rw *RWLock) holder() *Thread {
	if rw.writeCount == 0 {
		return nil
	}
	return rw.owner
}

// releaseAndSleep releases the caller's write lock and sleeps in one
// transition.  Only the write side participates in Cond waits; an
// upgrade holder cannot wait on a Cond bound to the lock.
func (rw *RWLock) releaseAndSleep(t *Thread) {
	if rw.writeCount == 0 || rw.owner != t {
		rw.lock.Release()
		panic("lwt: releaseAndSleep without holding the write lock")
	}
	rw.writeCount = 0
	rw.owner = nil
	rw.wakeNext()
	t.Sleep(&rw.lock)
}
