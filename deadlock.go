// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lwt

import "time"

// The deadlock detector pauses every dispatcher, then walks the
// wait-for graph induced by each sleeping thread's blockingMutex
// pointer and each mutex's owner.  A cycle is reported only if, at the
// pause point, every thread in the chain is blocked on a mutex owned by
// the next thread in the chain.

// maxCycleDepth bounds the trace stack; longer chains are truncated
// silently.
const maxCycleDepth = 1024

// pausePollLimit bounds how long CheckForDeadlocks waits for all
// dispatchers to quiesce before giving up for this round.
const pausePollLimit = 100 * time.Millisecond

type deadlockDetect struct {
	stack []*Thread
}

func (dd *deadlockDetect) push(t *Thread) {
	if len(dd.stack) >= maxCycleDepth {
		return
	}
	dd.stack = append(dd.stack, t)
}

// sweepFrom walks the wait-for chain from t, tagging visited threads
// with sweepIx.  Seeing the tag again means a cycle.
func (dd *deadlockDetect) sweepFrom(t *Thread, sweepIx uint32) bool {
	dd.push(t)

	if t.marked == sweepIx {
		dd.logTrace()
		return true
	}
	t.marked = sweepIx

	m := t.blockingMutex.Load()
	if m == nil {
		return false
	}
	m.lock.Take()
	owner := m.owner
	m.lock.Release()
	if owner != nil {
		return dd.sweepFrom(owner, sweepIx)
	}
	// unlocked mutex, the chain ends here
	return false
}

func (dd *deadlockDetect) logTrace() {
	logger.Error("deadlock detected:")
	for _, t := range dd.stack {
		m := t.blockingMutex.Load()
		if m == nil {
			continue
		}
		m.lock.Take()
		owner := "<none>"
		if m.owner != nil {
			owner = m.owner.name
		}
		m.lock.Release()
		logger.Errorf("deadlock: thread %q waits for mutex %p owned by %q", t.name, m, owner)
	}
}

// CheckForDeadlocks pauses all dispatchers, sweeps the wait-for graph,
// and returns whether a cycle was found.  The cycle, if any, is logged.
// Threads on the paused dispatchers cannot change mutex state while the
// sweep runs; adopted host threads are not paused, so each owner is
// read under its mutex's spin lock.  If the dispatchers do not quiesce within a
// short bound (threads are still running), the check gives up and
// returns false.
func CheckForDeadlocks() bool {
	PauseAllDispatching()

	allStopped := false
	deadline := time.Now().Add(pausePollLimit)
	for {
		if PausedAllDispatching() {
			allStopped = true
			break
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	found := false
	if allStopped {
		globalThreadLock.Take()
		for e := allThreads.Head(); e != nil; e = e.QueueLink().Next() {
			e.thread.marked = 0
		}
		var sweepIx uint32
		for e := allThreads.Head(); e != nil; e = e.QueueLink().Next() {
			sweepIx++
			dd := deadlockDetect{}
			if dd.sweepFrom(e.thread, sweepIx) {
				found = true
				break
			}
		}
		globalThreadLock.Release()
	}

	ResumeAllDispatching()
	return found
}

// StartDeadlockMonitor spawns a monitor that checks for deadlocks at
// the given interval (10s if zero) and terminates the process when one
// is found.
func StartDeadlockMonitor(interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		for {
			time.Sleep(interval)
			if CheckForDeadlocks() {
				logger.Fatal("lwt: deadlock detected, aborting")
			}
		}
	}()
}
