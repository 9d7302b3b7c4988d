// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lwt

import (
	"runtime"
	"sync"
	"time"

	"v.io/x/lwt/dqueue"
)

// maxDispatchers bounds the round-robin dispatcher array.
const maxDispatchers = 8

var (
	allDispatchers  [maxDispatchers]*Dispatcher
	dispatcherCount int

	// spinBudget is how long an idle dispatcher keeps spinning on its
	// run queue after its last dispatch before blocking its OS thread.
	spinBudget time.Duration
)

// A binarySemaphore has values 0 and 1.  Threads park on their own
// semaphore; dispatchers park on their handoff semaphore while a user
// thread runs.  A v before the matching p is remembered, which is what
// makes the sleep/wakeup race benign.
type binarySemaphore struct {
	ch chan struct{}
}

func (s *binarySemaphore) init() {
	s.ch = make(chan struct{}, 1)
}

func (s *binarySemaphore) p() {
	<-s.ch
}

func (s *binarySemaphore) v() {
	select {
	case s.ch <- struct{}{}:
	default: // count already 1
	}
}

// A Dispatcher multiplexes user threads onto one OS thread.  Its
// dispatch loop is the off-thread context a sleeping thread hands
// control to; the loop releases the sleeper's spin lock, then picks the
// next runnable thread.  With no runnable threads it blocks on runCond
// until an enqueuer signals or a pause request clears.
type Dispatcher struct {
	runQueue  dqueue.Queue[*Thread]
	queueLock SpinLock

	// sleeping is guarded by queueLock, so an enqueuer can test it in
	// the same critical section that appends.  runMu/runCond block the
	// OS thread when idle or paused and guard paused/pauseRequests.
	// This is the kernel-side layer, so it uses sync directly.
	sleeping      bool
	runMu         sync.Mutex
	runCond       *sync.Cond
	paused        bool
	pauseRequests uint32

	current      *Thread
	lastDispatch time.Time

	// handoff parks the dispatch loop while current runs; a sleeping or
	// exiting thread vs it after stashing the spin lock to release.
	handoff       binarySemaphore
	lockToRelease *SpinLock

	helper *threadHelper

	// special dispatchers serve one wired thread and are not in
	// allDispatchers; their dispatch loop runs inline on the host
	// goroutine whenever the wired thread sleeps.
	special bool
}

func newDispatcher(special bool) *Dispatcher {
	d := &Dispatcher{special: special}
	d.runCond = sync.NewCond(&d.runMu)
	d.handoff.init()
	if !special {
		globalThreadLock.Take()
		allDispatchers[dispatcherCount] = d
		dispatcherCount++
		globalThreadLock.Release()
	}
	d.helper = newThreadHelper()
	return d
}

// top is the first function on a dispatcher's OS thread.
func (d *Dispatcher) top() {
	runtime.LockOSThread()
	d.dispatch()
}

// dispatch finds runnable threads and resumes them, blocking the OS
// thread when there is nothing to do.  It never returns.
func (d *Dispatcher) dispatch() {
	for {
		d.queueLock.Take()
		t := d.runQueue.Pop()
		if t == nil {
			if spinBudget > 0 && time.Since(d.lastDispatch) < spinBudget {
				d.queueLock.Release()
				runtime.Gosched()
				continue
			}
			d.sleeping = true
			d.queueLock.Release()
			monitorCheck()
			d.block()
			continue
		}
		d.lastDispatch = time.Now()
		d.queueLock.Release()
		d.runThread(t)
	}
}

// block waits until an enqueuer clears the sleeping flag, honoring
// pause requests from the deadlock detector.
func (d *Dispatcher) block() {
	d.runMu.Lock()
	for {
		d.queueLock.Take()
		sleeping := d.sleeping
		d.queueLock.Release()
		if !sleeping && d.pauseRequests == 0 {
			break
		}
		if d.pauseRequests > 0 {
			d.paused = true
		}
		d.runCond.Wait()
	}
	d.runMu.Unlock()
}

// runThread hands the CPU to t and waits for it to sleep or exit, then
// releases whatever spin lock the thread left behind.  Only once that
// release happens can other dispatchers observe the thread on a wait
// list and requeue it.
func (d *Dispatcher) runThread(t *Thread) {
	d.current = t
	t.currentDisp = d
	t.lastStart = time.Now()
	if !t.started {
		t.started = true
		go t.main()
	} else {
		t.sem.v()
	}
	d.handoff.p()
	if l := d.lockToRelease; l != nil {
		d.lockToRelease = nil
		l.Release()
	}
}

// sleepThread implements Thread.Sleep: park t, hand the spin lock to
// the dispatch loop for release, and wait to be resumed.
func (d *Dispatcher) sleepThread(t *Thread, lock *SpinLock) {
	if d.current != t {
		panic("lwt: Sleep by a thread that is not current")
	}
	t.runTime += time.Since(t.lastStart)
	d.current = nil
	if d.special {
		d.hostSleep(t, lock)
		return
	}
	d.lockToRelease = lock
	d.handoff.v()
	t.sem.p()
}

// exitThread is sleepThread for a thread that will never be resumed:
// same handoff, no park.  The caller's goroutine returns afterwards.
func (d *Dispatcher) exitThread(t *Thread, lock *SpinLock) {
	t.runTime += time.Since(t.lastStart)
	d.current = nil
	if d.special {
		lock.Release()
		return
	}
	d.lockToRelease = lock
	d.handoff.v()
}

// hostSleep is the sleep path for wired threads.  The host goroutine is
// its own dispatcher, so instead of handing off it releases the lock
// and runs the dispatch loop inline until its thread is queued again.
// Releasing first is safe here: resuming a wired thread is nothing more
// than returning from this loop, so there is no saved state a premature
// wakeup could corrupt.
func (d *Dispatcher) hostSleep(t *Thread, lock *SpinLock) {
	lock.Release()
	for {
		d.queueLock.Take()
		nt := d.runQueue.Pop()
		if nt == nil {
			d.sleeping = true
			d.queueLock.Release()
			d.block()
			continue
		}
		d.queueLock.Release()
		if nt != t {
			panic("lwt: foreign thread queued to a wired dispatcher")
		}
		d.lastDispatch = time.Now()
		d.current = t
		t.lastStart = time.Now()
		return
	}
}

// queueThread appends t to the run queue, waking the dispatcher if it
// is blocked.
func (d *Dispatcher) queueThread(t *Thread) {
	d.queueLock.Take()
	d.runQueue.Append(t)
	if d.sleeping {
		d.sleeping = false
		d.queueLock.Release()
		// The empty critical section orders us with the dispatcher: by
		// the time we broadcast, it is either inside Wait or has not
		// yet rechecked the flag.
		d.runMu.Lock()
		d.runMu.Unlock() //lint:ignore SA2001 ordering barrier with block()
		d.runCond.Broadcast()
	} else {
		d.queueLock.Release()
	}
}

func (d *Dispatcher) isSleeping() bool {
	d.queueLock.Take()
	s := d.sleeping
	d.queueLock.Release()
	return s
}

/*****************pause protocol*****************/

// pauseDispatching asks the dispatcher to stop scheduling.  The request
// is honored only when the dispatcher is about to go idle; a dispatcher
// with a running thread keeps running it.
func (d *Dispatcher) pauseDispatching() {
	d.runMu.Lock()
	d.pauseRequests++
	d.runMu.Unlock()
}

func (d *Dispatcher) resumeDispatching() {
	d.runMu.Lock()
	if d.pauseRequests == 0 {
		d.runMu.Unlock()
		panic("lwt: resumeDispatching without a pause")
	}
	d.pauseRequests--
	wake := d.pauseRequests == 0
	if wake {
		d.paused = false
	}
	d.runMu.Unlock()
	if wake {
		d.runCond.Broadcast()
	}
}

// PauseAllDispatching asks every dispatcher to stop scheduling.  Used
// by the deadlock detector; pair with ResumeAllDispatching.
func PauseAllDispatching() {
	for i := 0; i < dispatcherCount; i++ {
		allDispatchers[i].pauseDispatching()
	}
}

// PausedAllDispatching returns whether every dispatcher has stopped.
// Once they have and PauseAllDispatching has been called, they stay
// stopped until ResumeAllDispatching.
func PausedAllDispatching() bool {
	for i := 0; i < dispatcherCount; i++ {
		if !allDispatchers[i].isSleeping() {
			return false
		}
	}
	return true
}

// ResumeAllDispatching undoes PauseAllDispatching.
func ResumeAllDispatching() {
	for i := 0; i < dispatcherCount; i++ {
		allDispatchers[i].resumeDispatching()
	}
}

/*****************monitor hook*****************/

var (
	monitorLock SpinLock
	monitorProc func()
)

// SetMonitor installs a hook invoked by dispatchers as they go idle.
func SetMonitor(proc func()) {
	monitorLock.Take()
	monitorProc = proc
	monitorLock.Release()
}

func monitorCheck() {
	monitorLock.Take()
	proc := monitorProc
	monitorLock.Release()
	if proc != nil {
		proc()
	}
}

/*****************setup*****************/

// Setup creates the dispatcher pool and adopts the calling goroutine as
// an lwt thread named "First thread".  nDispatchers is capped at
// NumCPU()-1 and at the dispatcher array bound; spinMicroseconds is the
// idle spin budget, forced to zero on machines with few CPUs.  A
// negative spinMicroseconds keeps the previous budget.  Calling Setup
// again creates no dispatchers; it applies the spin budget and adopts
// the caller.
func Setup(nDispatchers, spinMicroseconds int) {
	cpus := runtime.NumCPU()
	if nDispatchers > cpus-1 {
		nDispatchers = cpus - 1
	}
	if nDispatchers < 1 {
		nDispatchers = 1
	}
	if nDispatchers > maxDispatchers {
		nDispatchers = maxDispatchers
	}
	if spinMicroseconds >= 0 {
		spinBudget = time.Duration(spinMicroseconds) * time.Microsecond
	}
	if cpus <= 2 {
		spinBudget = 0
	}
	if dispatcherCount == 0 {
		for i := 0; i < nDispatchers; i++ {
			d := newDispatcher(false)
			go d.top()
		}
		timerInit()
	}
	AdoptHostThread("First thread")
}

// AdoptHostThread turns the calling goroutine into an lwt thread so it
// can use the blocking primitives.  The goroutine gets a private
// dispatcher it always returns to when it wakes.  Adopting a goroutine
// that is already an lwt thread is a no-op.
func AdoptHostThread(name string) {
	if IsLwt() {
		return
	}
	d := newDispatcher(true)
	t := newAdoptedThread(name, d)
	d.current = t
	t.goroutineID = goid()
	registerGoroutine(t.goroutineID, t)
}
