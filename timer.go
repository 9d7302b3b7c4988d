// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lwt

import (
	"sync"
	"time"

	"v.io/x/lwt/dqueue"
)

// The timer service keeps one globally sorted list of pending timers,
// serviced by a manager goroutine adopted as a host thread so callbacks
// may use the blocking primitives.
//
// Because callbacks run without the timer mutex held, there is an
// inherent race between a cancel and a firing callback.  The contract:
// every callback begins by acquiring a guard of the caller's choosing
// that protects the pointer to the Timer, checks IsCanceled, and
// returns without touching anything if it is set — the canceler may
// have torn down whatever the context points at.

var (
	timerMu      sync.Mutex
	timers       dqueue.Queue[*Timer]
	timerWake    chan struct{}
	timerRunning bool
	timerOnce    sync.Once
)

// A Timer runs a callback once, delay milliseconds after Start.  A
// timer is created with one reference; firing or cancellation releases
// it.  The callback receives the timer and the context it was created
// with.
type Timer struct {
	link dqueue.Link[*Timer]

	refCount   uint32
	canceled   bool
	inQueue    bool
	delay      time.Duration
	expiration time.Time

	callback func(*Timer, interface{})
	context  interface{}
}

func (t *Timer) QueueLink() *dqueue.Link[*Timer] { return &t.link }

// NewTimer returns a timer that will invoke callback(timer, context)
// delayMs milliseconds after Start is called.
func NewTimer(delayMs uint32, callback func(*Timer, interface{}), context interface{}) *Timer {
	return &Timer{
		refCount: 1,
		delay:    time.Duration(delayMs) * time.Millisecond,
		callback: callback,
		context:  context,
	}
}

// timerInit starts the manager; called from Setup and lazily from
// Start.
func timerInit() {
	timerOnce.Do(func() {
		timerWake = make(chan struct{}, 1)
		go timerManager()
	})
}

// Start schedules the timer.  Restarting a queued timer moves it to its
// new expiration.
func (t *Timer) Start() {
	timerInit()
	expiration := time.Now().Add(t.delay)
	timerMu.Lock()
	if t.inQueue {
		timers.Remove(t)
	}
	t.expiration = expiration
	t.inQueue = true

	// Sorted insert, walking back from the tail: most timers are for
	// roughly similar delays, so the walk is short.
	var prev *Timer
	for p := timers.Tail(); p != nil; p = p.QueueLink().Prev() {
		if !p.expiration.After(expiration) {
			prev = p
			break
		}
	}
	timers.InsertAfter(prev, t)

	if !timerRunning {
		select {
		case timerWake <- struct{}{}:
		default:
		}
	}
	timerMu.Unlock()
}

// hold takes a reference; timerMu must be held.
func (t *Timer) hold() { t.refCount++ }

// releaseLocked drops a reference; timerMu must be held.  The last
// reference must belong to a canceled timer.
func (t *Timer) releaseLocked() {
	if t.refCount == 0 {
		panic("lwt: Timer released too many times")
	}
	t.refCount--
	if t.refCount == 0 {
		if t.inQueue {
			timers.Remove(t)
			t.inQueue = false
		}
		if !t.canceled {
			panic("lwt: live Timer dropped its last reference")
		}
	}
}

// Cancel cancels the timer, releasing the creation reference, and
// returns whether this call did the canceling.  It returns false once
// the timer was already canceled or its callback has returned.  A
// Cancel that lands while the callback is running returns true; the
// callback's IsCanceled check is what closes that race.
func (t *Timer) Cancel() bool {
	timerMu.Lock()
	was := false
	if !t.canceled {
		t.canceled = true
		was = true
		t.releaseLocked()
	}
	timerMu.Unlock()
	return was
}

// IsCanceled returns whether the timer has been canceled.  Callbacks
// call this, under their own guard, as their first action.
func (t *Timer) IsCanceled() bool {
	timerMu.Lock()
	c := t.canceled
	timerMu.Unlock()
	return c
}

// timerManager pops expired timers and runs their callbacks, sleeping
// until the next expiration or until Start pokes the wake channel.
func timerManager() {
	AdoptHostThread("timer manager")
	sleepTimer := time.NewTimer(time.Hour)
	if !sleepTimer.Stop() {
		<-sleepTimer.C
	}

	for {
		timerMu.Lock()
		var sleepFor time.Duration = -1
		for {
			t := timers.Head()
			if t == nil {
				break
			}
			now := time.Now()
			if now.Before(t.expiration) {
				sleepFor = t.expiration.Sub(now)
				break
			}
			timers.Remove(t)
			t.inQueue = false
			t.hold()
			timerMu.Unlock()
			t.callback(t, t.context)
			timerMu.Lock()
			if !t.canceled {
				t.canceled = true
				t.releaseLocked() // the creation reference
			}
			t.releaseLocked() // the hold above
		}
		timerRunning = false
		timerMu.Unlock()

		if sleepFor < 0 {
			<-timerWake
		} else {
			sleepTimer.Reset(sleepFor)
			select {
			case <-timerWake:
				if !sleepTimer.Stop() {
					<-sleepTimer.C
				}
			case <-sleepTimer.C:
			}
		}

		timerMu.Lock()
		timerRunning = true
		timerMu.Unlock()
	}
}

/*****************cooperative sleep*****************/

type timerSleep struct {
	mutex Mutex
	cv    *Cond
}

func timerSleepWakeup(t *Timer, context interface{}) {
	s := context.(*timerSleep)
	s.mutex.Take()
	s.cv.Broadcast()
	s.mutex.Release()
}

// Sleep blocks the calling thread for ms milliseconds, cooperatively:
// the dispatcher keeps running other threads.
func Sleep(ms uint32) {
	s := &timerSleep{}
	s.cv = NewCond(&s.mutex)
	t := NewTimer(ms, timerSleepWakeup, s)

	// Holding the mutex from before Start until the wait sleeps closes
	// the race with an early firing: the callback blocks on the mutex
	// until the wait has atomically released it.
	s.mutex.Take()
	t.Start()
	s.cv.Wait(nil)
	s.mutex.Release()
}
