// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lwt

import (
	"testing"
	"time"
)

func TestSleepDuration(t *testing.T) {
	AdoptHostThread("sleep test")
	start := time.Now()
	Sleep(50)
	if elapsed := time.Since(start); elapsed < 45*time.Millisecond {
		t.Fatalf("Sleep(50) returned after %v", elapsed)
	}
}

func TestTimerFireOrdering(t *testing.T) {
	AdoptHostThread("timer order test")
	var m Mutex
	cv := NewCond(&m)
	var fired []uint32
	remaining := 4

	cb := func(timer *Timer, ctx interface{}) {
		m.Take()
		if !timer.IsCanceled() {
			fired = append(fired, ctx.(uint32))
			remaining--
			cv.Broadcast()
		}
		m.Release()
	}

	// started out of order; must fire in expiration order
	for _, ms := range []uint32{80, 20, 60, 40} {
		NewTimer(ms, cb, ms).Start()
	}

	m.Take()
	for remaining != 0 {
		cv.Wait(nil)
	}
	m.Release()

	want := []uint32{20, 40, 60, 80}
	for i, ms := range want {
		if fired[i] != ms {
			t.Fatalf("fire order %v, want %v", fired, want)
		}
	}
}

func TestCancelBeforeFire(t *testing.T) {
	AdoptHostThread("cancel test")
	var guard Mutex
	ran := false

	timer := NewTimer(1000, func(timer *Timer, ctx interface{}) {
		guard.Take()
		if !timer.IsCanceled() {
			ran = true
		}
		guard.Release()
	}, nil)
	timer.Start()
	if !timer.Cancel() {
		t.Fatal("cancel before fire reported already-fired")
	}
	Sleep(50)
	guard.Take()
	if ran {
		t.Fatal("canceled timer ran its callback")
	}
	guard.Release()
}

// repeatSlot is a self-rearming timer: each firing schedules the next
// period, under a guard mutex that the canceler also takes.
type repeatSlot struct {
	guard Mutex
	timer *Timer
	count int
}

func repeatFire(timer *Timer, ctx interface{}) {
	s := ctx.(*repeatSlot)
	s.guard.Take()
	if timer.IsCanceled() {
		s.guard.Release()
		return
	}
	s.count++
	next := NewTimer(100, repeatFire, s)
	s.timer = next
	next.Start()
	s.guard.Release()
}

// The cancel/fire race: a periodic timer is canceled while it may be
// mid-callback; after cancel returns, the callback must never run
// again.
func TestTimerCancelRace(t *testing.T) {
	AdoptHostThread("cancel race test")
	iterations := 10
	if testing.Short() {
		iterations = 2
	}
	for iter := 0; iter < iterations; iter++ {
		s := &repeatSlot{}
		s.guard.Take()
		s.timer = NewTimer(100, repeatFire, s)
		s.timer.Start()
		s.guard.Release()

		Sleep(499)

		s.guard.Take()
		s.timer.Cancel()
		countAtCancel := s.count
		s.guard.Release()

		Sleep(150)
		s.guard.Take()
		if s.count != countAtCancel {
			t.Fatalf("iteration %d: callback ran after cancel (%d -> %d)",
				iter, countAtCancel, s.count)
		}
		s.guard.Release()
	}
}

func TestTimedWaitTimesOut(t *testing.T) {
	AdoptHostThread("timedwait timeout test")
	var m Mutex
	cv := NewCond(&m)

	m.Take()
	start := time.Now()
	fired := cv.TimedWait(40)
	m.Release()
	if fired {
		t.Fatal("TimedWait reported a broadcast that never happened")
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("TimedWait returned after %v", elapsed)
	}
}

func TestTimedWaitSeesBroadcast(t *testing.T) {
	AdoptHostThread("timedwait broadcast test")
	var m Mutex
	cv := NewCond(&m)

	NewThread("broadcaster", func() interface{} {
		Sleep(20)
		m.Take()
		cv.Broadcast()
		m.Release()
		return nil
	}).Queue()

	m.Take()
	fired := cv.TimedWait(5000)
	m.Release()
	if !fired {
		t.Fatal("TimedWait missed the broadcast")
	}
}
