// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lwt

import (
	"runtime"
	"sync/atomic"
)

// A SpinLock is a busy-wait lock protecting scheduler and primitive
// state.  It is never held across a suspension point; the one sanctioned
// way to block while holding one is to pass it to Thread.Sleep, which
// releases it after the sleeping thread has left its dispatcher.
//
// The zero SpinLock is unlocked and ready for use.
type SpinLock struct {
	held uint32
}

// spinDelay() delays resumption of a spin loop, backing off to the Go
// scheduler once the exponential delay is exhausted.
// Usage:
//     var attempts uint
//     for try_something {
//        attempts = spinDelay(attempts)
//     }
func spinDelay(attempts uint) uint {
	if attempts < 7 {
		for i := 0; i != 1<<attempts; i++ {
		}
		attempts++
	} else {
		runtime.Gosched()
	}
	return attempts
}

// Take() acquires the lock, spinning until it is free.
func (l *SpinLock) Take() {
	var attempts uint
	for !atomic.CompareAndSwapUint32(&l.held, 0, 1) { // acquire CAS
		attempts = spinDelay(attempts)
	}
}

// TryLock() acquires the lock if it is free, and returns whether it did.
func (l *SpinLock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&l.held, 0, 1) // acquire CAS
}

// Release() releases the lock, which must be held.
func (l *SpinLock) Release() {
	atomic.StoreUint32(&l.held, 0) // release store
}
