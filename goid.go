// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lwt

import "runtime"

// The runtime does not expose goroutine-local storage, so the
// per-kernel-thread dispatcher slot of a classical implementation
// becomes a goroutine-id keyed registry.  The id is parsed from the
// first line of the goroutine's stack dump ("goroutine N [running]:"),
// which has been stable across every Go release to date.

func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	const prefix = len("goroutine ")
	var id uint64
	for _, c := range buf[prefix:n] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}

var (
	goroutinesLock SpinLock
	goroutines     = make(map[uint64]*Thread)
)

func registerGoroutine(id uint64, t *Thread) {
	goroutinesLock.Take()
	goroutines[id] = t
	goroutinesLock.Release()
}

func unregisterGoroutine(id uint64) {
	goroutinesLock.Take()
	delete(goroutines, id)
	goroutinesLock.Release()
}

func lookupGoroutine(id uint64) *Thread {
	goroutinesLock.Take()
	t := goroutines[id]
	goroutinesLock.Release()
	return t
}
