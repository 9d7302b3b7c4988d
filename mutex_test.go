// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lwt

import "testing"

// pingPong is the producer/consumer pair of the classic mutex+cv test:
// a 3-slot integer buffer, with the invariant that everything produced
// is either consumed or still buffered.
type pingPong struct {
	mutex Mutex
	cv    *Cond

	buffered    []int
	produced    int64
	consumed    int64
	sumProduced int64
	sumConsumed int64
	sumBuffered int64
	rounds      int
}

const pingPongSlots = 3

func (pp *pingPong) checkLocked(t *testing.T) {
	if pp.sumProduced != pp.sumConsumed+pp.sumBuffered {
		t.Errorf("invariant broken: produced %d != consumed %d + buffered %d",
			pp.sumProduced, pp.sumConsumed, pp.sumBuffered)
	}
}

func (pp *pingPong) producer(t *testing.T) interface{} {
	pp.mutex.Take()
	for i := 0; i < pp.rounds; i++ {
		for len(pp.buffered) == pingPongSlots {
			pp.cv.Wait(nil)
		}
		pp.buffered = append(pp.buffered, i)
		pp.produced++
		pp.sumProduced += int64(i)
		pp.sumBuffered += int64(i)
		pp.checkLocked(t)
		pp.cv.Broadcast()
	}
	pp.mutex.Release()
	return nil
}

func (pp *pingPong) consumer(t *testing.T) interface{} {
	pp.mutex.Take()
	for pp.consumed < int64(pp.rounds) {
		for len(pp.buffered) == 0 {
			pp.cv.Wait(nil)
		}
		v := pp.buffered[0]
		pp.buffered = pp.buffered[1:]
		pp.consumed++
		pp.sumConsumed += int64(v)
		pp.sumBuffered -= int64(v)
		pp.checkLocked(t)
		pp.cv.Broadcast()
	}
	pp.mutex.Release()
	return nil
}

func TestMutexCondPingPong(t *testing.T) {
	AdoptHostThread("pingpong test")
	pp := &pingPong{rounds: 20000}
	pp.cv = NewCond(&pp.mutex)

	prod := NewThread("producer", func() interface{} { return pp.producer(t) })
	cons := NewThread("consumer", func() interface{} { return pp.consumer(t) })
	prod.SetJoinable()
	cons.SetJoinable()
	prod.Queue()
	cons.Queue()
	prod.Join()
	cons.Join()

	if pp.produced != int64(pp.rounds) || pp.consumed != int64(pp.rounds) {
		t.Fatalf("produced %d consumed %d, want %d", pp.produced, pp.consumed, pp.rounds)
	}
	if pp.sumProduced != pp.sumConsumed || pp.sumBuffered != 0 {
		t.Fatalf("sums diverged: produced %d consumed %d buffered %d",
			pp.sumProduced, pp.sumConsumed, pp.sumBuffered)
	}
}

func TestMutexTryLock(t *testing.T) {
	AdoptHostThread("trylock test")
	var m Mutex
	if !m.TryLock() {
		t.Fatal("TryLock of a free mutex failed")
	}

	th := NewThread("trylock contender", func() interface{} {
		return m.TryLock()
	})
	th.SetJoinable()
	th.Queue()
	if got := th.Join(); got.(bool) {
		t.Fatal("TryLock of a held mutex succeeded")
	}
	m.Release()

	// take; release leaves the mutex in its prior state
	m.Take()
	m.Release()
	if m.owner != nil || !m.waiting.Empty() {
		t.Fatal("mutex state dirty after take/release")
	}
}

func TestMutexFIFOHandoff(t *testing.T) {
	AdoptHostThread("fifo test")
	var m Mutex
	var order []int
	var orderLock SpinLock

	m.Take()
	var kids []*Thread
	ready := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		id := i
		th := NewThread("fifo waiter", func() interface{} {
			ready <- struct{}{}
			m.Take()
			orderLock.Take()
			order = append(order, id)
			orderLock.Release()
			m.Release()
			return nil
		})
		th.SetJoinable()
		kids = append(kids, th)
		th.Queue()
		<-ready // serialize arrival so the wait queue order is known
		for {
			m.lock.Take()
			n := int(m.waiting.Count())
			m.lock.Release()
			if n == i+1 {
				break
			}
			Sleep(1)
		}
	}
	m.Release()
	for _, th := range kids {
		th.Join()
	}
	for i, id := range order {
		if id != i {
			t.Fatalf("handoff order %v not FIFO", order)
		}
	}
}

func TestMutexWaitAccounting(t *testing.T) {
	AdoptHostThread("accounting test")
	var m Mutex
	m.Take()
	th := NewThread("blocked", func() interface{} {
		m.Take()
		m.Release()
		return nil
	})
	th.SetJoinable()
	th.Queue()
	Sleep(30)
	m.Release()
	th.Join()
	if m.WaitMicroseconds() < 10000 {
		t.Fatalf("wait accounting %dus, want >= 10000", m.WaitMicroseconds())
	}
}

func TestCondSignalWakesOne(t *testing.T) {
	AdoptHostThread("signal test")
	var m Mutex
	cv := NewCond(&m)
	woken := 0
	waiters := 3

	var kids []*Thread
	for i := 0; i < waiters; i++ {
		th := NewThread("cv waiter", func() interface{} {
			m.Take()
			cv.Wait(nil)
			woken++
			m.Release()
			return nil
		})
		th.SetJoinable()
		kids = append(kids, th)
		th.Queue()
	}

	// wait until all three are enqueued on the cv
	for {
		m.lock.Take()
		n := int(cv.waiting.Count())
		m.lock.Release()
		if n == waiters {
			break
		}
		Sleep(1)
	}

	cv.Signal()
	Sleep(30)
	m.Take()
	got := woken
	m.Release()
	if got != 1 {
		t.Fatalf("signal woke %d waiters, want 1", got)
	}

	cv.Broadcast()
	for _, th := range kids {
		th.Join()
	}
	if woken != waiters {
		t.Fatalf("broadcast left woken at %d, want %d", woken, waiters)
	}
}
