// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lwt

import (
	"errors"

	"v.io/x/lwt/dqueue"
)

// Pool reuses a bounded set of worker threads.  A worker cycles through
// states: idle (allocatable), active (between Get and the end of its
// TpStart call), join (finished, waiting to be joined), joined (waiting
// for TpFinished), and back to idle.  A worker that calls TpIdleOnExit
// skips the join states.
//
// Usage: embed Worker in your worker type, give the pool a factory that
// creates workers, then for each task call Get, prime the worker with
// its inputs, and TpResume it; TpStart runs on the worker's thread.
// Collect results with TpJoin or JoinAny, then TpFinished to recycle
// the worker.

// Expected non-error returns from the asynchronous pool calls.
var (
	ErrAllRunning = errors.New("lwt: all pool workers are busy")
	ErrAllDone    = errors.New("lwt: no pool workers awaiting join")
	ErrShutdown   = errors.New("lwt: pool is shut down")
)

type workerState int

const (
	workerNone workerState = iota
	workerIdle
	workerActive
	workerJoin
	workerJoined
)

// A PoolWorker is a user worker type with an embedded Worker.
type PoolWorker interface {
	// TpStart runs on the worker's thread each time the worker is
	// resumed; its return value is surfaced by TpJoin/JoinAny.
	TpStart() interface{}

	base() *Worker
}

// A WorkerFactory creates workers on demand, up to the pool's limit.
type WorkerFactory interface {
	NewWorker() PoolWorker
}

// Worker is the pool-managed part of a worker; embed it (by pointer is
// not supported — embed the value) in the type implementing TpStart.
type Worker struct {
	link dqueue.Link[*Worker]

	pool  *Pool
	outer PoolWorker
	state workerState

	waitForJoin  bool
	resumeDone   bool
	finishedDone bool
	joinValue    interface{}

	// the user of this worker sleeps here waiting for it to be joinable
	joinOneReadyCv Cond
	// the worker sleeps here waiting for work
	resumeCv Cond
	// the worker sleeps here waiting for TpFinished
	finishedCv Cond

	thread *Thread
}

func (w *Worker) QueueLink() *dqueue.Link[*Worker] { return &w.link }

func (w *Worker) base() *Worker { return w }

// init wires a freshly created worker to its pool and starts its
// thread; the worker parks itself in the idle queue.
func (w *Worker) init(p *Pool, outer PoolWorker) {
	w.pool = p
	w.outer = outer
	w.state = workerNone
	w.joinOneReadyCv.Bind(&p.lock)
	w.resumeCv.Bind(&p.lock)
	w.finishedCv.Bind(&p.lock)
	w.thread = NewThread("pool worker", w.run)
	w.thread.Queue()
}

// run is the worker thread's main loop.
func (w *Worker) run() interface{} {
	p := w.pool
	p.lock.Take()
	for {
		// At the top the worker is in no queue and has no work.
		if w.state == workerNone {
			w.state = workerIdle
			p.idle.Append(w)
			p.idleCv.Broadcast()
		}

		// Reset per-activation state.  Nothing can allocate us until a
		// Get pops us from the idle queue, and nothing can resume us
		// before we wait below, because we hold the pool lock.
		w.waitForJoin = true
		w.resumeDone = false
		w.finishedDone = false
		w.joinValue = nil

		for !w.resumeDone {
			w.resumeCv.Wait(nil)
			if p.shutdown {
				p.lock.Release()
				return nil
			}
		}
		if w.state != workerActive {
			p.lock.Release()
			panic("lwt: pool worker resumed while not active")
		}

		// Make the callout without holding any locks.
		p.lock.Release()
		w.joinValue = w.outer.TpStart()
		p.lock.Take()

		w.state = workerNone
		p.active.Remove(w)

		if w.waitForJoin {
			w.state = workerJoin
			p.joinq.Append(w)

			// A joiner may be waiting for any worker or for this one
			// specifically; signal both.
			p.joinReadyCv.Broadcast()
			w.joinOneReadyCv.Broadcast()

			for !w.finishedDone {
				w.finishedCv.Wait(nil)
				if p.shutdown {
					p.lock.Release()
					return nil
				}
			}
			w.state = workerNone
		}
	}
}

// TpResume starts the worker's next activation; the caller obtained the
// worker from Get.
func (w *Worker) TpResume() {
	w.pool.lock.Take()
	w.resumeDone = true
	w.pool.lock.Release()
	w.resumeCv.Broadcast()
}

// TpJoin waits for this worker's activation to finish and returns the
// value TpStart returned, or nil if the pool shut down first.  Call
// TpFinished afterwards to recycle the worker.
func (w *Worker) TpJoin() interface{} {
	if !w.waitForJoin {
		panic("lwt: TpJoin of a worker that idles on exit")
	}
	p := w.pool
	p.lock.Take()
	for w.state != workerJoin {
		w.joinOneReadyCv.Wait(nil)
		if p.shutdown {
			p.lock.Release()
			return nil
		}
	}
	p.joinq.Remove(w)
	w.state = workerJoined
	p.lock.Release()
	return w.joinValue
}

// TpFinished releases a joined worker back to the idle queue.
func (w *Worker) TpFinished() {
	w.pool.lock.Take()
	w.finishedDone = true
	w.pool.lock.Release()
	w.finishedCv.Broadcast()
}

// TpIdleOnExit makes the current activation skip the join states and go
// straight back to idle when TpStart returns.
func (w *Worker) TpIdleOnExit() {
	w.waitForJoin = false
}

// A Pool is a bounded collection of reusable workers.
type Pool struct {
	lock     Mutex
	factory  WorkerFactory
	nthreads uint32
	created  uint32

	idle   dqueue.Queue[*Worker]
	active dqueue.Queue[*Worker]
	joinq  dqueue.Queue[*Worker]

	shutdown bool

	// a Get sleeps here waiting for a worker to reach the idle queue
	idleCv Cond
	// a JoinAny sleeps here waiting for any worker to finish
	joinReadyCv Cond
}

// Init prepares the pool to run at most nthreads workers created by
// factory.
func (p *Pool) Init(nthreads uint32, factory WorkerFactory) {
	p.factory = factory
	p.nthreads = nthreads
	p.idleCv.Bind(&p.lock)
	p.joinReadyCv.Bind(&p.lock)
}

// Get allocates an idle worker, creating one if under the limit.  With
// wait false it returns ErrAllRunning instead of blocking; a shut-down
// pool returns ErrShutdown.
func (p *Pool) Get(wait bool) (PoolWorker, error) {
	p.lock.Take()
	for {
		if p.shutdown {
			p.lock.Release()
			return nil, ErrShutdown
		}
		w := p.idle.Pop()
		if w != nil {
			w.state = workerActive
			p.active.Append(w)
			p.lock.Release()
			return w.outer, nil
		}
		if p.created < p.nthreads {
			p.created++
			p.lock.Release()
			pw := p.factory.NewWorker()
			pw.base().init(p, pw)
			p.lock.Take()
			// The new worker parks itself in the idle queue once its
			// thread runs; wait for that so a caller never sees a
			// half-initialized worker, then allocate from the queue.
			for p.idle.Empty() && !p.shutdown {
				p.idleCv.Wait(nil)
			}
			continue
		}
		if !wait {
			p.lock.Release()
			return nil, ErrAllRunning
		}
		p.idleCv.Wait(nil)
	}
}

// JoinAny returns any finished worker and its TpStart value.  With wait
// false it returns ErrAllDone instead of blocking; a shutdown while
// blocked returns ErrShutdown.  The returned worker is in the joined
// state; call TpFinished on it to recycle it.
func (p *Pool) JoinAny(wait bool) (PoolWorker, interface{}, error) {
	p.lock.Take()
	for {
		w := p.joinq.Pop()
		if w != nil {
			w.state = workerJoined
			p.lock.Release()
			return w.outer, w.joinValue, nil
		}
		if !wait {
			p.lock.Release()
			return nil, nil, ErrAllDone
		}
		p.joinReadyCv.Wait(nil)
		if p.shutdown {
			p.lock.Release()
			return nil, nil, ErrShutdown
		}
	}
}

// Shutdown wakes every blocked Get, JoinAny, TpJoin and worker; workers
// exit their loops.  Pending activations already running complete their
// TpStart calls.
func (p *Pool) Shutdown() {
	p.lock.Take()
	p.shutdown = true
	p.lock.Release()

	p.idleCv.Broadcast()
	p.joinReadyCv.Broadcast()

	p.lock.Take()
	var workers []*Worker
	for w := p.active.Head(); w != nil; w = w.QueueLink().Next() {
		workers = append(workers, w)
	}
	for w := p.joinq.Head(); w != nil; w = w.QueueLink().Next() {
		workers = append(workers, w)
	}
	for w := p.idle.Head(); w != nil; w = w.QueueLink().Next() {
		workers = append(workers, w)
	}
	p.lock.Release()

	for _, w := range workers {
		w.joinOneReadyCv.Broadcast()
		w.resumeCv.Broadcast()
		w.finishedCv.Broadcast()
	}
}
