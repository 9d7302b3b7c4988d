// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lwt

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"v.io/x/lwt/dqueue"
)

// wait reasons stored in a thread's waitReason field while it sleeps on
// an RWLock queue, so wakeNext can tell a plain write waiter from an
// upgrade holder waiting for its promotion.
const (
	reasonNone = iota
	reasonRead
	reasonWrite
	reasonUpgrade
	reasonUpgradeToWrite
)

// A threadEntry lets a Thread be a member of the global registries
// independently of the run-queue/wait-list link.
type threadEntry struct {
	link   dqueue.Link[*threadEntry]
	thread *Thread
}

func (e *threadEntry) QueueLink() *dqueue.Link[*threadEntry] { return &e.link }

// The global thread lock protects the allThreads and joinThreads lists,
// every thread's joiner slot, and each dispatcher's helper items.
var (
	globalThreadLock SpinLock
	allThreads       dqueue.Queue[*threadEntry]
	joinThreads      dqueue.Queue[*threadEntry]

	threadSeq uint64 // creation sequence, feeds dispatcher selection
)

// A Thread is a lightweight cooperative thread.  It is backed by a
// goroutine that runs only while a dispatcher has resumed it; a parked
// thread holds no dispatcher.  A thread may be in at most one of: a
// dispatcher's run queue, one primitive's wait list, the join list.  It
// is always in the global registry until it is destroyed.
type Thread struct {
	qlink dqueue.Link[*Thread] // run queue or wait list membership

	name      string
	startFn   func() interface{}
	seq       uint64
	stackSize uint32 // requested size, recorded for diagnostics only

	sem     binarySemaphore // parked threads wait here
	started bool            // goroutine launched; owned by the scheduler

	allEntry  threadEntry
	joinEntry threadEntry

	// Set while sleeping on a mutex; read by the deadlock detector,
	// which cannot pause adopted host threads, hence atomic.
	blockingMutex atomic.Pointer[Mutex]
	marked        uint32 // deadlock sweep tag

	// RWLock wait bookkeeping, valid only while queued there.
	waitReason int
	waitTag    uint32

	currentDisp *Dispatcher // dispatcher that last resumed us
	wiredDisp   *Dispatcher // non-nil for adopted host threads

	joinable   bool
	exited     bool
	inJoinList bool
	joiner     *Thread
	exitValue  interface{}

	// set by Exit before the trampoline unwinds
	exitCalled   bool
	exitCalledV  interface{}
	normalReturn bool
	returned     interface{}

	goroutineID uint64

	createTime time.Time
	lastStart  time.Time
	runTime    time.Duration
}

func (t *Thread) QueueLink() *dqueue.Link[*Thread] { return &t.qlink }

// defaultStackSize is the stack size recorded for threads that do not
// ask for one.  Goroutine stacks are grown by the runtime, so the value
// is advisory; it is kept for parity with diagnostics that report it.
const defaultStackSize = 128 * 1024

// NewThread creates a thread that will run start when first queued.
// The value returned by start becomes the join value.  The thread is
// registered but does not run until Queue is called.
func NewThread(name string, start func() interface{}) *Thread {
	return NewThreadStack(name, 0, start)
}

// NewThreadStack is NewThread with a requested stack size; zero means
// the default.  The size is recorded, not enforced: the runtime manages
// goroutine stacks.
func NewThreadStack(name string, stackSize uint32, start func() interface{}) *Thread {
	if stackSize == 0 {
		stackSize = defaultStackSize
	}
	t := &Thread{
		name:       name,
		startFn:    start,
		seq:        atomic.AddUint64(&threadSeq, 1),
		stackSize:  stackSize,
		createTime: time.Now(),
	}
	t.sem.init()
	t.allEntry.thread = t
	t.joinEntry.thread = t
	globalThreadLock.Take()
	allThreads.Append(&t.allEntry)
	globalThreadLock.Release()
	return t
}

// StackSize returns the stack size the thread was created with.
func (t *Thread) StackSize() uint32 { return t.stackSize }

// newAdoptedThread makes a Thread representing a host goroutine wired
// to its private dispatcher.  The goroutine is already running, so the
// thread starts life as the dispatcher's current thread.
func newAdoptedThread(name string, d *Dispatcher) *Thread {
	t := NewThread(name, nil)
	t.started = true
	t.wiredDisp = d
	t.currentDisp = d
	t.lastStart = time.Now()
	return t
}

// Name returns the thread's name.
func (t *Thread) Name() string { return t.name }

// SetName renames the thread.
func (t *Thread) SetName(name string) { t.name = name }

// CreateTime returns when the thread was created.
func (t *Thread) CreateTime() time.Time { return t.createTime }

// RunDuration returns the accumulated time the thread has spent
// dispatched.  It is advisory: the running slice of the current
// dispatch is not included.
func (t *Thread) RunDuration() time.Duration { return t.runTime }

// SetJoinable marks the thread as joinable.  Once set, the thread's
// state is retained after exit until Join collects it.  Must be called
// before the thread exits.
func (t *Thread) SetJoinable() { t.joinable = true }

// Queue makes the thread runnable, placing it on a dispatcher's run
// queue.  Threads are hashed onto dispatchers by creation sequence;
// wired (adopted) threads always return to their own dispatcher.  The
// caller must guarantee the thread is not running and not queued, which
// is normally the waker's side of a wait-list protocol.
func (t *Thread) Queue() {
	if t.wiredDisp != nil {
		t.wiredDisp.queueThread(t)
		return
	}
	n := dispatcherCount
	if n == 0 {
		panic("lwt: Queue before Setup")
	}
	allDispatchers[(t.seq%127)%uint64(n)].queueThread(t)
}

// Sleep parks the thread, releasing lock only after the thread has left
// its dispatcher.  The caller must be the running thread itself, must
// hold lock, and must already have published itself on some wait list
// guarded by lock.  On return the thread has been resumed by a waker
// and lock is no longer held.
func (t *Thread) Sleep(lock *SpinLock) {
	d := t.currentDisp
	if d == nil {
		panic("lwt: Sleep on a thread with no dispatcher")
	}
	d.sleepThread(t, lock)
}

// Current returns the Thread running on the calling goroutine.  It
// panics if the goroutine is not an lwt thread; use IsLwt to test.
func Current() *Thread {
	t := lookupGoroutine(goid())
	if t == nil {
		panic("lwt: Current called from a non-lwt goroutine")
	}
	return t
}

// IsLwt returns whether the calling goroutine is an lwt thread
// (created by NewThread or adopted by AdoptHostThread).
func IsLwt() bool {
	return lookupGoroutine(goid()) != nil
}

// Exit terminates the calling thread with the given join value.  It
// does not return.  A thread that returns normally from its start
// function exits with the returned value instead.
func (t *Thread) Exit(value interface{}) {
	if Current() != t {
		panic("lwt: Exit called from another thread")
	}
	if t.startFn == nil {
		panic("lwt: Exit of an adopted host thread")
	}
	t.exitCalled = true
	t.exitCalledV = value
	runtime.Goexit() // the trampoline's deferred unwind completes the exit
}

// main is the thread trampoline: the first activation of the backing
// goroutine.  The dispatcher that popped the thread is waiting on its
// handoff semaphore, so the goroutine is born dispatched.
func (t *Thread) main() {
	t.goroutineID = goid()
	registerGoroutine(t.goroutineID, t)
	defer t.unwind()
	t.returned = t.startFn()
	t.normalReturn = true
}

// unwind handles the three ways a thread's start function can end:
// normal return, Exit, and panic.  Panics are invariant violations;
// they are dumped and take the process down.
func (t *Thread) unwind() {
	if r := recover(); r != nil {
		logger.WithFields(logrus.Fields{
			"thread":    t.name,
			"goroutine": t.goroutineID,
		}).Errorf("unhandled panic in thread: %v", r)
		fmt.Fprintf(os.Stderr, "Stacktrace:\n%s\n", debug.Stack())
		os.Exit(2)
	}
	value := t.returned
	if t.exitCalled {
		value = t.exitCalledV
	}
	t.finishExit(value)
}

// finishExit records the exit under the global thread lock, wakes or
// stages the joiner, and leaves the dispatcher.  The joiner (or the
// helper, for detached threads) is responsible for destroying the
// thread; its re-acquisition of the global thread lock proves the
// exiter has left its dispatcher first.
func (t *Thread) finishExit(value interface{}) {
	globalThreadLock.Take()
	if t.exited {
		globalThreadLock.Release()
		panic("lwt: thread exited twice")
	}
	t.exited = true
	t.exitValue = value
	d := t.currentDisp
	if t.joinable {
		if t.joiner != nil {
			j := t.joiner
			t.joiner = nil
			j.Queue()
		} else {
			joinThreads.Append(&t.joinEntry)
			t.inJoinList = true
		}
	} else {
		// Detached threads are destroyed by the helper, which runs
		// only after it can take the global thread lock, i.e. after
		// our dispatcher has released it below.
		d.helper.queueItem(nil, t)
	}
	unregisterGoroutine(t.goroutineID)
	d.exitThread(t, &globalThreadLock)
}

// Join waits for the thread to exit and returns its exit value.  The
// thread must be joinable.  Join also destroys the thread: it must be
// called exactly once, and the *Thread is invalid afterwards.
func (t *Thread) Join() interface{} {
	me := Current()
	globalThreadLock.Take()
	if !t.joinable {
		globalThreadLock.Release()
		panic("lwt: Join of a non-joinable thread")
	}
	if !t.exited {
		t.joiner = me
		me.Sleep(&globalThreadLock)

		// Reobtaining the lock here is the barrier that keeps us from
		// destroying the thread while it is still leaving its
		// dispatcher.
		globalThreadLock.Take()
		if !t.exited {
			globalThreadLock.Release()
			panic("lwt: joiner woke before exit")
		}
		globalThreadLock.Release()
	} else {
		globalThreadLock.Release()
	}
	value := t.exitValue
	t.destroy()
	return value
}

// destroy removes the thread from the global registries.  The memory
// itself is garbage collected once callers drop their pointers.
func (t *Thread) destroy() {
	globalThreadLock.Take()
	allThreads.Remove(&t.allEntry)
	if t.inJoinList {
		t.inJoinList = false
		joinThreads.Remove(&t.joinEntry)
	}
	globalThreadLock.Release()
}

/*****************helper*****************/

// helperItem is a unit of deferred work handed to a dispatcher's
// helper thread: destroy one thread and/or queue another, from a
// context that is guaranteed not to be either thread.  Items are
// protected by the global thread lock.
type helperItem struct {
	link    dqueue.Link[*helperItem]
	toFree  *Thread
	toQueue *Thread
}

func (i *helperItem) QueueLink() *dqueue.Link[*helperItem] { return &i.link }

type threadHelper struct {
	items   dqueue.Queue[*helperItem]
	running bool
	thread  *Thread
}

func newThreadHelper() *threadHelper {
	h := &threadHelper{}
	h.thread = NewThread("thread helper", h.run)
	return h
}

// queueItem stages work for the helper.  Must be called with the global
// thread lock held.
func (h *threadHelper) queueItem(toQueue, toFree *Thread) {
	item := &helperItem{toFree: toFree, toQueue: toQueue}
	h.items.Append(item)
	if !h.running {
		h.running = true
		h.thread.Queue()
	}
}

func (h *threadHelper) run() interface{} {
	for {
		globalThreadLock.Take()
		item := h.items.Pop()
		if item == nil {
			h.running = false
			h.thread.Sleep(&globalThreadLock)
			continue
		}
		globalThreadLock.Release()
		if item.toFree != nil {
			item.toFree.destroy()
		}
		if item.toQueue != nil {
			item.toQueue.Queue()
		}
	}
}
