// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package epoll bridges kernel file-descriptor readiness into lwt's
// cooperative waits.  A Sys owns two polling host threads, one for
// readable descriptors and one for writable; an Event registers one
// descriptor for one direction as a one-shot notification.  Event.Wait
// re-arms the registration and sleeps the calling thread until the
// kernel reports readiness; the descriptor itself need not be
// non-blocking.
//
// Events and the Sys are reference counted because they point at each
// other: each event holds a reference on its Sys, each polling thread
// holds a long-lived one, and a closed event is not released until its
// polling thread has drained it from the removing queue on a safe
// epoch, outside the kernel wait.
package epoll

import (
	"errors"

	"golang.org/x/sys/unix"

	"v.io/x/lwt"
	"v.io/x/lwt/dqueue"
)

// Flags selects the direction a wait observes.
type Flags uint32

const (
	// In waits for the descriptor to be readable (also used to wait
	// for a listening socket to have a connection to accept).
	In Flags = 1 << iota
	// Out waits for the descriptor to have room for at least some
	// output.
	Out
)

var (
	// ErrClosed is returned by Wait when the event (or its Sys) was
	// closed.
	ErrClosed = errors.New("epoll: event closed")
	// ErrRegister is returned by Wait when the descriptor could not be
	// registered with the kernel; the event is dead.
	ErrRegister = errors.New("epoll: kernel registration failed")
)

type queueID int

const (
	inNoQueue queueID = iota
	inActiveQueue
	inRemovingQueue
)

// A pollOne is one polling side: an epoll instance, its host thread,
// and a self-pipe for cross-thread wakeups.
type pollOne struct {
	sys   *Sys
	label string

	epFd        int
	readWakeFd  int
	writeWakeFd int

	running    bool // polling thread is between queue drains
	doShutdown bool

	active   dqueue.Queue[*Event]
	removing dqueue.Queue[*Event]
	events   map[int32]*Event // registered fd -> event
}

// A Sys is a readiness-event subsystem.
type Sys struct {
	name     string
	refCount uint32
	lock     lwt.Mutex

	readOne  pollOne
	writeOne pollOne
}

// NewSys creates a subsystem and its two polling threads.  name is used
// in diagnostics.
func NewSys(name string) (*Sys, error) {
	s := &Sys{name: name, refCount: 1}
	if err := s.readOne.init(s, "read"); err != nil {
		return nil, err
	}
	if err := s.writeOne.init(s, "write"); err != nil {
		return nil, err
	}
	return s, nil
}

func (o *pollOne) init(s *Sys, label string) error {
	o.sys = s
	o.label = label
	o.events = make(map[int32]*Event)

	epFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		unix.Close(epFd)
		return err
	}
	o.epFd = epFd
	o.readWakeFd = fds[0]
	o.writeWakeFd = fds[1]

	// The self-pipe is a permanent level-triggered registration; its fd
	// is the sentinel that distinguishes wakeups from real events.
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(o.readWakeFd)}
	if err := unix.EpollCtl(o.epFd, unix.EPOLL_CTL_ADD, o.readWakeFd, &ev); err != nil {
		unix.Close(o.epFd)
		unix.Close(o.readWakeFd)
		unix.Close(o.writeWakeFd)
		return err
	}

	// The polling thread holds a reference on the Sys for its whole
	// life; taken here, before it can possibly exit.
	s.refCount++
	go o.run()
	return nil
}

// wakeLocked pokes the polling thread out of its kernel wait.  Called
// with the Sys lock held.
func (o *pollOne) wakeLocked() {
	if !o.running {
		o.running = true
		var b = [1]byte{'x'}
		for {
			_, err := unix.Write(o.writeWakeFd, b[:])
			if err != unix.EINTR {
				break
			}
		}
	}
}

// run is the polling host thread: drain the removing queue on a safe
// epoch, wait in the kernel, trigger delivered events.
func (o *pollOne) run() {
	lwt.AdoptHostThread("epoll " + o.label + " poller")
	s := o.sys

	var results [16]unix.EpollEvent
	for {
		s.lock.Take()
		for {
			ep := o.removing.Pop()
			if ep == nil {
				break
			}
			ep.inQueue = inNoQueue
			if o.events[int32(ep.fd)] == ep {
				delete(o.events, int32(ep.fd))
				if ep.added {
					// Best effort; the caller may already have closed
					// the fd, which also deregisters it.
					unix.EpollCtl(o.epFd, unix.EPOLL_CTL_DEL, ep.fd, nil)
				}
			}
			// Drop the creation reference staged by close.
			ep.releaseLocked()
		}
		if o.doShutdown {
			s.releaseLocked() // the polling thread's reference
			s.lock.Release()
			unix.Close(o.epFd)
			unix.Close(o.readWakeFd)
			unix.Close(o.writeWakeFd)
			return
		}
		o.running = false
		s.lock.Release()

		n, err := unix.EpollWait(o.epFd, results[:], -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			lwt.Logger().Errorf("epoll %s poller: wait failed: %v", o.label, err)
			return
		}

		s.lock.Take()
		o.running = true
		for i := 0; i < n; i++ {
			fd := results[i].Fd
			if fd == int32(o.readWakeFd) {
				var b [1]byte
				for {
					_, err := unix.Read(o.readWakeFd, b[:])
					if err != unix.EINTR {
						break
					}
				}
				continue
			}
			if ep := o.events[fd]; ep != nil {
				ep.triggered = true
				ep.cv.Broadcast()
			}
		}
		s.lock.Release()
	}
}

// Hold takes a reference on the Sys.
func (s *Sys) Hold() {
	s.lock.Take()
	s.refCount++
	s.lock.Release()
}

// Release drops a reference on the Sys.
func (s *Sys) Release() {
	s.lock.Take()
	s.releaseLocked()
	s.lock.Release()
}

func (s *Sys) releaseLocked() {
	if s.refCount == 0 {
		panic("epoll: Sys released too many times")
	}
	s.refCount--
	// Storage is garbage collected once the count reaches zero and the
	// last pointer is dropped.
}

// Close shuts the subsystem down: every remaining event is moved to its
// removing queue and triggered closed, and the polling threads exit
// after draining them.  The caller's reference is dropped.
func (s *Sys) Close() {
	s.lock.Take()
	for _, o := range []*pollOne{&s.readOne, &s.writeOne} {
		for ep := o.active.Pop(); ep != nil; ep = o.active.Pop() {
			o.removing.Append(ep)
			ep.inQueue = inRemovingQueue
			ep.closed = true
			ep.cv.Broadcast()
		}
		o.doShutdown = true
		o.wakeLocked()
	}
	s.releaseLocked()
	s.lock.Release()
}

// An Event is a one-shot readiness notification for one descriptor in
// one direction.  Wait blocks the calling thread until the kernel
// reports the descriptor ready; the registration is disabled once
// delivered and re-armed by the next Wait.
type Event struct {
	link dqueue.Link[*Event]

	fd      int
	isWrite bool
	flags   Flags // last direction waited for, for debugging

	refCount  uint32
	triggered bool
	added     bool // registered with the kernel at least once
	failed    bool
	closed    bool

	inQueue queueID

	one *pollOne
	sys *Sys
	cv  *lwt.Cond
}

func (e *Event) QueueLink() *dqueue.Link[*Event] { return &e.link }

// NewEvent creates an event for fd on sys.  isWrite selects the
// write-side polling thread; it must agree with the direction passed to
// Wait.
func NewEvent(sys *Sys, fd int, isWrite bool) *Event {
	e := &Event{
		fd:       fd,
		isWrite:  isWrite,
		refCount: 1,
		sys:      sys,
		inQueue:  inNoQueue,
	}
	if isWrite {
		e.one = &sys.writeOne
	} else {
		e.one = &sys.readOne
	}
	sys.Hold()
	e.cv = lwt.NewCond(&sys.lock)
	return e
}

// armLocked installs or re-arms the one-shot kernel registration.
func (e *Event) armLocked(fl Flags) error {
	e.flags = fl
	events := uint32(unix.EPOLLONESHOT)
	if fl&In != 0 {
		events |= unix.EPOLLIN
	} else {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(e.fd)}
	op := unix.EPOLL_CTL_MOD
	if !e.added {
		op = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(e.one.epFd, op, e.fd, &ev); err != nil {
		return err
	}
	e.added = true
	return nil
}

// Wait blocks until the descriptor is ready for the given direction,
// the event is closed (ErrClosed), or its registration has failed
// (ErrRegister).  A readiness that arrived since the last Wait is
// consumed immediately.
func (e *Event) Wait(fl Flags) error {
	s := e.sys
	s.lock.Take()
	if e.failed {
		s.lock.Release()
		return ErrRegister
	}
	if e.closed {
		s.lock.Release()
		return ErrClosed
	}
	if e.triggered {
		e.triggered = false
		s.lock.Release()
		return nil
	}

	if err := e.armLocked(fl); err != nil {
		// Mark dead and trigger so any concurrent waiter wakes and
		// observes the failure too.
		e.failed = true
		e.triggered = true
		e.cv.Broadcast()
		s.lock.Release()
		lwt.Logger().Errorf("epoll: registering fd %d failed: %v", e.fd, err)
		return ErrRegister
	}
	if e.inQueue == inNoQueue {
		e.one.active.Append(e)
		e.inQueue = inActiveQueue
		e.one.events[int32(e.fd)] = e
	}
	e.one.wakeLocked()

	for !e.triggered && !e.closed && !e.failed {
		e.cv.Wait(nil)
	}
	var err error
	switch {
	case e.failed:
		err = ErrRegister
	case e.closed && !e.triggered:
		err = ErrClosed
	}
	e.triggered = false
	s.lock.Release()
	return err
}

// Hold takes a reference on the event.
func (e *Event) Hold() {
	e.sys.lock.Take()
	e.refCount++
	e.sys.lock.Release()
}

// Release drops a reference.  Owners of an event call Close instead;
// the creation reference is released by the polling thread's drain.
func (e *Event) Release() {
	e.sys.lock.Take()
	e.releaseLocked()
	e.sys.lock.Release()
}

func (e *Event) releaseLocked() {
	if e.refCount == 0 {
		panic("epoll: Event released too many times")
	}
	e.refCount--
	if e.refCount == 0 {
		e.sys.releaseLocked()
	}
}

// Close retires the event: waiters wake with ErrClosed, the polling
// thread drops the kernel registration and the creation reference when
// it next drains its removing queue.  The self-pipe wakeup guarantees
// that drain happens even if the kernel never reports the descriptor
// again.
func (e *Event) Close() {
	s := e.sys
	s.lock.Take()
	if e.closed {
		s.lock.Release()
		return
	}
	switch e.inQueue {
	case inActiveQueue:
		e.one.active.Remove(e)
	case inRemovingQueue:
		e.one.removing.Remove(e)
	}
	e.one.removing.Append(e)
	e.inQueue = inRemovingQueue
	e.closed = true
	e.cv.Broadcast()
	e.one.wakeLocked()
	s.lock.Release()
}
