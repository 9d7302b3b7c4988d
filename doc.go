// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lwt implements a cooperative M:N user-thread runtime: many
// lightweight threads multiplexed over a small fixed pool of
// dispatchers, each pinned to an OS thread.  A Thread runs until it
// calls a blocking primitive; the primitive enqueues it on a wait list
// under a spin lock and hands the dispatcher back through
// Thread.Sleep, which releases that spin lock only once the thread has
// left the dispatcher.  Wakers pop threads from wait lists and requeue
// them on a dispatcher's run queue.
//
// The package provides the blocking primitives built on that protocol:
// a FIFO Mutex, a Mesa-style Cond with timed waits, a fair
// read/write/upgrade RWLock, a Timer service, a byte Pipe, and a worker
// Pool.  A deadlock detector can pause all dispatchers and walk the
// mutex wait-for graph.  The companion package epoll bridges kernel
// file-descriptor readiness into cooperative waits.
//
// Call Setup once at process start; it creates the dispatchers and
// adopts the calling goroutine so it may use the blocking primitives.
// Other goroutines not created through NewThread can join in with
// AdoptHostThread.
package lwt
