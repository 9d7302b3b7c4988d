// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lwt

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// squareWorker squares the input primed into it before each resume.
type squareWorker struct {
	Worker
	input int
}

func (w *squareWorker) TpStart() interface{} {
	return w.input * w.input
}

type squareFactory struct{}

func (squareFactory) NewWorker() PoolWorker { return &squareWorker{} }

func TestPoolJoinSpecific(t *testing.T) {
	AdoptHostThread("pool join test")
	pool := &Pool{}
	pool.Init(4, squareFactory{})
	defer pool.Shutdown()

	for round := 0; round < 20; round++ {
		pw, err := pool.Get(true)
		require.NoError(t, err)
		w := pw.(*squareWorker)
		w.input = round
		w.TpResume()
		v := w.TpJoin()
		assert.Equal(t, round*round, v)
		w.TpFinished()
	}
}

func TestPoolJoinAny(t *testing.T) {
	AdoptHostThread("pool joinany test")
	pool := &Pool{}
	pool.Init(4, squareFactory{})
	defer pool.Shutdown()

	const tasks = 12
	launched := 0
	results := map[int]bool{}
	outstanding := 0

	for launched < tasks {
		pw, err := pool.Get(false)
		if err == ErrAllRunning {
			jw, v, jerr := pool.JoinAny(true)
			require.NoError(t, jerr)
			results[v.(int)] = true
			jw.(*squareWorker).TpFinished()
			outstanding--
			continue
		}
		require.NoError(t, err)
		w := pw.(*squareWorker)
		w.input = launched
		launched++
		outstanding++
		w.TpResume()
	}
	for outstanding > 0 {
		jw, v, err := pool.JoinAny(true)
		require.NoError(t, err)
		results[v.(int)] = true
		jw.(*squareWorker).TpFinished()
		outstanding--
	}

	if _, _, err := pool.JoinAny(false); err != ErrAllDone {
		t.Fatalf("JoinAny on a drained pool returned %v", err)
	}
	for i := 0; i < tasks; i++ {
		assert.True(t, results[i*i], "missing result %d", i*i)
	}
}

// idleOnExit workers skip the join queue entirely.
type fireForgetWorker struct {
	Worker
	counter *int64
}

func (w *fireForgetWorker) TpStart() interface{} {
	w.TpIdleOnExit()
	atomic.AddInt64(w.counter, 1)
	return nil
}

func TestPoolIdleOnExit(t *testing.T) {
	AdoptHostThread("pool idle-on-exit test")
	var counter int64
	pool := &Pool{}
	pool.Init(2, factoryFunc(func() PoolWorker {
		return &fireForgetWorker{counter: &counter}
	}))
	defer pool.Shutdown()

	const tasks = 10
	for i := 0; i < tasks; i++ {
		pw, err := pool.Get(true)
		require.NoError(t, err)
		pw.(*fireForgetWorker).TpResume()
	}

	// Every worker goes straight back to idle, so repeated Gets always
	// succeed; wait for the counter to settle.
	for i := 0; i < 200; i++ {
		if atomic.LoadInt64(&counter) == tasks {
			return
		}
		Sleep(5)
	}
	t.Fatalf("idle-on-exit workers ran %d of %d tasks", atomic.LoadInt64(&counter), tasks)
}

type factoryFunc func() PoolWorker

func (f factoryFunc) NewWorker() PoolWorker { return f() }

func TestPoolShutdownWakesJoiners(t *testing.T) {
	AdoptHostThread("pool shutdown test")
	pool := &Pool{}
	pool.Init(1, squareFactory{})

	result := make(chan error, 1)
	NewThread("joiner", func() interface{} {
		_, _, err := pool.JoinAny(true)
		result <- err
		return nil
	}).Queue()

	Sleep(30)
	pool.Shutdown()
	if err := <-result; err != ErrShutdown {
		t.Fatalf("JoinAny after shutdown returned %v", err)
	}

	if _, err := pool.Get(true); err != ErrShutdown {
		t.Fatalf("Get after shutdown returned %v", err)
	}
}
