// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lwt

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/spf13/pflag"
)

func TestSpinLock(t *testing.T) {
	var l SpinLock
	l.Take()
	if l.TryLock() {
		t.Fatal("TryLock acquired a held lock")
	}
	l.Release()
	if !l.TryLock() {
		t.Fatal("TryLock failed on a free lock")
	}
	l.Release()
}

func TestDispatcherCount(t *testing.T) {
	if dispatcherCount < 1 {
		t.Fatalf("no dispatchers after Setup")
	}
	max := runtime.NumCPU() - 1
	if max < 1 {
		max = 1
	}
	if dispatcherCount > max || dispatcherCount > maxDispatchers {
		t.Fatalf("dispatcher count %d exceeds caps", dispatcherCount)
	}
}

func TestPauseResume(t *testing.T) {
	AdoptHostThread("pause test")

	// With no runnable work the dispatchers go idle and the pause
	// settles; queued work then stays queued until resume.
	PauseAllDispatching()
	settled := false
	for i := 0; i < 500; i++ {
		if PausedAllDispatching() {
			settled = true
			break
		}
		Sleep(2)
	}
	if !settled {
		ResumeAllDispatching()
		t.Skip("dispatchers never went idle; background work still running")
	}

	ran := int32(0)
	NewThread("paused runner", func() interface{} {
		atomic.StoreInt32(&ran, 1)
		return nil
	}).Queue()

	Sleep(50)
	if atomic.LoadInt32(&ran) != 0 {
		ResumeAllDispatching()
		t.Fatal("thread ran while dispatchers were paused")
	}
	ResumeAllDispatching()
	for i := 0; i < 500; i++ {
		if atomic.LoadInt32(&ran) == 1 {
			return
		}
		Sleep(2)
	}
	t.Fatal("thread never ran after resume")
}

func TestMonitorHookRuns(t *testing.T) {
	AdoptHostThread("monitor test")
	var hits int32
	SetMonitor(func() { atomic.AddInt32(&hits, 1) })
	defer SetMonitor(nil)

	// park and wake a thread so some dispatcher goes idle
	NewThread("napper", func() interface{} {
		Sleep(10)
		return nil
	}).Queue()
	for i := 0; i < 500; i++ {
		if atomic.LoadInt32(&hits) > 0 {
			return
		}
		Sleep(2)
	}
	t.Fatal("monitor hook never invoked")
}

func TestRegisterFlags(t *testing.T) {
	fs := pflag.NewFlagSet("lwt", pflag.ContinueOnError)
	var f Flags
	RegisterFlags(fs, &f)
	if err := fs.Parse([]string{
		"--lwt-dispatchers=2",
		"--lwt-spin-us=0",
		"--lwt-deadlock-interval=30s",
	}); err != nil {
		t.Fatal(err)
	}
	if f.Dispatchers != 2 || f.SpinMicroseconds != 0 {
		t.Fatalf("flags not applied: %+v", f)
	}
	if f.MonitorDeadlocks {
		t.Fatal("deadlock monitor defaulted on")
	}
	if f.DeadlockInterval.Seconds() != 30 {
		t.Fatalf("interval flag not applied: %v", f.DeadlockInterval)
	}
}
