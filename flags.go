// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lwt

import (
	"runtime"
	"time"

	"github.com/spf13/pflag"
)

// Flags holds the runtime's command-line tunables.  Register them on a
// pflag FlagSet with RegisterFlags and apply them with SetupFromFlags.
type Flags struct {
	// Dispatchers is the number of dispatchers to create; Setup's caps
	// still apply.
	Dispatchers int

	// SpinMicroseconds is how long an idle dispatcher spins on its run
	// queue before blocking its OS thread.
	SpinMicroseconds int

	// MonitorDeadlocks starts the background deadlock monitor.
	MonitorDeadlocks bool

	// DeadlockInterval is the monitor's polling interval.
	DeadlockInterval time.Duration
}

// RegisterFlags registers the runtime flags on fs.
func RegisterFlags(fs *pflag.FlagSet, f *Flags) {
	fs.IntVar(&f.Dispatchers, "lwt-dispatchers", runtime.NumCPU()-1,
		"number of lwt dispatchers (capped at NumCPU-1)")
	fs.IntVar(&f.SpinMicroseconds, "lwt-spin-us", 1000,
		"microseconds an idle lwt dispatcher spins before blocking")
	fs.BoolVar(&f.MonitorDeadlocks, "lwt-deadlock-monitor", false,
		"run a background deadlock monitor that aborts on detection")
	fs.DurationVar(&f.DeadlockInterval, "lwt-deadlock-interval", 10*time.Second,
		"polling interval of the deadlock monitor")
}

// SetupFromFlags calls Setup with the flag values and starts the
// deadlock monitor when requested.
func SetupFromFlags(f *Flags) {
	Setup(f.Dispatchers, f.SpinMicroseconds)
	if f.MonitorDeadlocks {
		StartDeadlockMonitor(f.DeadlockInterval)
	}
}
