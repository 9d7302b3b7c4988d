// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lwt

import (
	"os"

	"github.com/sirupsen/logrus"
)

// The runtime logs only off the hot paths: deadlock traces, thread
// panic dumps, readiness-registration failures and lifecycle debug.

var logger logrus.FieldLogger = newDefaultLogger()

func newDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLogger replaces the runtime's diagnostic logger.  Call it before
// Setup; the logger is not otherwise synchronized.
func SetLogger(l logrus.FieldLogger) {
	logger = l
}

// Logger returns the runtime's diagnostic logger.
func Logger() logrus.FieldLogger {
	return logger
}
