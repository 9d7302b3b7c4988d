// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lwt

import (
	"os"
	"testing"
)

// The testing package runs every test on a fresh goroutine, so each
// test adopts itself before touching the blocking primitives.

func TestMain(m *testing.M) {
	Setup(4, 1000)
	os.Exit(m.Run())
}
