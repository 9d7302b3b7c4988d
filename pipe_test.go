// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lwt

import (
	"bytes"
	"io"
	"testing"
)

func TestPipeTransfer(t *testing.T) {
	AdoptHostThread("pipe test")
	p := NewPipe()

	// more data than the buffer holds, so the writer must block
	payload := make([]byte, 3*pipeMaxBytes+17)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	writer := NewThread("pipe writer", func() interface{} {
		n, err := p.Write(payload)
		if err != nil {
			return err
		}
		p.Eof()
		return n
	})
	writer.SetJoinable()
	writer.Queue()

	var got bytes.Buffer
	buf := make([]byte, 1000)
	for {
		n, err := p.Read(buf)
		got.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
	}

	if v := writer.Join(); v.(int) != len(payload) {
		t.Fatalf("writer wrote %v bytes, want %d", v, len(payload))
	}
	if !bytes.Equal(got.Bytes(), payload) {
		t.Fatal("pipe corrupted the byte stream")
	}
	if !p.AtEof() || p.Count() != 0 {
		t.Fatal("pipe not drained at EOF")
	}
}

func TestPipeWriteAfterEof(t *testing.T) {
	AdoptHostThread("pipe eof test")
	p := NewPipe()
	p.Eof()
	if _, err := p.Write([]byte("x")); err != ErrPipeEOF {
		t.Fatalf("write past EOF returned %v", err)
	}
	if n, err := p.Read(make([]byte, 4)); n != 0 || err != io.EOF {
		t.Fatalf("read at EOF returned %d, %v", n, err)
	}
}

func TestPipeWaitForEof(t *testing.T) {
	AdoptHostThread("pipe waitforeof test")
	p := NewPipe()

	writer := NewThread("pipe eof writer", func() interface{} {
		// several buffers' worth, discarded by WaitForEof
		junk := make([]byte, pipeMaxBytes)
		for i := 0; i < 3; i++ {
			if _, err := p.Write(junk); err != nil {
				return err
			}
		}
		p.Eof()
		return nil
	})
	writer.SetJoinable()
	writer.Queue()

	p.WaitForEof()
	if v := writer.Join(); v != nil {
		t.Fatalf("writer failed: %v", v)
	}
	if p.Count() != 0 {
		t.Fatal("data left after WaitForEof")
	}
}
