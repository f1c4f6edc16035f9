// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sim

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-lpc/hcomp/bus"
	"github.com/go-lpc/hcomp/daq"
)

func TestSequencer(t *testing.T) {
	var (
		seq = NewSequencer()
		now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	seq.now = func() time.Time { return now }

	err := seq.ForceStart()
	if !errors.Is(err, ErrNotArmed) {
		t.Fatalf("invalid error: got=%v, want=%v", err, ErrNotArmed)
	}

	for _, tc := range []struct {
		ic, op time.Duration
	}{
		{0, time.Millisecond},
		{2 * time.Second, time.Millisecond},
		{time.Millisecond, -1},
	} {
		err := seq.Arm(tc.ic, tc.op)
		if !errors.Is(err, ErrTiming) {
			t.Fatalf("ic=%v op=%v: invalid error: got=%v, want=%v", tc.ic, tc.op, err, ErrTiming)
		}
	}

	err = seq.Arm(100*time.Microsecond, time.Millisecond)
	if err != nil {
		t.Fatalf("could not arm: %+v", err)
	}
	if seq.IsDone() {
		t.Fatalf("done before start")
	}
	err = seq.ForceStart()
	if err != nil {
		t.Fatalf("could not start: %+v", err)
	}
	now = now.Add(time.Millisecond)
	if seq.IsDone() {
		t.Fatalf("done before end of operate")
	}
	now = now.Add(100 * time.Microsecond)
	if !seq.IsDone() {
		t.Fatalf("not done after end of operate")
	}

	err = seq.Arm(100*time.Microsecond, 0)
	if err != nil {
		t.Fatalf("could not arm: %+v", err)
	}
	_ = seq.ForceStart()
	now = now.Add(time.Hour)
	if seq.IsDone() {
		t.Fatalf("repetitive cycle done")
	}
	_ = seq.Halt()
	if !seq.IsDone() || !seq.Halted() {
		t.Fatalf("halted cycle not done")
	}
}

func TestSource(t *testing.T) {
	var (
		bp     = NewBackplane()
		chips  = AddCarrier(bp, 0)
		analog = NewAnalog(chips)
		src    = NewSource(analog)
	)
	analog.SetOffset(5, -0.5)
	// route source 5 to ADC channel 1.
	_ = chips.ADC.Tx(bus.DefaultSettings, []byte{0xff, 5, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, nil)

	var (
		mu     sync.Mutex
		frames [][]uint32
	)
	err := src.Start(1000, 2, func(frame []uint32) bool {
		mu.Lock()
		defer mu.Unlock()
		frames = append(frames, append([]uint32(nil), frame...))
		return true
	})
	if err != nil {
		t.Fatalf("could not start source: %+v", err)
	}
	if err := src.Start(1000, 2, nil); err == nil {
		t.Fatalf("expected an error starting a running source")
	}
	time.Sleep(20 * time.Millisecond)
	err = src.Stop()
	if err != nil {
		t.Fatalf("could not stop source: %+v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(frames) == 0 {
		t.Fatalf("no frame pushed")
	}
	for _, frame := range frames {
		if got, want := frame, []uint32{uint32(daq.Raw(0)), uint32(daq.Raw(-0.5))}; got[0] != want[0] || got[1] != want[1] {
			t.Fatalf("invalid frame: got=%v, want=%v", got, want)
		}
	}
}
