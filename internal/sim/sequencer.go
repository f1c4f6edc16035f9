// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sim

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNotArmed = errors.New("sim: sequencer not armed")
	ErrTiming   = errors.New("sim: duration out of range")
)

// Sequencer models the IC/OP timer of the hybrid controller.
// It runs on the wall clock.
type Sequencer struct {
	MinIC time.Duration
	MaxIC time.Duration
	MaxOP time.Duration

	mu    sync.Mutex
	ic    time.Duration
	op    time.Duration
	armed bool
	start time.Time
	halt  bool
	now   func() time.Time
}

// NewSequencer returns a sequencer with the timing range of the hardware:
// 100ns resolution, at most ~1.7s of initial conditions and ~4.9days of
// operate.
func NewSequencer() *Sequencer {
	return &Sequencer{
		MinIC: 100 * time.Nanosecond,
		MaxIC: (1<<24 - 1) * 100 * time.Nanosecond,
		MaxOP: (1<<32 - 1) * 100 * time.Microsecond,
		now:   time.Now,
	}
}

func (seq *Sequencer) Arm(ic, op time.Duration) error {
	if ic < seq.MinIC || ic > seq.MaxIC {
		return fmt.Errorf("%w: ic=%v", ErrTiming, ic)
	}
	if op < 0 || op > seq.MaxOP {
		return fmt.Errorf("%w: op=%v", ErrTiming, op)
	}

	seq.mu.Lock()
	defer seq.mu.Unlock()
	seq.ic = ic
	seq.op = op
	seq.armed = true
	seq.halt = false
	seq.start = time.Time{}
	return nil
}

func (seq *Sequencer) ForceStart() error {
	seq.mu.Lock()
	defer seq.mu.Unlock()
	if !seq.armed {
		return ErrNotArmed
	}
	seq.start = seq.now()
	return nil
}

// IsDone reports whether the armed cycle elapsed. A cycle with no operate
// time never completes.
func (seq *Sequencer) IsDone() bool {
	seq.mu.Lock()
	defer seq.mu.Unlock()
	switch {
	case seq.halt:
		return true
	case seq.start.IsZero(), seq.op == 0:
		return false
	}
	return seq.now().Sub(seq.start) >= seq.ic+seq.op
}

func (seq *Sequencer) Halt() error {
	seq.mu.Lock()
	defer seq.mu.Unlock()
	seq.halt = true
	seq.armed = false
	return nil
}

// Halted reports whether the last cycle was halted.
func (seq *Sequencer) Halted() bool {
	seq.mu.Lock()
	defer seq.mu.Unlock()
	return seq.halt
}
