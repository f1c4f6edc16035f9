// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sim provides a simulated backplane and simulated collaborators
// of the hybrid computer, for tests and for running without hardware.
package sim // import "github.com/go-lpc/hcomp/internal/sim"

import (
	"fmt"
	"sync"

	"github.com/go-lpc/hcomp/bus"
)

// Chip is a simulated data function.
type Chip interface {
	Tx(s bus.Settings, w, r []byte) error
}

// Backplane is a simulated set of bus lines with chips attached at
// function addresses.
// Data transfers to an address without chip read back 0xff, as a
// floating data line would.
type Backplane struct {
	mu       sync.Mutex
	sel      bus.Word
	active   bool
	chips    map[bus.Word]Chip
	triggers map[bus.Word]func()

	Faults map[bus.Word]error // injected transfer errors
	Count  int                // number of activations
}

// NewBackplane returns an empty backplane.
func NewBackplane() *Backplane {
	return &Backplane{
		chips:    make(map[bus.Word]Chip),
		triggers: make(map[bus.Word]func()),
		Faults:   make(map[bus.Word]error),
	}
}

// Attach attaches chip c at addr.
func (bp *Backplane) Attach(addr bus.Address, c Chip) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.chips[addr.Pack()] = c
}

// Detach removes whatever is attached at addr.
func (bp *Backplane) Detach(addr bus.Address) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	delete(bp.chips, addr.Pack())
	delete(bp.triggers, addr.Pack())
}

// OnTrigger registers fn to be called when the trigger function at addr
// is pulsed.
func (bp *Backplane) OnTrigger(addr bus.Address, fn func()) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.triggers[addr.Pack()] = fn
}

// Chip returns the chip attached at addr.
func (bp *Backplane) Chip(addr bus.Address) Chip {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.chips[addr.Pack()]
}

func (bp *Backplane) Select(w bus.Word) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if bp.active {
		return fmt.Errorf("sim: address change while function %v is active", bus.Unpack(bp.sel))
	}
	bp.sel = w
	return nil
}

func (bp *Backplane) Activate() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if bp.active {
		return fmt.Errorf("sim: function %v already active", bus.Unpack(bp.sel))
	}
	bp.active = true
	bp.Count++
	return nil
}

func (bp *Backplane) Deactivate() error {
	bp.mu.Lock()
	fn := bp.triggers[bp.sel]
	bp.active = false
	bp.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

func (bp *Backplane) Tx(s bus.Settings, w, r []byte) error {
	bp.mu.Lock()
	var (
		active = bp.active
		sel    = bp.sel
		chip   = bp.chips[sel]
		err    = bp.Faults[sel]
	)
	bp.mu.Unlock()

	switch {
	case !active:
		return fmt.Errorf("sim: transfer on inactive function %v", bus.Unpack(sel))
	case err != nil:
		return err
	case chip == nil:
		for i := range r {
			r[i] = 0xff
		}
		return nil
	}
	return chip.Tx(s, w, r)
}

var (
	_ bus.Lines = (*Backplane)(nil)
)
