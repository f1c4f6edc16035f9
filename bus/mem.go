// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bus

import (
	"fmt"
)

// Registers is a 32-bit register file.
type Registers interface {
	U32(off int64) (uint32, error)
	SetU32(off int64, v uint32) error
}

const (
	// MemCtrl is the offset of the bus control register.
	MemCtrl = 0x0

	memEnable   = 1 << 31
	memAddrMask = 1<<WordBits - 1
)

// MemLines drives the backplane through a memory-mapped control register.
//
// Bits [13:0] of the control register hold the address word and bit 31 the
// enable flag. Data transfers go through the dialed SPI connections.
type MemLines struct {
	regs Registers
	data conns
}

// NewMemLines returns lines driven by the control register in regs.
func NewMemLines(regs Registers, d Dialer) (*MemLines, error) {
	hw := &MemLines{regs: regs, data: conns{dial: d}}
	err := hw.Deactivate()
	if err != nil {
		return nil, err
	}
	return hw, nil
}

func (hw *MemLines) update(f func(v uint32) uint32) error {
	v, err := hw.regs.U32(MemCtrl)
	if err != nil {
		return fmt.Errorf("bus: could not read control register: %w", err)
	}
	err = hw.regs.SetU32(MemCtrl, f(v))
	if err != nil {
		return fmt.Errorf("bus: could not write control register: %w", err)
	}
	return nil
}

func (hw *MemLines) Select(w Word) error {
	return hw.update(func(v uint32) uint32 {
		return v&^memAddrMask | uint32(w)&memAddrMask
	})
}

func (hw *MemLines) Activate() error {
	return hw.update(func(v uint32) uint32 { return v | memEnable })
}

func (hw *MemLines) Deactivate() error {
	return hw.update(func(v uint32) uint32 { return v &^ memEnable })
}

func (hw *MemLines) Tx(s Settings, w, r []byte) error {
	return hw.data.tx(s, w, r)
}

var (
	_ Lines = (*MemLines)(nil)
)
