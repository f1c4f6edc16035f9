// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sim

import (
	"github.com/go-lpc/hcomp/bus"
)

// Block slots within a cluster.
const (
	SlotU = iota
	SlotC
	SlotI
	SlotM0
	SlotM1
)

// RouterChips are the chips of a simulated router block.
type RouterChips struct {
	ID     *EEPROM
	Matrix *ShiftRegister // 32 selectors of 5 bits
	Alt    *ShiftRegister // alt-signal enable mask
}

// AddRouter attaches a router block at base.
func AddRouter(bp *Backplane, base bus.Address, eui uint64) *RouterChips {
	chips := &RouterChips{
		ID:     NewEEPROM('U', eui),
		Matrix: NewShiftRegister(20),
		Alt:    NewShiftRegister(2),
	}
	bp.Attach(base.WithFunc(0), chips.ID)
	bp.Attach(base.WithFunc(1), chips.Matrix)
	bp.OnTrigger(base.WithFunc(2), chips.Matrix.Latch)
	bp.Attach(base.WithFunc(3), chips.Alt)
	return chips
}

// SummingChips are the chips of a simulated summing block.
type SummingChips struct {
	ID     *EEPROM
	Matrix *ShiftRegister // 32x16 bits
}

// AddSumming attaches a summing block at base.
func AddSumming(bp *Backplane, base bus.Address, eui uint64) *SummingChips {
	chips := &SummingChips{
		ID:     NewEEPROM('I', eui),
		Matrix: NewShiftRegister(64),
	}
	bp.Attach(base.WithFunc(0), chips.ID)
	bp.Attach(base.WithFunc(1), chips.Matrix)
	bp.OnTrigger(base.WithFunc(2), chips.Matrix.Latch)
	return chips
}

// CoefficientChips are the chips of a simulated coefficient block.
type CoefficientChips struct {
	ID   *EEPROM
	DACs [32]*DAC
}

// AddCoefficient attaches a coefficient block at base.
func AddCoefficient(bp *Backplane, base bus.Address, eui uint64) *CoefficientChips {
	chips := &CoefficientChips{ID: NewEEPROM('C', eui)}
	bp.Attach(base.WithFunc(0), chips.ID)
	for i := range chips.DACs {
		chips.DACs[i] = new(DAC)
		bp.Attach(base.WithFunc(uint8(1+i)), chips.DACs[i])
	}
	return chips
}

// IntegratorChips are the chips of a simulated integrator block.
type IntegratorChips struct {
	ID          *EEPROM
	IC          *DAC
	TimeFactors *ShiftRegister
	Trim        *DAC
}

// AddIntegrator attaches an integrator block at base.
func AddIntegrator(bp *Backplane, base bus.Address, eui uint64) *IntegratorChips {
	chips := &IntegratorChips{
		ID:          NewEEPROM('M', eui),
		IC:          new(DAC),
		TimeFactors: NewShiftRegister(1),
		Trim:        new(DAC),
	}
	bp.Attach(base.WithFunc(0), chips.ID)
	bp.Attach(base.WithFunc(1), chips.IC)
	bp.Attach(base.WithFunc(2), chips.TimeFactors)
	bp.Attach(base.WithFunc(3), chips.Trim)
	bp.OnTrigger(base.WithFunc(4), chips.TimeFactors.Latch)
	return chips
}

// ClusterChips are the chips of a simulated cluster.
type ClusterChips struct {
	U *RouterChips
	C *CoefficientChips
	I *SummingChips
	M [2]*IntegratorChips
}

// CarrierChips are the chips of a simulated carrier board.
type CarrierChips struct {
	ADC      *ShiftRegister // ADC channel mux
	Overload *Register      // one byte of lane flags per integrator
	Clusters [bus.NumClusters]ClusterChips
}

// AddCarrier attaches a fully populated carrier at board.
// Block EUIs are derived from the board and slot indices.
func AddCarrier(bp *Backplane, board uint8) *CarrierChips {
	chips := &CarrierChips{
		ADC:      NewShiftRegister(8),
		Overload: &Register{Data: make([]byte, 2*bus.NumClusters)},
	}
	bp.Attach(bus.CarrierAddress(board, 1), chips.ADC)
	bp.Attach(bus.CarrierAddress(board, 2), chips.Overload)

	for i := range chips.Clusters {
		var (
			cls  = uint8(i)
			eui  = func(slot uint8) uint64 { return 0x0004a30000000000 | uint64(board)<<16 | uint64(cls)<<8 | uint64(slot) }
			base = func(slot uint8) bus.Address { return bus.BlockAddress(board, cls, slot) }
			cc   = &chips.Clusters[i]
		)
		cc.U = AddRouter(bp, base(SlotU), eui(SlotU))
		cc.C = AddCoefficient(bp, base(SlotC), eui(SlotC))
		cc.I = AddSumming(bp, base(SlotI), eui(SlotI))
		cc.M[0] = AddIntegrator(bp, base(SlotM0), eui(SlotM0))
		cc.M[1] = AddIntegrator(bp, base(SlotM1), eui(SlotM1))
	}
	return chips
}
