// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package block

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/go-lpc/hcomp/bus"
)

const (
	IntegratorLanes = 8

	// TimeFactorSlow and TimeFactorFast are the legal time factors.
	TimeFactorSlow = 100
	TimeFactorFast = 10000

	// TrimMax is the largest offset trim code magnitude.
	TrimMax = 2047

	// TrimLSB is the output offset change, in machine units, per trim code.
	TrimLSB = 1.0 / 2048

	dacCmdUpdate = 0x3
	icMid        = 1 << 15
)

// Integrator is a bank of 8 integrators with programmable initial
// conditions, time factors and offset trims.
type Integrator struct {
	base
	ic   [IntegratorLanes]float64
	k    [IntegratorLanes]int
	trim [IntegratorLanes]int16

	icDAC   *bus.DataFunction
	factors *bus.DataFunction
	trimDAC *bus.DataFunction
	sync    bus.TriggerFunction
}

// NewIntegrator returns the integrator block at addr.
func NewIntegrator(b *bus.Bus, addr bus.Address, opts ...Option) *Integrator {
	blk := &Integrator{base: newBase(b, addr, KindIntegrator, opts)}
	blk.icDAC = blk.data(1, dacSettings)
	blk.factors = blk.data(2, regSettings)
	blk.trimDAC = blk.data(3, dacSettings)
	blk.sync = blk.trigger(4)
	blk.Reset(false)
	return blk
}

func (blk *Integrator) Init() error {
	err := blk.identify()
	if err != nil {
		return err
	}
	blk.Reset(true)
	return blk.WriteToHardware()
}

func (blk *Integrator) Reset(keepCalibration bool) {
	blk.ic = [IntegratorLanes]float64{}
	for i := range blk.k {
		blk.k[i] = TimeFactorFast
	}
	if !keepCalibration {
		blk.trim = [IntegratorLanes]int16{}
	}
}

func (blk *Integrator) SetPedantic(v bool) { blk.factors.SetPedantic(v) }

func validLane(lane int) error {
	if !within(lane, 0, IntegratorLanes-1) {
		return fmt.Errorf("%w: integrator lane %d", ErrRange, lane)
	}
	return nil
}

// SetIC sets the initial condition of lane.
func (blk *Integrator) SetIC(lane int, v float64) error {
	if err := validLane(lane); err != nil {
		return err
	}
	if !within(v, -1, 1) {
		return fmt.Errorf("%w: initial condition %v on lane %d", ErrRange, v, lane)
	}
	blk.ic[lane] = v
	return nil
}

// IC returns the initial condition of lane.
func (blk *Integrator) IC(lane int) float64 {
	if validLane(lane) != nil {
		return 0
	}
	return blk.ic[lane]
}

// SetTimeFactor sets the time factor of lane to k, TimeFactorSlow or
// TimeFactorFast.
func (blk *Integrator) SetTimeFactor(lane, k int) error {
	if err := validLane(lane); err != nil {
		return err
	}
	if k != TimeFactorSlow && k != TimeFactorFast {
		return fmt.Errorf("%w: time factor %d on lane %d", ErrRange, k, lane)
	}
	blk.k[lane] = k
	return nil
}

// TimeFactor returns the time factor of lane.
func (blk *Integrator) TimeFactor(lane int) int {
	if validLane(lane) != nil {
		return 0
	}
	return blk.k[lane]
}

// SetTrim sets the offset trim code of lane.
func (blk *Integrator) SetTrim(lane, code int) error {
	if err := validLane(lane); err != nil {
		return err
	}
	if !within(code, -TrimMax, TrimMax) {
		return fmt.Errorf("%w: offset trim %d on lane %d", ErrRange, code, lane)
	}
	blk.trim[lane] = int16(code)
	return nil
}

// Trim returns the offset trim code of lane.
func (blk *Integrator) Trim(lane int) int {
	if validLane(lane) != nil {
		return 0
	}
	return int(blk.trim[lane])
}

// Trims returns the offset trim codes of all lanes.
func (blk *Integrator) Trims() []int {
	out := make([]int, IntegratorLanes)
	for i, v := range blk.trim {
		out[i] = int(v)
	}
	return out
}

// dacFrame builds a 24 bits DAC frame: command and lane in the first byte,
// then the 16 bits code.
func dacFrame(lane int, code uint16) []byte {
	return []byte{dacCmdUpdate<<4 | byte(lane), byte(code >> 8), byte(code)}
}

func icCode(v float64) uint16 {
	return uint16(Clamp(math.Round(v*(icMid-1))+icMid, 0, math.MaxUint16))
}

func (blk *Integrator) factorMask() byte {
	var mask byte
	for i, k := range blk.k {
		if k == TimeFactorSlow {
			mask |= 1 << i
		}
	}
	return mask
}

func (blk *Integrator) WriteToHardware() error {
	w := errWriter{name: blk.name}
	for lane := range blk.ic {
		w.write(blk.icDAC, dacFrame(lane, icCode(blk.ic[lane])))
	}
	for lane := range blk.trim {
		w.write(blk.trimDAC, dacFrame(lane, uint16(int32(blk.trim[lane])+icMid)))
	}
	w.write(blk.factors, []byte{blk.factorMask()})
	w.trigger(blk.sync)
	return w.err
}

// ReadFromHardware refreshes the time factors. The DACs are write-only.
func (blk *Integrator) ReadFromHardware() error {
	buf, err := readBack(blk.factors, 1)
	if err != nil {
		return fmt.Errorf("block: could not read %s time factors: %w", blk.name, err)
	}
	for i := range blk.k {
		blk.k[i] = TimeFactorFast
		if buf[0]&(1<<i) != 0 {
			blk.k[i] = TimeFactorSlow
		}
	}
	return nil
}

type integratorElem struct {
	IC float64 `json:"ic"`
	K  int     `json:"k"`
}

type integratorDoc struct {
	Elements []integratorElem `json:"elements"`
}

func (blk *Integrator) ConfigFromDocument(doc json.RawMessage) error {
	var raw integratorDoc
	err := decode(doc, &raw)
	if err != nil {
		return err
	}
	if len(raw.Elements) != IntegratorLanes {
		return fmt.Errorf("%w: got %d elements, want %d", ErrDocument, len(raw.Elements), IntegratorLanes)
	}

	var (
		ic [IntegratorLanes]float64
		k  [IntegratorLanes]int
	)
	for i, elem := range raw.Elements {
		if !within(elem.IC, -1, 1) {
			return fmt.Errorf("%w: initial condition %v on lane %d", ErrDocument, elem.IC, i)
		}
		if elem.K != TimeFactorSlow && elem.K != TimeFactorFast {
			return fmt.Errorf("%w: time factor %d on lane %d", ErrDocument, elem.K, i)
		}
		ic[i], k[i] = elem.IC, elem.K
	}
	blk.ic, blk.k = ic, k
	return nil
}

func (blk *Integrator) ConfigToDocument() (json.RawMessage, error) {
	doc := integratorDoc{Elements: make([]integratorElem, IntegratorLanes)}
	for i := range doc.Elements {
		doc.Elements[i] = integratorElem{IC: blk.ic[i], K: blk.k[i]}
	}
	return encode(doc)
}

var (
	_ Block = (*Integrator)(nil)
)
