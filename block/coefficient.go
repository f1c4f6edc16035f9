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
	CoefficientLanes = 32

	dacBits  = 12
	dacMid   = 1 << (dacBits - 1)
	dacMax   = 1<<dacBits - 1
	dacWrite = 0x1000
)

// Calibration is the linear correction applied to a coefficient factor
// before conversion.
type Calibration struct {
	Gain   float64 `json:"gain"`
	Offset float64 `json:"offset"`
}

// DefaultCalibration is the identity correction.
var DefaultCalibration = Calibration{Gain: 1}

// Coefficient is a bank of 32 multiplying DACs, one per lane, scaling
// their input by a factor in [-1, 1].
type Coefficient struct {
	base
	factors [CoefficientLanes]float64
	cal     [CoefficientLanes]Calibration
	dacs    [CoefficientLanes]*bus.DataFunction
}

// NewCoefficient returns the coefficient block at addr.
func NewCoefficient(b *bus.Bus, addr bus.Address, opts ...Option) *Coefficient {
	blk := &Coefficient{base: newBase(b, addr, KindCoefficient, opts)}
	for i := range blk.dacs {
		blk.dacs[i] = blk.data(uint8(1+i), dacSettings)
	}
	for i := range blk.cal {
		blk.cal[i] = DefaultCalibration
	}
	return blk
}

func (blk *Coefficient) Init() error {
	err := blk.identify()
	if err != nil {
		return err
	}
	blk.Reset(true)
	return blk.WriteToHardware()
}

func (blk *Coefficient) Reset(keepCalibration bool) {
	blk.factors = [CoefficientLanes]float64{}
	if keepCalibration {
		return
	}
	for i := range blk.cal {
		blk.cal[i] = DefaultCalibration
	}
}

// SetPedantic is a no-op: the DACs are write-only.
func (blk *Coefficient) SetPedantic(v bool) {}

// SetFactor sets the factor of lane i.
// Out of range lanes and values are rejected and leave the factor unchanged.
func (blk *Coefficient) SetFactor(i int, v float64) error {
	if !within(i, 0, CoefficientLanes-1) {
		return fmt.Errorf("%w: coefficient lane %d", ErrRange, i)
	}
	if !within(v, -1, 1) {
		return fmt.Errorf("%w: coefficient %v on lane %d", ErrRange, v, i)
	}
	blk.factors[i] = v
	return nil
}

// Factor returns the last factor requested on lane i, or 0 for an invalid
// lane.
func (blk *Coefficient) Factor(i int) float64 {
	if !within(i, 0, CoefficientLanes-1) {
		return 0
	}
	return blk.factors[i]
}

// Factors returns all factors.
func (blk *Coefficient) Factors() []float64 {
	return append([]float64(nil), blk.factors[:]...)
}

// SetCalibration sets the calibration of lane i.
func (blk *Coefficient) SetCalibration(i int, cal Calibration) error {
	switch {
	case !within(i, 0, CoefficientLanes-1):
		return fmt.Errorf("%w: coefficient lane %d", ErrRange, i)
	case !finite(cal.Gain) || !finite(cal.Offset):
		return fmt.Errorf("%w: non-finite calibration %+v on lane %d", ErrRange, cal, i)
	case cal.Gain <= 0 || math.Abs(cal.Offset) >= 1:
		return fmt.Errorf("%w: calibration %+v on lane %d", ErrRange, cal, i)
	}
	blk.cal[i] = cal
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Calibration returns the calibration of lane i.
func (blk *Coefficient) Calibration(i int) Calibration {
	if !within(i, 0, CoefficientLanes-1) {
		return DefaultCalibration
	}
	return blk.cal[i]
}

// Code returns the DAC code of lane i.
func (blk *Coefficient) Code(i int) uint16 {
	var (
		cal = blk.cal[i]
		v   = blk.factors[i]*cal.Gain + cal.Offset
	)
	return uint16(Clamp(math.Round(v*dacMid)+dacMid, 0, dacMax))
}

func (blk *Coefficient) WriteToHardware() error {
	w := errWriter{name: blk.name}
	for i, f := range blk.dacs {
		frame := dacWrite | blk.Code(i)
		w.write(f, []byte{byte(frame >> 8), byte(frame)})
	}
	return w.err
}

// ReadFromHardware is a no-op: the DACs are write-only.
func (blk *Coefficient) ReadFromHardware() error { return nil }

type coefficientDoc struct {
	Elements json.RawMessage `json:"elements"`
}

func (blk *Coefficient) ConfigFromDocument(doc json.RawMessage) error {
	var raw coefficientDoc
	err := decode(doc, &raw)
	if err != nil {
		return err
	}
	if raw.Elements == nil {
		return fmt.Errorf("%w: missing elements", ErrDocument)
	}

	factors := blk.factors
	set := func(i int, v float64) error {
		if !within(v, -1, 1) {
			return fmt.Errorf("%w: coefficient %v on lane %d", ErrDocument, v, i)
		}
		factors[i] = v
		return nil
	}

	var vs []float64
	if err := json.Unmarshal(raw.Elements, &vs); err == nil {
		if len(vs) != CoefficientLanes {
			return fmt.Errorf("%w: got %d elements, want %d", ErrDocument, len(vs), CoefficientLanes)
		}
		for i, v := range vs {
			if err := set(i, v); err != nil {
				return err
			}
		}
		blk.factors = factors
		return nil
	}

	var kv map[string]float64
	if err := json.Unmarshal(raw.Elements, &kv); err != nil {
		return fmt.Errorf("%w: invalid elements: %v", ErrDocument, err)
	}
	for key, v := range kv {
		i, err := index(key, CoefficientLanes)
		if err != nil {
			return err
		}
		if err := set(i, v); err != nil {
			return err
		}
	}
	blk.factors = factors
	return nil
}

func (blk *Coefficient) ConfigToDocument() (json.RawMessage, error) {
	elems, err := json.Marshal(blk.factors[:])
	if err != nil {
		return nil, fmt.Errorf("block: could not encode factors: %w", err)
	}
	return encode(coefficientDoc{Elements: elems})
}

var (
	_ Block = (*Coefficient)(nil)
)
