// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sim

import (
	"fmt"
	"math"
	"sync"
)

const (
	elementLanes = 16
	trimLSB      = 1.0 / 2048
	fullScale    = 1.25
)

// Analog models the element outputs of a carrier as seen by its ADC:
// the initial condition plus a fixed offset, corrected by the offset trim.
type Analog struct {
	mu      sync.Mutex
	chips   *CarrierChips
	offsets map[int]float64
	stuck   map[int]bool
}

// NewAnalog returns the analog model of the carrier chips.
func NewAnalog(chips *CarrierChips) *Analog {
	return &Analog{
		chips:   chips,
		offsets: make(map[int]float64),
		stuck:   make(map[int]bool),
	}
}

// SetOffset sets the raw offset of source src (cluster*16 + element output).
func (a *Analog) SetOffset(src int, v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offsets[src] = v
}

// SetStuck makes the offset trim of src ineffective.
func (a *Analog) SetStuck(src int, v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stuck[src] = v
}

// lastCode returns the code of the last DAC frame addressed to lane.
func lastCode(dac *DAC, lane int) (int, bool) {
	frames := dac.Frames()
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		if len(f) == 3 && int(f[0]&0x0f) == lane {
			return int(f[1])<<8 | int(f[2]), true
		}
	}
	return 0, false
}

// Value returns the value of source src.
func (a *Analog) Value(src int) (float64, error) {
	if src < 0 || src >= len(a.chips.Clusters)*elementLanes {
		return 0, fmt.Errorf("sim: invalid source %d", src)
	}
	var (
		cls  = a.chips.Clusters[src/elementLanes]
		out  = src % elementLanes
		m    = cls.M[out/8]
		lane = out % 8
	)
	a.mu.Lock()
	v := a.offsets[src]
	stuck := a.stuck[src]
	a.mu.Unlock()

	if code, ok := lastCode(m.IC, lane); ok {
		v += (float64(code) - 32768) / 32767
	}
	if code, ok := lastCode(m.Trim, lane); ok && !stuck {
		v += (float64(code) - 32768) * trimLSB
	}
	return math.Max(-fullScale, math.Min(fullScale, v)), nil
}

// SampleOne samples ADC channel ch.
func (a *Analog) SampleOne(ch int) (float64, error) {
	mux := a.chips.ADC.Contents()
	if ch < 0 || ch >= len(mux) {
		return 0, fmt.Errorf("sim: invalid ADC channel %d", ch)
	}
	if mux[ch] == 0xff {
		return 0, nil
	}
	return a.Value(int(mux[ch]))
}

// SampleAll samples all ADC channels.
func (a *Analog) SampleAll() ([]float64, error) {
	vs := make([]float64, len(a.chips.ADC.Contents()))
	for i := range vs {
		v, err := a.SampleOne(i)
		if err != nil {
			return nil, err
		}
		vs[i] = v
	}
	return vs, nil
}
