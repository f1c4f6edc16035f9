// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package block

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/go-lpc/hcomp/bus"
	"github.com/go-lpc/hcomp/internal/sim"
)

func newTestCoefficient(t *testing.T) (*Coefficient, *sim.CoefficientChips) {
	t.Helper()
	b, bp := newTestBus()
	addr := bus.BlockAddress(0, 0, 1)
	chips := sim.AddCoefficient(bp, addr, 0xc0ef)
	blk := NewCoefficient(b, addr, WithLogger(quiet))
	err := blk.Init()
	if err != nil {
		t.Fatalf("could not init coefficient block: %+v", err)
	}
	return blk, chips
}

func TestCoefficientRange(t *testing.T) {
	blk, _ := newTestCoefficient(t)

	for _, tc := range []struct {
		lane int
		v    float64
		ok   bool
	}{
		{0, -1, true},
		{0, 1, true},
		{1, 0.5, true},
		{31, -0.25, true},
		{2, 1.0000001, false},
		{2, -1.0000001, false},
		{2, math.NaN(), false},
		{2, math.Inf(+1), false},
		{-1, 0, false},
		{32, 0, false},
	} {
		prev := blk.Factor(tc.lane)
		err := blk.SetFactor(tc.lane, tc.v)
		switch {
		case tc.ok:
			if err != nil {
				t.Fatalf("could not set factor %d=%v: %+v", tc.lane, tc.v, err)
			}
			if got := blk.Factor(tc.lane); got != tc.v {
				t.Fatalf("invalid factor: got=%v, want=%v", got, tc.v)
			}
		default:
			if !errors.Is(err, ErrRange) {
				t.Fatalf("factor %d=%v: expected a range error, got %v", tc.lane, tc.v, err)
			}
			if got := blk.Factor(tc.lane); got != prev {
				t.Fatalf("rejected factor modified the lane: got=%v, want=%v", got, prev)
			}
		}
	}
}

func TestCoefficientCode(t *testing.T) {
	blk, chips := newTestCoefficient(t)

	for _, tc := range []struct {
		v    float64
		cal  Calibration
		want uint16
	}{
		{0, DefaultCalibration, 2048},
		{-1, DefaultCalibration, 0},
		{1, DefaultCalibration, 4095},
		{0.5, DefaultCalibration, 3072},
		{0.5, Calibration{Gain: 0.9, Offset: 0.01}, 2990},
		{-1, Calibration{Gain: 1.1}, 0},
	} {
		if err := blk.SetCalibration(3, tc.cal); err != nil {
			t.Fatalf("could not set calibration: %+v", err)
		}
		if err := blk.SetFactor(3, tc.v); err != nil {
			t.Fatalf("could not set factor: %+v", err)
		}
		if got := blk.Code(3); got != tc.want {
			t.Fatalf("v=%v cal=%+v: got=%d, want=%d", tc.v, tc.cal, got, tc.want)
		}
		if err := blk.WriteToHardware(); err != nil {
			t.Fatalf("could not write to hardware: %+v", err)
		}
		got, _ := chips.DACs[3].Last()
		if want := uint32(0x1000 | tc.want); got != want {
			t.Fatalf("invalid frame: got=0x%04x, want=0x%04x", got, want)
		}
	}

	before := blk.Calibration(0)
	for _, cal := range []Calibration{
		{Gain: 0},
		{Gain: -1},
		{Gain: 1, Offset: 1},
		{Gain: 1, Offset: math.NaN()},
		{Gain: 1, Offset: math.Inf(-1)},
		{Gain: math.NaN()},
		{Gain: math.Inf(+1)},
	} {
		if err := blk.SetCalibration(0, cal); !errors.Is(err, ErrRange) {
			t.Fatalf("calibration %+v: expected a range error, got %v", cal, err)
		}
		if got := blk.Calibration(0); got != before {
			t.Fatalf("calibration %+v: rejected calibration was applied: %+v", cal, got)
		}
	}

	blk.Reset(true)
	if got := blk.Calibration(3); got.Gain != 1.1 {
		t.Fatalf("calibration not kept: %+v", got)
	}
	if got := blk.Factor(3); got != 0 {
		t.Fatalf("factor not reset: %v", got)
	}
	blk.Reset(false)
	if got := blk.Calibration(3); got != DefaultCalibration {
		t.Fatalf("calibration not reset: %+v", got)
	}
}

func TestCoefficientDocument(t *testing.T) {
	blk, _ := newTestCoefficient(t)
	for i := 0; i < CoefficientLanes; i++ {
		_ = blk.SetFactor(i, float64(i-16)/16)
	}

	dst, _ := newTestCoefficient(t)
	roundTrip(t, blk, dst)
	for i := 0; i < CoefficientLanes; i++ {
		if got, want := dst.Factor(i), blk.Factor(i); math.Abs(got-want) > 0.02 {
			t.Fatalf("lane %d: got=%v, want=%v", i, got, want)
		}
	}

	err := dst.ConfigFromDocument(json.RawMessage(`{"elements":{"3":0.75,"31":-1}}`))
	if err != nil {
		t.Fatalf("could not apply partial document: %+v", err)
	}
	if dst.Factor(3) != 0.75 || dst.Factor(31) != -1 || dst.Factor(4) != blk.Factor(4) {
		t.Fatalf("invalid partial update")
	}

	ref := dst.Factors()
	for _, doc := range []string{
		`{"elements":[0.5]}`,
		`{"elements":{"3":1.5}}`,
		`{"elements":{"32":0.5}}`,
		`{"elements":{"0":0.5,"1":2}}`,
		`{"elements":"x"}`,
		`{}`,
		`{"elements":{"0":0.5},"gain":1}`,
	} {
		err := dst.ConfigFromDocument(json.RawMessage(doc))
		if !errors.Is(err, ErrDocument) {
			t.Fatalf("doc %s: expected a document error, got %v", doc, err)
		}
		for i, v := range dst.Factors() {
			if v != ref[i] {
				t.Fatalf("doc %s: rejected document modified lane %d", doc, i)
			}
		}
	}
}
