// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/go-lpc/hcomp/block"
	"github.com/go-lpc/hcomp/daq"
)

// Calibration configures the offset calibration of computation elements.
type Calibration struct {
	Tolerance float64 // largest accepted residual offset
	Budget    int     // maximum number of iterations per lane
}

// DefaultCalibration is the default offset calibration configuration.
var DefaultCalibration = Calibration{
	Tolerance: 2e-3,
	Budget:    16,
}

// SetCalibration sets the calibration configuration of the cluster.
func (c *Cluster) SetCalibration(cal Calibration) { c.cal = cal }

// Failure describes a lane that did not converge.
type Failure struct {
	Block    string
	Lane     int
	Residual float64
}

func (f Failure) String() string {
	return fmt.Sprintf("%s[%d] (residual=%+.4f)", f.Block, f.Lane, f.Residual)
}

// CalibrationError lists the lanes that did not converge.
type CalibrationError struct {
	Failures []Failure
}

func (e *CalibrationError) Error() string {
	strs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		strs[i] = f.String()
	}
	return fmt.Sprintf("cluster: calibration failed on %d lanes: %s", len(e.Failures), strings.Join(strs, ", "))
}

// Calibrate trims the output offset of every element lane.
//
// s.SampleOne(i) must measure element output i of the cluster. Each lane
// runs with a zero initial condition and no input. The routing and initial
// conditions are restored afterwards; the trims are kept.
func (c *Cluster) Calibrate(ctx context.Context, s daq.Sampler) error {
	summing, err := c.I.ConfigToDocument()
	if err != nil {
		return fmt.Errorf("cluster: could not save summing configuration: %w", err)
	}
	var elems [Elements]json.RawMessage
	for i, m := range c.M {
		if m == nil {
			continue
		}
		elems[i], err = m.ConfigToDocument()
		if err != nil {
			return fmt.Errorf("cluster: could not save %s configuration: %w", m.Name(), err)
		}
	}

	err = c.calibrate(ctx, s)

	rerr := c.I.ConfigFromDocument(summing)
	if rerr == nil {
		rerr = c.I.WriteToHardware()
	}
	for i, m := range c.M {
		if m == nil || rerr != nil {
			continue
		}
		rerr = m.ConfigFromDocument(elems[i])
		if rerr == nil {
			rerr = m.WriteToHardware()
		}
	}
	if rerr != nil && err == nil {
		err = fmt.Errorf("cluster: could not restore configuration: %w", rerr)
	}
	return err
}

func (c *Cluster) calibrate(ctx context.Context, s daq.Sampler) error {
	c.I.ResetConnections()
	err := c.I.WriteToHardware()
	if err != nil {
		return fmt.Errorf("cluster: could not disconnect element inputs: %w", err)
	}

	var fails []Failure
	for i, m := range c.M {
		if m == nil {
			continue
		}
		for lane := 0; lane < block.IntegratorLanes; lane++ {
			_ = m.SetIC(lane, 0)
		}
		for lane := 0; lane < block.IntegratorLanes; lane++ {
			res, ok, err := c.trim(ctx, s, m, lane, i*block.IntegratorLanes+lane)
			if err != nil {
				return err
			}
			if !ok {
				fails = append(fails, Failure{Block: m.Name(), Lane: lane, Residual: res})
			}
		}
	}
	if len(fails) > 0 {
		return &CalibrationError{Failures: fails}
	}
	return nil
}

// trim iterates the offset trim of one lane. It reports the last measured
// residual and whether it converged.
func (c *Cluster) trim(ctx context.Context, s daq.Sampler, m *block.Integrator, lane, ch int) (float64, bool, error) {
	var v float64
	for it := 0; it < c.cal.Budget; it++ {
		select {
		case <-ctx.Done():
			return v, false, fmt.Errorf("cluster: calibration interrupted: %w", ctx.Err())
		default:
		}

		err := m.WriteToHardware()
		if err != nil {
			return v, false, fmt.Errorf("cluster: could not write %s: %w", m.Name(), err)
		}
		v, err = s.SampleOne(ch)
		if err != nil {
			return v, false, fmt.Errorf("cluster: could not sample element output %d: %w", ch, err)
		}
		if math.Abs(v) <= c.cal.Tolerance {
			return v, true, nil
		}

		code := block.Clamp(m.Trim(lane)-int(math.Round(v/block.TrimLSB)), -block.TrimMax, block.TrimMax)
		_ = m.SetTrim(lane, code)
	}
	return v, false, nil
}
