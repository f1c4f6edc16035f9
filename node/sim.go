// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package node

import (
	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/hcomp/bus"
	"github.com/go-lpc/hcomp/cluster"
	"github.com/go-lpc/hcomp/internal/sim"
)

// Simulated returns a computer driving a simulated, fully populated
// carrier at board, with its analog model.
func Simulated(board uint8, msg log.MsgStream, opts ...ComputerOption) (*Computer, *sim.Analog, error) {
	var (
		bp     = sim.NewBackplane()
		chips  = sim.AddCarrier(bp, board)
		analog = sim.NewAnalog(chips)
		b      = bus.New(bp, bus.WithSettle(0), bus.WithPulse(0), bus.WithLogger(msg))
		car    = cluster.NewCarrier(b, board, cluster.WithLogger(msg))
	)
	opts = append([]ComputerOption{
		WithSource(sim.NewSource(analog)),
		WithLogger(msg),
	}, opts...)

	c, err := NewComputer(car, analog, sim.NewSequencer(), opts...)
	if err != nil {
		return nil, nil, err
	}
	return c, analog, nil
}
