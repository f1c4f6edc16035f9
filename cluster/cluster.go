// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cluster orchestrates the blocks of a carrier board: routes
// through a cluster, calibration and carrier-wide configuration.
package cluster // import "github.com/go-lpc/hcomp/cluster"

import (
	"errors"
	"fmt"

	"github.com/go-lpc/hcomp/block"
	"github.com/go-lpc/hcomp/bus"
)

const (
	// Elements is the number of computation element slots per cluster.
	Elements = 2

	// ElementLanes is the number of cluster-space inputs and outputs of
	// the computation elements.
	ElementLanes = Elements * block.IntegratorLanes

	// Lanes is the number of routing lanes of a cluster.
	Lanes = block.RouterOutputs
)

// Block slots within a cluster.
const (
	slotU = iota
	slotC
	slotI
	slotM0
	slotM1
)

// Cluster is a router, a coefficient block and a summing block feeding
// up to two computation elements.
//
// Element outputs 0..15 are the router inputs (M0 drives 0..7, M1 drives
// 8..15). Lanes 0..31 are the router outputs, coefficient lanes and
// summing inputs. Element inputs 0..15 are the summing outputs.
type Cluster struct {
	Index uint8

	U *block.Router
	C *block.Coefficient
	I *block.Summing
	M [Elements]*block.Integrator

	cal Calibration
}

// New returns the fully populated cluster index of board.
// Empty element slots are detected by Carrier.Init.
func New(b *bus.Bus, board, index uint8, opts ...block.Option) *Cluster {
	var (
		addr = func(slot uint8) bus.Address { return bus.BlockAddress(board, index, slot) }
		name = func(s string) []block.Option {
			return append([]block.Option{block.WithName(fmt.Sprintf("/%d/%d/%s", board, index, s))}, opts...)
		}
	)
	return &Cluster{
		Index: index,
		U:     block.NewRouter(b, addr(slotU), name("U")...),
		C:     block.NewCoefficient(b, addr(slotC), name("C")...),
		I:     block.NewSumming(b, addr(slotI), name("I")...),
		M: [Elements]*block.Integrator{
			block.NewIntegrator(b, addr(slotM0), name("M0")...),
			block.NewIntegrator(b, addr(slotM1), name("M1")...),
		},
		cal: DefaultCalibration,
	}
}

// Blocks returns the populated blocks of the cluster.
func (c *Cluster) Blocks() []block.Block {
	blks := []block.Block{c.U, c.C, c.I}
	for _, m := range c.M {
		if m != nil {
			blks = append(blks, m)
		}
	}
	return blks
}

// Element returns the computation element serving cluster-space lane
// i (0..15) and the lane within that element.
func (c *Cluster) Element(i int) (*block.Integrator, int, error) {
	if i < 0 || i >= ElementLanes {
		return nil, 0, fmt.Errorf("%w: element lane %d", block.ErrRange, i)
	}
	m := c.M[i/block.IntegratorLanes]
	if m == nil {
		return nil, 0, fmt.Errorf("%w: element slot %d of cluster %d is empty", block.ErrConnection, i/block.IntegratorLanes, c.Index)
	}
	return m, i % block.IntegratorLanes, nil
}

// Init initializes all blocks. An element slot without chip is emptied.
func (c *Cluster) Init() error {
	var errs []error
	for _, blk := range []block.Block{c.U, c.C, c.I} {
		if err := blk.Init(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", blk.Name(), err))
		}
	}
	for i, m := range c.M {
		if m == nil {
			continue
		}
		err := m.Init()
		switch {
		case errors.Is(err, block.ErrAbsent):
			c.M[i] = nil
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
		}
	}
	if c.M[0] == nil && c.M[1] == nil {
		errs = append(errs, fmt.Errorf("cluster %d: no computation element", c.Index))
	}
	return errors.Join(errs...)
}

// Reset resets all blocks.
func (c *Cluster) Reset(keepCalibration bool) {
	for _, blk := range c.Blocks() {
		blk.Reset(keepCalibration)
	}
}

// WriteToHardware writes all blocks.
func (c *Cluster) WriteToHardware() error {
	for _, blk := range c.Blocks() {
		err := blk.WriteToHardware()
		if err != nil {
			return fmt.Errorf("cluster: could not write %s: %w", blk.Name(), err)
		}
	}
	return nil
}

// Route connects element output from through lane, scaled by coef, to
// element input to.
//
// A failed route leaves the router, coefficient and summing blocks as they
// were.
func (c *Cluster) Route(from, lane int, coef float64, to int) error {
	if _, _, err := c.Element(from); err != nil {
		return fmt.Errorf("cluster: invalid route source: %w", err)
	}
	if _, _, err := c.Element(to); err != nil {
		return fmt.Errorf("cluster: invalid route destination: %w", err)
	}
	if lane < 0 || lane >= Lanes {
		return fmt.Errorf("cluster: invalid route lane: %w: %d", block.ErrRange, lane)
	}

	// a lane feeds at most one element input.
	for _, out := range c.I.Outputs(lane) {
		if out != to {
			return fmt.Errorf("cluster: %w: lane %d already feeds element input %d", block.ErrConnection, lane, out)
		}
	}

	// an accepted router connection either was already there or
	// occupies a free lane.
	var (
		_, prevRouted = c.U.Input(lane)
		prevCoef      = c.C.Factor(lane)
		prevEdge      = c.I.IsConnected(lane, to)
	)
	rollback := func() {
		if !prevRouted {
			_ = c.U.Disconnect(lane)
		}
		_ = c.C.SetFactor(lane, prevCoef)
		if !prevEdge {
			_ = c.I.DisconnectEdge(lane, to)
		}
	}

	err := c.U.Connect(from, lane)
	if err != nil {
		return fmt.Errorf("cluster: could not route %d->%d: %w", from, lane, err)
	}
	err = c.C.SetFactor(lane, coef)
	if err != nil {
		rollback()
		return fmt.Errorf("cluster: could not set coefficient of lane %d: %w", lane, err)
	}
	err = c.I.Connect(lane, to, block.AllowInputSplitting)
	if err != nil {
		rollback()
		return fmt.Errorf("cluster: could not route %d->%d: %w", lane, to, err)
	}
	return nil
}

// Unroute removes the route through lane.
func (c *Cluster) Unroute(lane int) error {
	if lane < 0 || lane >= Lanes {
		return fmt.Errorf("cluster: invalid route lane: %w: %d", block.ErrRange, lane)
	}
	_ = c.U.Disconnect(lane)
	_ = c.C.SetFactor(lane, 0)
	return c.I.Disconnect(lane)
}
