// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cluster

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/hcomp/block"
	"github.com/go-lpc/hcomp/bus"
	"github.com/go-lpc/hcomp/internal/sim"
)

var quiet = log.NewMsgStream("test", log.LvlError, io.Discard)

func newTestCarrier(t *testing.T, setup func(bp *sim.Backplane)) (*Carrier, *sim.CarrierChips) {
	t.Helper()
	bp := sim.NewBackplane()
	chips := sim.AddCarrier(bp, 2)
	if setup != nil {
		setup(bp)
	}
	b := bus.New(bp, bus.WithSettle(0), bus.WithPulse(0), bus.WithLogger(quiet))
	car := NewCarrier(b, 2, WithLogger(quiet))
	err := car.Init()
	if err != nil {
		t.Fatalf("could not init carrier: %+v", err)
	}
	return car, chips
}

func TestRoute(t *testing.T) {
	car, _ := newTestCarrier(t, nil)
	c := car.Clusters[1]

	err := c.Route(0, 3, 0.5, 9)
	if err != nil {
		t.Fatalf("could not route: %+v", err)
	}
	if !c.U.IsConnected(0, 3) || c.C.Factor(3) != 0.5 || !c.I.IsConnected(3, 9) {
		t.Fatalf("route not configured")
	}

	// summing into the same element input is allowed.
	err = c.Route(1, 4, -0.25, 9)
	if err != nil {
		t.Fatalf("could not route: %+v", err)
	}
	if got := c.I.Inputs(9); len(got) != 2 {
		t.Fatalf("invalid summing inputs: %v", got)
	}

	// lane 3 is taken by element output 0.
	err = c.Route(2, 3, 0.1, 9)
	if !errors.Is(err, block.ErrConnection) {
		t.Fatalf("expected a connection error, got %v", err)
	}
	if !c.U.IsConnected(0, 3) || c.C.Factor(3) != 0.5 || len(c.I.Inputs(9)) != 2 {
		t.Fatalf("failed route modified the cluster")
	}

	// lane 3 already feeds element input 9.
	err = c.Route(0, 3, -0.75, 10)
	if !errors.Is(err, block.ErrConnection) {
		t.Fatalf("expected a connection error, got %v", err)
	}
	if !c.U.IsConnected(0, 3) || c.C.Factor(3) != 0.5 || c.I.IsConnected(3, 10) {
		t.Fatalf("failed route modified the cluster")
	}

	// out of range coefficient on a free lane.
	err = c.Route(5, 7, 1.5, 0)
	if !errors.Is(err, block.ErrRange) {
		t.Fatalf("expected a range error, got %v", err)
	}
	if _, ok := c.U.Input(7); ok || c.C.Factor(7) != 0 || c.I.IsConnected(7, 0) {
		t.Fatalf("failed route modified the cluster")
	}

	for _, tc := range []struct{ from, lane, to int }{{16, 0, 0}, {0, 32, 0}, {0, 0, -1}} {
		err := c.Route(tc.from, tc.lane, 0, tc.to)
		if !errors.Is(err, block.ErrRange) {
			t.Fatalf("route %+v: expected a range error, got %v", tc, err)
		}
	}

	err = c.Unroute(3)
	if err != nil {
		t.Fatalf("could not unroute: %+v", err)
	}
	if _, ok := c.U.Input(3); ok || c.C.Factor(3) != 0 || c.I.IsConnected(3, 9) {
		t.Fatalf("route not removed")
	}
	if !c.I.IsConnected(4, 9) {
		t.Fatalf("unroute removed another route")
	}
}

func TestRouteEmptyElement(t *testing.T) {
	car, _ := newTestCarrier(t, func(bp *sim.Backplane) {
		bp.Detach(bus.BlockAddress(2, 0, slotM1))
	})
	c := car.Clusters[0]
	if c.M[1] != nil {
		t.Fatalf("empty element slot not detected")
	}
	if got, want := len(c.Blocks()), 4; got != want {
		t.Fatalf("invalid number of blocks: got=%d, want=%d", got, want)
	}

	err := c.Route(0, 0, 0.5, 12)
	if !errors.Is(err, block.ErrConnection) {
		t.Fatalf("expected a connection error, got %v", err)
	}
	err = c.Route(12, 0, 0.5, 1)
	if !errors.Is(err, block.ErrConnection) {
		t.Fatalf("expected a connection error, got %v", err)
	}
	if _, ok := c.U.Input(0); ok {
		t.Fatalf("failed route modified the router")
	}
}

func TestCarrierInitErrors(t *testing.T) {
	bp := sim.NewBackplane()
	_ = sim.AddCarrier(bp, 0)
	bp.Attach(bus.BlockAddress(0, 2, slotC), sim.NewEEPROM('M', 42))
	bp.Detach(bus.BlockAddress(0, 1, slotM0))
	bp.Detach(bus.BlockAddress(0, 1, slotM1))

	b := bus.New(bp, bus.WithSettle(0), bus.WithPulse(0), bus.WithLogger(quiet))
	car := NewCarrier(b, 0, WithLogger(quiet))
	err := car.Init()
	if !errors.Is(err, block.ErrIdentity) {
		t.Fatalf("expected an identity error, got %v", err)
	}
	for _, want := range []string{"/0/2/C", "cluster 1: no computation element"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}
