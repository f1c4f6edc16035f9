// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package block

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/go-lpc/hcomp/bus"
	"github.com/go-lpc/hcomp/internal/sim"
)

func newTestSumming(t *testing.T) (*Summing, *sim.SummingChips) {
	t.Helper()
	b, bp := newTestBus()
	addr := bus.BlockAddress(1, 2, 2)
	chips := sim.AddSumming(bp, addr, 0xbeef)
	blk := NewSumming(b, addr, WithLogger(quiet))
	err := blk.Init()
	if err != nil {
		t.Fatalf("could not init summing block: %+v", err)
	}
	return blk, chips
}

func TestSummingFanIn(t *testing.T) {
	blk, _ := newTestSumming(t)

	err := blk.Connect(3, 0)
	if err != nil {
		t.Fatalf("could not connect: %+v", err)
	}

	err = blk.Connect(4, 0)
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected a connection error, got %v", err)
	}
	if !blk.IsConnected(3, 0) || blk.IsConnected(4, 0) {
		t.Fatalf("rejected connection modified the matrix")
	}

	err = blk.Connect(4, 0, AllowInputSplitting)
	if err != nil {
		t.Fatalf("could not connect with splitting: %+v", err)
	}
	if got, want := blk.Inputs(0), []int{3, 4}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid inputs: got=%v, want=%v", got, want)
	}

	err = blk.Connect(5, 0, AllowDisconnectOthers)
	if err != nil {
		t.Fatalf("could not connect with disconnect: %+v", err)
	}
	if got, want := blk.Inputs(0), []int{5}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid inputs: got=%v, want=%v", got, want)
	}
}

func TestSummingFanOut(t *testing.T) {
	blk, _ := newTestSumming(t)

	for _, out := range []int{0, 1} {
		err := blk.Connect(3, out)
		if err != nil {
			t.Fatalf("could not connect 3->%d: %+v", out, err)
		}
	}
	if got, want := blk.Outputs(3), []int{0, 1}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid outputs: got=%v, want=%v", got, want)
	}

	err := blk.DisconnectEdge(3, 0)
	if err != nil {
		t.Fatalf("could not disconnect edge: %+v", err)
	}
	if blk.IsConnected(3, 0) || !blk.IsConnected(3, 1) {
		t.Fatalf("invalid edge removal")
	}

	_ = blk.Connect(3, 2)
	err = blk.Disconnect(3)
	if err != nil {
		t.Fatalf("could not disconnect: %+v", err)
	}
	if outs := blk.Outputs(3); len(outs) != 0 {
		t.Fatalf("input still connected to %v", outs)
	}

	for _, tc := range []struct{ in, out int }{{-1, 0}, {32, 0}, {0, -1}, {0, 16}} {
		err := blk.Connect(tc.in, tc.out)
		if !errors.Is(err, ErrRange) {
			t.Fatalf("connect %d->%d: expected a range error, got %v", tc.in, tc.out, err)
		}
	}
}

func TestSummingHardware(t *testing.T) {
	blk, chips := newTestSumming(t)
	blk.SetPedantic(true)

	_ = blk.Connect(0, 0)
	_ = blk.Connect(31, 15)
	_ = blk.Connect(1, 15, AllowInputSplitting)

	err := blk.WriteToHardware()
	if err != nil {
		t.Fatalf("could not write to hardware: %+v", err)
	}

	latched := chips.Matrix.Latched()
	if got, want := binary.BigEndian.Uint32(latched[0:]), uint32(1); got != want {
		t.Fatalf("invalid output 0: got=0x%08x, want=0x%08x", got, want)
	}
	if got, want := binary.BigEndian.Uint32(latched[60:]), uint32(1<<31|1<<1); got != want {
		t.Fatalf("invalid output 15: got=0x%08x, want=0x%08x", got, want)
	}

	dup := NewSumming(blk.bus, blk.Addr(), WithLogger(quiet))
	err = dup.ReadFromHardware()
	if err != nil {
		t.Fatalf("could not read from hardware: %+v", err)
	}
	if dup.m != blk.m {
		t.Fatalf("read-back mismatch")
	}

	blk.Reset(false)
	for o := 0; o < SummingOutputs; o++ {
		if ins := blk.Inputs(o); len(ins) != 0 {
			t.Fatalf("output %d still fed by %v", o, ins)
		}
	}
}

func TestSummingDocument(t *testing.T) {
	blk, _ := newTestSumming(t)
	_ = blk.Connect(2, 1)
	_ = blk.Connect(7, 1, AllowInputSplitting)
	_ = blk.Connect(9, 14)

	doc, err := blk.ConfigToDocument()
	if err != nil {
		t.Fatalf("could not encode: %+v", err)
	}
	if got, want := string(doc), `{"outputs":{"1":[2,7],"14":[9]}}`; got != want {
		t.Fatalf("invalid document:\ngot= %s\nwant=%s", got, want)
	}

	dst, _ := newTestSumming(t)
	roundTrip(t, blk, dst)
	if dst.m != blk.m {
		t.Fatalf("round trip mismatch")
	}

	for _, doc := range []string{
		`{"outputs":{"1":[2]},"inputs":{}}`,
		`{"outputs":{"16":[2]}}`,
		`{"outputs":{"1":[32]}}`,
		`{"outputs":{"x":[1]}}`,
	} {
		err := dst.ConfigFromDocument(json.RawMessage(doc))
		if !errors.Is(err, ErrDocument) {
			t.Fatalf("doc %s: expected a document error, got %v", doc, err)
		}
		if dst.m != blk.m {
			t.Fatalf("doc %s: rejected document modified the matrix", doc)
		}
	}
}
