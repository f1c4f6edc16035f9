// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package block

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/bits"

	"github.com/go-lpc/hcomp/bus"
)

const (
	SummingInputs  = 32
	SummingOutputs = 16

	summingBytes = SummingOutputs * SummingInputs / 8
)

// Summing is a 32 inputs by 16 outputs binary matrix. An output sums all
// the inputs connected to it.
//
// By default an input may feed any number of outputs and an output is fed
// by at most one input.
type Summing struct {
	base
	m [SummingOutputs]uint32 // input mask per output

	matrix *bus.DataFunction
	sync   bus.TriggerFunction
}

// NewSumming returns the summing block at addr.
func NewSumming(b *bus.Bus, addr bus.Address, opts ...Option) *Summing {
	blk := &Summing{base: newBase(b, addr, KindSumming, opts)}
	blk.matrix = blk.data(1, regSettings)
	blk.sync = blk.trigger(2)
	return blk
}

func (blk *Summing) Init() error {
	err := blk.identify()
	if err != nil {
		return err
	}
	blk.Reset(false)
	return blk.WriteToHardware()
}

func (blk *Summing) Reset(keepCalibration bool) { blk.ResetConnections() }

func (blk *Summing) SetPedantic(v bool) { blk.matrix.SetPedantic(v) }

func (blk *Summing) valid(in, out int) error {
	if !within(in, 0, SummingInputs-1) || !within(out, 0, SummingOutputs-1) {
		return fmt.Errorf("%w: summing connection %d->%d", ErrRange, in, out)
	}
	return nil
}

// Connect connects input in to output out.
// An input may feed any number of outputs.
//
// AllowInputSplitting adds in to the inputs already feeding out.
// AllowDisconnectOthers replaces the inputs already feeding out.
func (blk *Summing) Connect(in, out int, policies ...Policy) error {
	err := blk.valid(in, out)
	if err != nil {
		return err
	}

	var (
		p   = merge(policies)
		bit = uint32(1) << in
	)
	if blk.m[out]&bit != 0 {
		return nil
	}
	if blk.m[out] != 0 {
		switch {
		case p.has(AllowDisconnectOthers):
			blk.m[out] = 0
		case p.has(AllowInputSplitting):
		default:
			return fmt.Errorf("%w: output %d already fed by inputs %v", ErrConnection, out, blk.Inputs(out))
		}
	}
	blk.m[out] |= bit
	return nil
}

// Disconnect removes all the edges of input in.
func (blk *Summing) Disconnect(in int) error {
	err := blk.valid(in, 0)
	if err != nil {
		return err
	}
	for o := range blk.m {
		blk.m[o] &^= 1 << in
	}
	return nil
}

// DisconnectEdge removes the edge from in to out.
func (blk *Summing) DisconnectEdge(in, out int) error {
	err := blk.valid(in, out)
	if err != nil {
		return err
	}
	blk.m[out] &^= 1 << in
	return nil
}

// ResetConnections removes all edges.
func (blk *Summing) ResetConnections() {
	blk.m = [SummingOutputs]uint32{}
}

// IsConnected reports whether in feeds out.
func (blk *Summing) IsConnected(in, out int) bool {
	if blk.valid(in, out) != nil {
		return false
	}
	return blk.m[out]&(1<<in) != 0
}

// Inputs returns the inputs feeding out, in increasing order.
func (blk *Summing) Inputs(out int) []int {
	if !within(out, 0, SummingOutputs-1) {
		return nil
	}
	var (
		mask = blk.m[out]
		ins  = make([]int, 0, bits.OnesCount32(mask))
	)
	for mask != 0 {
		in := bits.TrailingZeros32(mask)
		ins = append(ins, in)
		mask &^= 1 << in
	}
	return ins
}

// Outputs returns the outputs fed by in, in increasing order.
func (blk *Summing) Outputs(in int) []int {
	if !within(in, 0, SummingInputs-1) {
		return nil
	}
	var outs []int
	for o, mask := range blk.m {
		if mask&(1<<in) != 0 {
			outs = append(outs, o)
		}
	}
	return outs
}

// encode packs the matrix MSB first: output k occupies bytes [4k, 4k+4),
// big-endian, bit i set when input i feeds k.
func (blk *Summing) encode() []byte {
	buf := make([]byte, summingBytes)
	for o, mask := range blk.m {
		binary.BigEndian.PutUint32(buf[4*o:], mask)
	}
	return buf
}

func (blk *Summing) WriteToHardware() error {
	w := errWriter{name: blk.name}
	w.write(blk.matrix, blk.encode())
	w.trigger(blk.sync)
	return w.err
}

func (blk *Summing) ReadFromHardware() error {
	buf, err := readBack(blk.matrix, summingBytes)
	if err != nil {
		return fmt.Errorf("block: could not read %s matrix: %w", blk.name, err)
	}
	for o := range blk.m {
		blk.m[o] = binary.BigEndian.Uint32(buf[4*o:])
	}
	return nil
}

type summingDoc struct {
	Outputs map[string][]int `json:"outputs"`
}

func (blk *Summing) ConfigFromDocument(doc json.RawMessage) error {
	var raw summingDoc
	err := decode(doc, &raw)
	if err != nil {
		return err
	}

	var m [SummingOutputs]uint32
	for key, ins := range raw.Outputs {
		out, err := index(key, SummingOutputs)
		if err != nil {
			return err
		}
		for _, in := range ins {
			if !within(in, 0, SummingInputs-1) {
				return fmt.Errorf("%w: invalid input %d on output %d", ErrDocument, in, out)
			}
			m[out] |= 1 << in
		}
	}
	blk.m = m
	return nil
}

func (blk *Summing) ConfigToDocument() (json.RawMessage, error) {
	doc := summingDoc{Outputs: make(map[string][]int)}
	for o, mask := range blk.m {
		if mask == 0 {
			continue
		}
		doc.Outputs[fmt.Sprintf("%d", o)] = blk.Inputs(o)
	}
	return encode(doc)
}

var (
	_ Block = (*Summing)(nil)
)
