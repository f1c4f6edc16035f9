// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package block

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-lpc/hcomp/bus"
)

const (
	RouterInputs  = 16
	RouterOutputs = 32

	selBits     = 5
	selEnable   = 0x10
	routerBytes = RouterOutputs * selBits / 8
	altLanes    = 0xff01 // input lanes carrying an alt signal
)

// AltSignal is an alternative source injected on a router input lane.
type AltSignal uint8

const (
	AltRefHalf AltSignal = iota
	AltACL0
	AltACL1
	AltACL2
	AltACL3
	AltACL4
	AltACL5
	AltACL6
	AltACL7
	numAltSignals
)

// Lane returns the router input lane carrying the signal.
func (sig AltSignal) Lane() int {
	if sig == AltRefHalf {
		return 0
	}
	return 8 + int(sig-AltACL0)
}

func (sig AltSignal) valid() bool { return sig < numAltSignals }

func (sig AltSignal) String() string {
	switch {
	case sig == AltRefHalf:
		return "ref_half"
	case sig.valid():
		return fmt.Sprintf("acl%d", sig-AltACL0)
	default:
		return fmt.Sprintf("AltSignal(%d)", uint8(sig))
	}
}

// ParseAltSignal returns the signal named name.
func ParseAltSignal(name string) (AltSignal, error) {
	for sig := AltSignal(0); sig < numAltSignals; sig++ {
		if sig.String() == name {
			return sig, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown alt signal %q", ErrRange, name)
}

// altOnLane returns the alt signal carried by lane, if any.
func altOnLane(lane int) (AltSignal, bool) {
	switch {
	case lane == 0:
		return AltRefHalf, true
	case within(lane, 8, 15):
		return AltACL0 + AltSignal(lane-8), true
	}
	return 0, false
}

type routing struct {
	sel [RouterOutputs]int8 // input lane per output, -1 when disconnected
	alt uint16              // active alt signals, one bit per input lane
}

func (rt *routing) clear() {
	for i := range rt.sel {
		rt.sel[i] = -1
	}
}

func (rt *routing) altActive(lane int) bool { return rt.alt&(1<<lane) != 0 }

func (rt *routing) drop(lane int) {
	for i, v := range rt.sel {
		if int(v) == lane {
			rt.sel[i] = -1
		}
	}
}

func (rt *routing) used(lane int) bool {
	for _, v := range rt.sel {
		if int(v) == lane {
			return true
		}
	}
	return false
}

// connect implements the connection rules shared by direct and alt
// sources. The state is only mutated when the connection is accepted.
func (rt *routing) connect(lane, out int, alt bool, p Policy) error {
	// a lane is either direct or alternative.
	conflict := rt.altActive(lane) != alt && (rt.altActive(lane) || rt.used(lane))
	if conflict && !p.has(AllowInputSplitting) {
		return fmt.Errorf("%w: input lane %d already in use by another source", ErrConnection, lane)
	}
	if cur := int(rt.sel[out]); cur >= 0 && cur != lane && !p.has(AllowOutputSplitting) {
		return fmt.Errorf("%w: output %d already connected to input %d", ErrConnection, out, cur)
	}

	if conflict {
		rt.drop(lane)
		rt.alt &^= 1 << lane
	}
	rt.sel[out] = int8(lane)
	if alt {
		rt.alt |= 1 << lane
	}
	return nil
}

// encode packs the selectors MSB first: output k occupies bits
// [5k, 5k+5) of the stream, enable bit first.
func (rt *routing) encode() []byte {
	buf := make([]byte, routerBytes)
	for out, in := range rt.sel {
		var v uint8
		if in >= 0 {
			v = selEnable | uint8(in)
		}
		for i := 0; i < selBits; i++ {
			if v&(1<<(selBits-1-i)) == 0 {
				continue
			}
			bit := out*selBits + i
			buf[bit/8] |= 0x80 >> (bit % 8)
		}
	}
	return buf
}

func (rt *routing) decode(buf []byte) {
	for out := range rt.sel {
		var v uint8
		for i := 0; i < selBits; i++ {
			bit := out*selBits + i
			v <<= 1
			if buf[bit/8]&(0x80>>(bit%8)) != 0 {
				v |= 1
			}
		}
		switch {
		case v&selEnable != 0:
			rt.sel[out] = int8(v &^ selEnable)
		default:
			rt.sel[out] = -1
		}
	}
}

// Router is a 16 inputs by 32 outputs crossbar.
// Each output carries at most one input; an input may feed any number of
// outputs.
type Router struct {
	base
	rt routing

	matrix *bus.DataFunction
	altFn  *bus.DataFunction
	sync   bus.TriggerFunction
}

// NewRouter returns the router block at addr.
func NewRouter(b *bus.Bus, addr bus.Address, opts ...Option) *Router {
	blk := &Router{base: newBase(b, addr, KindRouter, opts)}
	blk.matrix = blk.data(1, regSettings)
	blk.sync = blk.trigger(2)
	blk.altFn = blk.data(3, regSettings)
	blk.rt.clear()
	return blk
}

func (blk *Router) Init() error {
	err := blk.identify()
	if err != nil {
		return err
	}
	blk.Reset(false)
	return blk.WriteToHardware()
}

func (blk *Router) Reset(keepCalibration bool) {
	blk.rt.clear()
	blk.rt.alt = 0
}

func (blk *Router) SetPedantic(v bool) {
	blk.matrix.SetPedantic(v)
	blk.altFn.SetPedantic(v)
}

// Connect connects input in to output out.
func (blk *Router) Connect(in, out int, policies ...Policy) error {
	if !within(in, 0, RouterInputs-1) || !within(out, 0, RouterOutputs-1) {
		return fmt.Errorf("%w: router connection %d->%d", ErrRange, in, out)
	}
	return blk.rt.connect(in, out, false, merge(policies))
}

// ConnectAlt connects the alternative signal sig to output out and marks
// sig active.
func (blk *Router) ConnectAlt(sig AltSignal, out int, policies ...Policy) error {
	if !sig.valid() || !within(out, 0, RouterOutputs-1) {
		return fmt.Errorf("%w: router connection %v->%d", ErrRange, sig, out)
	}
	return blk.rt.connect(sig.Lane(), out, true, merge(policies))
}

// AltActive reports whether sig is active.
func (blk *Router) AltActive(sig AltSignal) bool {
	return sig.valid() && blk.rt.altActive(sig.Lane())
}

// DisableAlt deactivates sig and disconnects the outputs it feeds.
func (blk *Router) DisableAlt(sig AltSignal) {
	if !blk.AltActive(sig) {
		return
	}
	lane := sig.Lane()
	blk.rt.drop(lane)
	blk.rt.alt &^= 1 << lane
}

// Disconnect disconnects output out.
func (blk *Router) Disconnect(out int) error {
	if !within(out, 0, RouterOutputs-1) {
		return fmt.Errorf("%w: router output %d", ErrRange, out)
	}
	blk.rt.sel[out] = -1
	return nil
}

// DisconnectAll disconnects all outputs. Alt signals stay active.
func (blk *Router) DisconnectAll() {
	blk.rt.clear()
}

// IsConnected reports whether input in drives output out.
func (blk *Router) IsConnected(in, out int) bool {
	if !within(out, 0, RouterOutputs-1) {
		return false
	}
	return int(blk.rt.sel[out]) == in
}

// Input returns the input lane driving out.
func (blk *Router) Input(out int) (int, bool) {
	if !within(out, 0, RouterOutputs-1) || blk.rt.sel[out] < 0 {
		return 0, false
	}
	return int(blk.rt.sel[out]), true
}

func (blk *Router) WriteToHardware() error {
	var alt [2]byte
	binary.BigEndian.PutUint16(alt[:], blk.rt.alt)

	w := errWriter{name: blk.name}
	w.write(blk.matrix, blk.rt.encode())
	w.write(blk.altFn, alt[:])
	w.trigger(blk.sync)
	return w.err
}

func (blk *Router) ReadFromHardware() error {
	buf, err := readBack(blk.matrix, routerBytes)
	if err != nil {
		return fmt.Errorf("block: could not read %s matrix: %w", blk.name, err)
	}
	alt, err := readBack(blk.altFn, 2)
	if err != nil {
		return fmt.Errorf("block: could not read %s alt mask: %w", blk.name, err)
	}
	blk.rt.decode(buf)
	blk.rt.alt = binary.BigEndian.Uint16(alt) & altLanes
	return nil
}

type routerDoc struct {
	Outputs map[string]json.RawMessage `json:"outputs"`
	Alt     []string                   `json:"alt,omitempty"`
}

const altPrefix = "alt:"

func (blk *Router) ConfigFromDocument(doc json.RawMessage) error {
	var raw routerDoc
	err := decode(doc, &raw)
	if err != nil {
		return err
	}

	var rt routing
	rt.clear()
	for _, name := range raw.Alt {
		sig, err := ParseAltSignal(name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDocument, err)
		}
		rt.alt |= 1 << sig.Lane()
	}

	type source struct {
		in  int
		alt bool
	}
	srcs := make(map[int]source, len(raw.Outputs))
	for key, val := range raw.Outputs {
		out, err := index(key, RouterOutputs)
		if err != nil {
			return err
		}
		var src source
		switch {
		case json.Unmarshal(val, &src.in) == nil:
			if !within(src.in, 0, RouterInputs-1) {
				return fmt.Errorf("%w: invalid input %d on output %d", ErrDocument, src.in, out)
			}
		default:
			var name string
			err := json.Unmarshal(val, &name)
			if err != nil || !strings.HasPrefix(name, altPrefix) {
				return fmt.Errorf("%w: invalid source %s on output %d", ErrDocument, val, out)
			}
			sig, err := ParseAltSignal(strings.TrimPrefix(name, altPrefix))
			if err != nil {
				return fmt.Errorf("%w: %v", ErrDocument, err)
			}
			src = source{in: sig.Lane(), alt: true}
			rt.alt |= 1 << src.in
		}
		srcs[out] = src
	}

	for out, src := range srcs {
		if rt.altActive(src.in) != src.alt {
			return fmt.Errorf("%w: input lane %d used as direct and alternative source", ErrDocument, src.in)
		}
		rt.sel[out] = int8(src.in)
	}

	blk.rt = rt
	return nil
}

func (blk *Router) ConfigToDocument() (json.RawMessage, error) {
	doc := routerDoc{Outputs: make(map[string]json.RawMessage)}
	for out, in := range blk.rt.sel {
		if in < 0 {
			continue
		}
		val := json.RawMessage(fmt.Sprintf("%d", in))
		if blk.rt.altActive(int(in)) {
			sig, _ := altOnLane(int(in))
			val = json.RawMessage(fmt.Sprintf("%q", altPrefix+sig.String()))
		}
		doc.Outputs[fmt.Sprintf("%d", out)] = val
	}
	for lane := 0; lane < RouterInputs; lane++ {
		if sig, ok := altOnLane(lane); ok && blk.rt.altActive(lane) {
			doc.Alt = append(doc.Alt, sig.String())
		}
	}
	sort.Strings(doc.Alt)
	return encode(doc)
}

var (
	_ Block = (*Router)(nil)
)
