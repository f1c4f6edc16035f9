// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package block models the plug-in blocks of the hybrid computer: routers,
// coefficient multipliers, summing matrices and integrators.
//
// Blocks cache their configuration in memory. The cached state reaches the
// hardware only through an explicit WriteToHardware.
package block // import "github.com/go-lpc/hcomp/block"

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/hcomp/bus"
	"golang.org/x/exp/constraints"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

var (
	ErrIdentity   = errors.New("block: identity mismatch")
	ErrAbsent     = errors.New("no chip answering")
	ErrRange      = errors.New("block: value out of range")
	ErrConnection = errors.New("block: connection rejected")
	ErrDocument   = errors.New("block: invalid document")
)

// Kind is the type of a block.
type Kind byte

const (
	KindRouter      Kind = 'U'
	KindCoefficient Kind = 'C'
	KindSumming     Kind = 'I'
	KindIntegrator  Kind = 'M'
)

func (k Kind) String() string {
	switch k {
	case KindRouter, KindCoefficient, KindSumming, KindIntegrator:
		return string(rune(k))
	default:
		return fmt.Sprintf("Kind(0x%02x)", byte(k))
	}
}

// EUI is the factory identifier of a block.
type EUI uint64

func (eui EUI) String() string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(eui))
	return fmt.Sprintf("%02x-%02x-%02x-%02x-%02x-%02x-%02x-%02x",
		b[0], b[1], b[2], b[3], b[4], b[5], b[6], b[7],
	)
}

// Block is a plug-in block.
type Block interface {
	Kind() Kind
	Name() string
	EUI() EUI

	// Init identifies the block and seeds the hardware with the reset state.
	Init() error
	// Reset clears the configuration. Calibration survives when
	// keepCalibration is true.
	Reset(keepCalibration bool)

	WriteToHardware() error
	ReadFromHardware() error

	ConfigFromDocument(doc json.RawMessage) error
	ConfigToDocument() (json.RawMessage, error)

	// SetPedantic toggles echo verification of the block's shift registers.
	SetPedantic(v bool)
}

// Policy relaxes the default connection rules of routers and summing blocks.
type Policy uint8

const (
	AllowInputSplitting Policy = 1 << iota
	AllowOutputSplitting
	AllowDisconnectOthers
)

func merge(ps []Policy) Policy {
	var p Policy
	for _, v := range ps {
		p |= v
	}
	return p
}

func (p Policy) has(v Policy) bool { return p&v == v }

type config struct {
	name string
	msg  log.MsgStream
}

// Option configures a block.
type Option func(*config)

// WithName sets the name of a block.
func WithName(name string) Option {
	return func(cfg *config) {
		cfg.name = name
	}
}

// WithLogger sets the message stream of a block.
func WithLogger(msg log.MsgStream) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

var (
	metaSettings = bus.Settings{Freq: 1 * physic.MegaHertz, Mode: spi.Mode0, Bits: 8}
	regSettings  = bus.DefaultSettings
	dacSettings  = bus.Settings{Freq: 10 * physic.MegaHertz, Mode: spi.Mode1, Bits: 8}
)

const (
	metaRead = 0x03
	metaKind = 0x00
	metaEUI  = 0xf8
)

// base holds what all blocks share: the metadata memory at function 0.
type base struct {
	bus  *bus.Bus
	addr bus.Address
	kind Kind
	name string
	eui  EUI
	msg  log.MsgStream
	meta *bus.DataFunction
}

func newBase(b *bus.Bus, addr bus.Address, kind Kind, opts []Option) base {
	addr = addr.WithFunc(0)
	cfg := config{
		name: fmt.Sprintf("%v@%d/%d/%d", kind, addr.Board, addr.Cluster, addr.Block),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.msg == nil {
		cfg.msg = log.NewMsgStream(cfg.name, log.LvlInfo, os.Stdout)
	}
	return base{
		bus:  b,
		addr: addr,
		kind: kind,
		name: cfg.name,
		msg:  cfg.msg,
		meta: bus.NewData(b, addr, metaSettings),
	}
}

func (b *base) Kind() Kind   { return b.kind }
func (b *base) Name() string { return b.name }
func (b *base) EUI() EUI     { return b.eui }

// Addr returns the base address of the block.
func (b *base) Addr() bus.Address { return b.addr }

func (b *base) data(fct uint8, s bus.Settings) *bus.DataFunction {
	return bus.NewData(b.bus, b.addr.WithFunc(fct), s)
}

func (b *base) trigger(fct uint8) bus.TriggerFunction {
	return bus.NewTrigger(b.bus, b.addr.WithFunc(fct))
}

func (b *base) readMeta(off uint8, n int) ([]byte, error) {
	w := make([]byte, 2+n)
	w[0] = metaRead
	w[1] = off
	r, err := b.meta.Transfer(w)
	if err != nil {
		return nil, err
	}
	return r[2:], nil
}

// identify reads the metadata memory and checks the block kind.
func (b *base) identify() error {
	kind, err := b.readMeta(metaKind, 1)
	if err != nil {
		return fmt.Errorf("block: could not read kind of %s: %w", b.name, err)
	}
	raw, err := b.readMeta(metaEUI, 8)
	if err != nil {
		return fmt.Errorf("block: could not read EUI of %s: %w", b.name, err)
	}

	eui := EUI(binary.BigEndian.Uint64(raw))
	if eui == 1<<64-1 {
		return fmt.Errorf("%w: %w at %v", ErrIdentity, ErrAbsent, b.addr)
	}
	if got := Kind(kind[0]); got != b.kind {
		return fmt.Errorf("%w: %s has kind %v, want %v", ErrIdentity, b.name, got, b.kind)
	}
	b.eui = eui
	b.msg.Debugf("identified %s (eui=%v)", b.name, eui)
	return nil
}

// readBack shifts out the contents of an echoing shift register and
// shifts them back in.
func readBack(f *bus.DataFunction, n int) ([]byte, error) {
	ped := f.Pedantic()
	f.SetPedantic(false)
	defer f.SetPedantic(ped)

	r, err := f.Transfer(make([]byte, n))
	if err != nil {
		return nil, err
	}
	err = f.Write(r)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func within[T constraints.Integer | constraints.Float](v, lo, hi T) bool {
	return lo <= v && v <= hi
}

// Clamp returns v limited to [lo, hi].
func Clamp[T constraints.Integer | constraints.Float](v, lo, hi T) T {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}

// errWriter records the first error of a sequence of hardware writes.
type errWriter struct {
	name string
	err  error
}

func (w *errWriter) write(f *bus.DataFunction, p []byte) {
	if w.err != nil {
		return
	}
	err := f.Write(p)
	if err != nil {
		w.err = fmt.Errorf("block: could not write %s: %w", w.name, err)
	}
}

func (w *errWriter) trigger(f bus.TriggerFunction) {
	if w.err != nil {
		return
	}
	err := f.Trigger()
	if err != nil {
		w.err = fmt.Errorf("block: could not sync %s: %w", w.name, err)
	}
}
