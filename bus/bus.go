// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bus implements the addressing and function-transfer protocol of
// the shared backplane bus.
//
// A transaction asserts an address on the address lines, waits for the lines
// to settle, activates the selected function, exchanges data (or holds a
// trigger pulse) and deactivates the function. Only one transaction may be in
// flight at a time: Bus serialises complete transactions.
package bus // import "github.com/go-lpc/hcomp/bus"

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-daq/tdaq/log"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

var (
	ErrAddress = errors.New("bus: invalid address")
	ErrEcho    = errors.New("bus: echo mismatch")
)

// Settings are the electrical settings of a data transfer.
type Settings struct {
	Freq physic.Frequency
	Mode spi.Mode // clock polarity/phase, spi.LSBFirst for bit order
	Bits int      // bits per word
}

// DefaultSettings are the transfer settings of most backplane chips.
var DefaultSettings = Settings{
	Freq: 4 * physic.MegaHertz,
	Mode: spi.Mode2,
	Bits: 8,
}

func (s Settings) String() string {
	order := "msb"
	if s.Mode&spi.LSBFirst != 0 {
		order = "lsb"
	}
	return fmt.Sprintf("%v mode=%d bits=%d %s-first", s.Freq, s.Mode&0x3, s.Bits, order)
}

// Lines is the electrical interface to the backplane.
type Lines interface {
	// Select asserts w on the address lines.
	Select(w Word) error
	// Activate enables the currently selected function.
	Activate() error
	// Deactivate disables the currently selected function.
	Deactivate() error
	// Tx exchanges w and r on the data lines, using s.
	// len(r) is either 0 or len(w).
	Tx(s Settings, w, r []byte) error
}

// Bus serialises transactions on a set of Lines.
type Bus struct {
	mu  sync.Mutex
	hw  Lines
	cfg config
}

type config struct {
	settle time.Duration
	pulse  time.Duration
	msg    log.MsgStream
}

// Option configures a Bus.
type Option func(*config)

// WithSettle sets the minimum delay between asserting an address and
// activating the selected function.
func WithSettle(d time.Duration) Option {
	return func(cfg *config) {
		cfg.settle = d
	}
}

// WithPulse sets the width of trigger pulses.
func WithPulse(d time.Duration) Option {
	return func(cfg *config) {
		cfg.pulse = d
	}
}

// WithLogger sets the message stream of the bus.
func WithLogger(msg log.MsgStream) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// New returns a bus driving hw.
func New(hw Lines, opts ...Option) *Bus {
	cfg := config{
		settle: 40 * time.Nanosecond,
		pulse:  1 * time.Microsecond,
		msg:    log.NewMsgStream("bus", log.LvlInfo, os.Stdout),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Bus{hw: hw, cfg: cfg}
}

// Trigger fires the trigger function at addr.
func (b *Bus) Trigger(addr Address) error {
	err := addr.Valid()
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.txn(addr, func() error {
		wait(b.cfg.pulse)
		return nil
	})
}

// Transfer exchanges w with the data function at addr.
// r receives the simultaneously read bytes and must be nil or len(w) long.
// When verify is true, w is shifted a second time within the same bus
// ownership and the read side must echo w.
func (b *Bus) Transfer(addr Address, s Settings, w, r []byte, verify bool) error {
	err := addr.Valid()
	if err != nil {
		return err
	}
	if r != nil && len(r) != len(w) {
		return fmt.Errorf("bus: invalid read buffer size (got=%d, want=%d)", len(r), len(w))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	err = b.txn(addr, func() error {
		return b.hw.Tx(s, w, r)
	})
	if err != nil || !verify {
		return err
	}

	echo := make([]byte, len(w))
	err = b.txn(addr, func() error {
		return b.hw.Tx(s, w, echo)
	})
	if err != nil {
		return fmt.Errorf("bus: could not verify %v: %w", addr, err)
	}
	for i := range w {
		if echo[i] != w[i] {
			b.cfg.msg.Errorf("echo mismatch at %v: got=%x, want=%x", addr, echo, w)
			return fmt.Errorf("%w at %v: got=%x, want=%x", ErrEcho, addr, echo, w)
		}
	}
	return nil
}

// txn runs one select/activate/op/deactivate sequence.
// The caller must hold b.mu.
func (b *Bus) txn(addr Address, op func() error) error {
	err := b.hw.Select(addr.Pack())
	if err != nil {
		return fmt.Errorf("bus: could not select %v: %w", addr, err)
	}
	wait(b.cfg.settle)

	err = b.hw.Activate()
	if err != nil {
		return fmt.Errorf("bus: could not activate %v: %w", addr, err)
	}

	err = op()
	if err != nil {
		_ = b.hw.Deactivate()
		return fmt.Errorf("bus: could not transfer to %v: %w", addr, err)
	}

	err = b.hw.Deactivate()
	if err != nil {
		return fmt.Errorf("bus: could not deactivate %v: %w", addr, err)
	}
	return nil
}

// wait blocks for d, spinning for sub-microsecond delays
// which are below the scheduler resolution.
func wait(d time.Duration) {
	switch {
	case d <= 0:
		return
	case d < time.Microsecond:
		for beg := time.Now(); time.Since(beg) < d; {
		}
	default:
		time.Sleep(d)
	}
}
