// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sim

import (
	"encoding/binary"
	"sync"

	"github.com/go-lpc/hcomp/bus"
)

// EEPROM is a 256 bytes serial memory answering the 0x03 read command.
type EEPROM struct {
	mu   sync.Mutex
	Data [256]byte
}

// NewEEPROM returns a block metadata memory holding kind at 0x00 and
// eui at 0xf8..0xff.
func NewEEPROM(kind byte, eui uint64) *EEPROM {
	var mem EEPROM
	for i := range mem.Data {
		mem.Data[i] = 0xff
	}
	mem.Data[0] = kind
	binary.BigEndian.PutUint64(mem.Data[0xf8:], eui)
	return &mem
}

func (mem *EEPROM) Tx(s bus.Settings, w, r []byte) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	for i := range r {
		r[i] = 0xff
	}
	if len(w) < 2 || w[0] != 0x03 {
		return nil
	}
	addr := int(w[1])
	for i := 2; i < len(r); i++ {
		r[i] = mem.Data[(addr+i-2)%len(mem.Data)]
	}
	return nil
}

// ShiftRegister is a daisy-chained shift register: every transfer shifts
// out the previously shifted in contents. Latched holds the contents at
// the last Latch call.
type ShiftRegister struct {
	mu      sync.Mutex
	buf     []byte
	latched []byte
}

// NewShiftRegister returns a shift register of n bytes.
func NewShiftRegister(n int) *ShiftRegister {
	return &ShiftRegister{
		buf:     make([]byte, n),
		latched: make([]byte, n),
	}
}

func (sr *ShiftRegister) Tx(s bus.Settings, w, r []byte) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	// shift len(w) bytes through the chain.
	out := append(append([]byte(nil), sr.buf...), w...)
	copy(r, out[:len(r)])
	copy(sr.buf, out[len(out)-len(sr.buf):])
	return nil
}

// Latch copies the shift register into its output latches.
func (sr *ShiftRegister) Latch() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	copy(sr.latched, sr.buf)
}

// Latched returns a copy of the latched contents.
func (sr *ShiftRegister) Latched() []byte {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return append([]byte(nil), sr.latched...)
}

// Contents returns a copy of the shift register contents.
func (sr *ShiftRegister) Contents() []byte {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return append([]byte(nil), sr.buf...)
}

// DAC is a write-only converter recording the frames it receives.
type DAC struct {
	mu     sync.Mutex
	frames [][]byte
}

func (dac *DAC) Tx(s bus.Settings, w, r []byte) error {
	dac.mu.Lock()
	defer dac.mu.Unlock()
	dac.frames = append(dac.frames, append([]byte(nil), w...))
	for i := range r {
		r[i] = 0
	}
	return nil
}

// Frames returns all frames received so far.
func (dac *DAC) Frames() [][]byte {
	dac.mu.Lock()
	defer dac.mu.Unlock()
	return append([][]byte(nil), dac.frames...)
}

// Last returns the last frame received, as a big-endian word.
func (dac *DAC) Last() (uint32, bool) {
	dac.mu.Lock()
	defer dac.mu.Unlock()
	if len(dac.frames) == 0 {
		return 0, false
	}
	var v uint32
	for _, b := range dac.frames[len(dac.frames)-1] {
		v = v<<8 | uint32(b)
	}
	return v, true
}

// Register is a read-only register shifting out Data.
type Register struct {
	mu   sync.Mutex
	Data []byte
}

// Set replaces the register contents.
func (reg *Register) Set(data ...byte) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.Data = append(reg.Data[:0], data...)
}

func (reg *Register) Tx(s bus.Settings, w, r []byte) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for i := range r {
		r[i] = 0
	}
	copy(r, reg.Data)
	return nil
}

var (
	_ Chip = (*EEPROM)(nil)
	_ Chip = (*ShiftRegister)(nil)
	_ Chip = (*DAC)(nil)
	_ Chip = (*Register)(nil)
)
