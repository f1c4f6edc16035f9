// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package eui reads the EUI-48 identifier of a carrier board from its
// 24AA02E48 EEPROM.
package eui // import "github.com/go-lpc/hcomp/internal/eui"

import (
	"fmt"

	"github.com/go-daq/smbus"
)

const (
	// Addr is the SMBus address of the EEPROM.
	Addr = 0x50

	regEUI = 0xfa // first byte of the EUI-48
	size   = 6
)

// Device is a register-addressed SMBus device.
type Device interface {
	ReadReg(addr, reg uint8) (uint8, error)
}

// EUI48 is an IEEE EUI-48 identifier.
type EUI48 [size]byte

func (v EUI48) String() string {
	return fmt.Sprintf("%02x-%02x-%02x-%02x-%02x-%02x", v[0], v[1], v[2], v[3], v[4], v[5])
}

// Uint64 returns the identifier as an integer.
func (v EUI48) Uint64() uint64 {
	var o uint64
	for _, b := range v {
		o = o<<8 | uint64(b)
	}
	return o
}

// Read reads the identifier from dev.
func Read(dev Device) (EUI48, error) {
	var v EUI48
	for i := range v {
		b, err := dev.ReadReg(Addr, regEUI+uint8(i))
		if err != nil {
			return v, fmt.Errorf("eui: could not read register 0x%02x: %w", regEUI+i, err)
		}
		v[i] = b
	}
	if v == (EUI48{}) || v == (EUI48{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}) {
		return v, fmt.Errorf("eui: no identifier programmed (%v)", v)
	}
	return v, nil
}

// Load reads the identifier of the EEPROM on SMBus bus.
func Load(bus int) (EUI48, error) {
	conn, err := smbus.Open(bus, Addr)
	if err != nil {
		return EUI48{}, fmt.Errorf("eui: could not open smbus %d: %w", bus, err)
	}
	defer conn.Close()

	return Read(conn)
}
