// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package eui

import (
	"errors"
	"testing"
)

type rom map[uint8]uint8

func (r rom) ReadReg(addr, reg uint8) (uint8, error) {
	if addr != Addr {
		return 0, errors.New("no ack")
	}
	v, ok := r[reg]
	if !ok {
		return 0xff, nil
	}
	return v, nil
}

func TestRead(t *testing.T) {
	dev := rom{0xfa: 0x00, 0xfb: 0x04, 0xfc: 0xa3, 0xfd: 0x12, 0xfe: 0x34, 0xff: 0x56}
	v, err := Read(dev)
	if err != nil {
		t.Fatalf("could not read EUI: %+v", err)
	}
	if got, want := v.String(), "00-04-a3-12-34-56"; got != want {
		t.Fatalf("invalid EUI: got=%q, want=%q", got, want)
	}
	if got, want := v.Uint64(), uint64(0x0004a3123456); got != want {
		t.Fatalf("invalid EUI: got=0x%x, want=0x%x", got, want)
	}
}

func TestReadBlank(t *testing.T) {
	_, err := Read(rom{})
	if err == nil {
		t.Fatalf("expected an error")
	}
}

type broken struct{}

func (broken) ReadReg(addr, reg uint8) (uint8, error) { return 0, errors.New("bus error") }

func TestReadError(t *testing.T) {
	_, err := Read(broken{})
	if err == nil {
		t.Fatalf("expected an error")
	}
}
