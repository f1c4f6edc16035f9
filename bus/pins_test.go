// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bus

import (
	"bytes"
	"fmt"
	"testing"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

type loopConn struct {
	s    Settings
	sent [][]byte
}

func (c *loopConn) String() string { return "loop" }
func (c *loopConn) Duplex() conn.Duplex { return conn.Full }
func (c *loopConn) TxPackets(p []spi.Packet) error {
	for _, pkt := range p {
		err := c.Tx(pkt.W, pkt.R)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *loopConn) Tx(w, r []byte) error {
	c.sent = append(c.sent, append([]byte(nil), w...))
	copy(r, w)
	return nil
}

type loopPort struct {
	conns []*loopConn
}

func (p *loopPort) String() string { return "loop-port" }
func (p *loopPort) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	c := &loopConn{s: Settings{Freq: f, Mode: mode, Bits: bits}}
	p.conns = append(p.conns, c)
	return c, nil
}

type regs [4]uint32

func (r *regs) U32(off int64) (uint32, error) {
	if off < 0 || off/4 >= int64(len(r)) {
		return 0, fmt.Errorf("invalid offset %d", off)
	}
	return r[off/4], nil
}

func (r *regs) SetU32(off int64, v uint32) error {
	if off < 0 || off/4 >= int64(len(r)) {
		return fmt.Errorf("invalid offset %d", off)
	}
	r[off/4] = v
	return nil
}

func TestPinLines(t *testing.T) {
	var (
		pins [WordBits]gpio.PinOut
		addr [WordBits]*gpiotest.Pin
		en   = &gpiotest.Pin{N: "EN", L: gpio.Low}
		port = new(loopPort)
	)
	for i := range pins {
		addr[i] = &gpiotest.Pin{N: fmt.Sprintf("A%d", i), Num: i}
		pins[i] = addr[i]
	}

	hw, err := NewPinLines(pins, en, PortDialer{Port: port})
	if err != nil {
		t.Fatalf("could not create pin lines: %+v", err)
	}
	if en.Read() != gpio.High {
		t.Fatalf("enable pin not released")
	}

	w := BlockAddress(5, 2, 3).WithFunc(17).Pack()
	err = hw.Select(w)
	if err != nil {
		t.Fatalf("could not select: %+v", err)
	}
	for i, p := range addr {
		want := gpio.Level((w>>i)&1 == 1)
		if got := p.Read(); got != want {
			t.Fatalf("pin %d: got=%v, want=%v", i, got, want)
		}
	}

	err = hw.Activate()
	if err != nil {
		t.Fatalf("could not activate: %+v", err)
	}
	if en.Read() != gpio.Low {
		t.Fatalf("enable pin not asserted")
	}

	lsb := Settings{Freq: DefaultSettings.Freq, Mode: spi.Mode0 | spi.LSBFirst, Bits: 8}
	for _, s := range []Settings{DefaultSettings, lsb, DefaultSettings} {
		r := make([]byte, 2)
		err = hw.Tx(s, []byte{1, 2}, r)
		if err != nil {
			t.Fatalf("could not tx: %+v", err)
		}
		if !bytes.Equal(r, []byte{1, 2}) {
			t.Fatalf("invalid read-back: %x", r)
		}
	}
	if got, want := len(port.conns), 2; got != want {
		t.Fatalf("invalid number of connections: got=%d, want=%d", got, want)
	}
	if got, want := len(port.conns[0].sent), 2; got != want {
		t.Fatalf("invalid number of transfers: got=%d, want=%d", got, want)
	}

	err = hw.Deactivate()
	if err != nil {
		t.Fatalf("could not deactivate: %+v", err)
	}
	if en.Read() != gpio.High {
		t.Fatalf("enable pin not released")
	}

	_, err = NewPinLines([WordBits]gpio.PinOut{}, en, PortDialer{Port: port})
	if err == nil {
		t.Fatalf("expected an error for missing pins")
	}
}

func TestMemLines(t *testing.T) {
	var (
		r    = regs{0: 0x8000ffff}
		port = new(loopPort)
	)
	hw, err := NewMemLines(&r, PortDialer{Port: port})
	if err != nil {
		t.Fatalf("could not create mem lines: %+v", err)
	}
	if got, want := r[0], uint32(0x0000ffff); got != want {
		t.Fatalf("invalid ctrl: got=0x%08x, want=0x%08x", got, want)
	}

	b := New(hw, WithSettle(0), WithPulse(0))
	err = NewData(b, CarrierAddress(2, 3), DefaultSettings).Write([]byte{0x42})
	if err != nil {
		t.Fatalf("could not write: %+v", err)
	}
	if got, want := r[0], uint32(0x0000c000)|uint32(CarrierAddress(2, 3).Pack()); got != want {
		t.Fatalf("invalid ctrl: got=0x%08x, want=0x%08x", got, want)
	}
	if got, want := port.conns[0].sent, [][]byte{{0x42}}; len(got) != 1 || !bytes.Equal(got[0], want[0]) {
		t.Fatalf("invalid data: got=%x, want=%x", got, want)
	}
}

func TestLookupPins(t *testing.T) {
	var names []string
	for i := 0; i < WordBits; i++ {
		name := fmt.Sprintf("BUS_TEST_A%d", i)
		err := gpioreg.Register(&gpiotest.Pin{N: name, Num: 1000 + i})
		if err != nil {
			t.Fatalf("could not register pin %q: %+v", name, err)
		}
		defer gpioreg.Unregister(name)
		names = append(names, name)
	}
	err := gpioreg.Register(&gpiotest.Pin{N: "BUS_TEST_EN", Num: 1100})
	if err != nil {
		t.Fatalf("could not register enable pin: %+v", err)
	}
	defer gpioreg.Unregister("BUS_TEST_EN")

	addr, en, err := LookupPins(names, "BUS_TEST_EN")
	if err != nil {
		t.Fatalf("could not lookup pins: %+v", err)
	}
	if got, want := addr[3].Name(), "BUS_TEST_A3"; got != want {
		t.Fatalf("invalid address pin: got=%q, want=%q", got, want)
	}
	if got, want := en.Name(), "BUS_TEST_EN"; got != want {
		t.Fatalf("invalid enable pin: got=%q, want=%q", got, want)
	}

	for _, tc := range []struct {
		name   string
		addr   []string
		enable string
	}{
		{"short", names[:WordBits-1], "BUS_TEST_EN"},
		{"unknown-addr", append(append([]string(nil), names[:WordBits-1]...), "BUS_TEST_NONE"), "BUS_TEST_EN"},
		{"unknown-enable", names, "BUS_TEST_NONE"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := LookupPins(tc.addr, tc.enable)
			if err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}
