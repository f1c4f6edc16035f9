// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bus

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
)

// Dialer opens a connection with the given transfer settings.
type Dialer interface {
	Dial(s Settings) (spi.Conn, error)
}

// PortDialer connects a single port.
// All dialed settings must share the port clock frequency.
type PortDialer struct {
	Port spi.Port
}

func (p PortDialer) Dial(s Settings) (spi.Conn, error) {
	return p.Port.Connect(s.Freq, s.Mode, s.Bits)
}

// Registry dials connections from the periph SPI registry, opening one
// port per distinct settings.
type Registry struct {
	Name string // port name, as understood by spireg.Open

	mu    sync.Mutex
	ports []spi.PortCloser
}

func (reg *Registry) Dial(s Settings) (spi.Conn, error) {
	p, err := spireg.Open(reg.Name)
	if err != nil {
		return nil, fmt.Errorf("bus: could not open SPI port %q: %w", reg.Name, err)
	}
	c, err := p.Connect(s.Freq, s.Mode, s.Bits)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("bus: could not connect SPI port %q (%v): %w", reg.Name, s, err)
	}
	reg.mu.Lock()
	reg.ports = append(reg.ports, p)
	reg.mu.Unlock()
	return c, nil
}

// Close closes all opened ports.
func (reg *Registry) Close() error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var err error
	for _, p := range reg.ports {
		e := p.Close()
		if e != nil && err == nil {
			err = e
		}
	}
	reg.ports = nil
	return err
}

// conns caches the data connections of a set of lines.
type conns struct {
	dial Dialer
	set  map[Settings]spi.Conn
}

func (cs *conns) tx(s Settings, w, r []byte) error {
	c, ok := cs.set[s]
	if !ok {
		var err error
		c, err = cs.dial.Dial(s)
		if err != nil {
			return err
		}
		if cs.set == nil {
			cs.set = make(map[Settings]spi.Conn)
		}
		cs.set[s] = c
	}
	return c.Tx(w, r)
}

// PinLines drives the backplane through individual GPIO pins.
type PinLines struct {
	addr   [WordBits]gpio.PinOut
	enable gpio.PinOut // active low
	data   conns
}

// NewPinLines returns lines driving the address pins addr (LSB first),
// the active-low enable pin and the data lines dialed from d.
func NewPinLines(addr [WordBits]gpio.PinOut, enable gpio.PinOut, d Dialer) (*PinLines, error) {
	for i, p := range addr {
		if p == nil {
			return nil, fmt.Errorf("bus: missing address pin %d", i)
		}
	}
	if enable == nil {
		return nil, fmt.Errorf("bus: missing enable pin")
	}
	err := enable.Out(gpio.High)
	if err != nil {
		return nil, fmt.Errorf("bus: could not release enable pin %v: %w", enable, err)
	}
	return &PinLines{addr: addr, enable: enable, data: conns{dial: d}}, nil
}

// LookupPins retrieves the address pins (LSB first) and the enable pin
// from the periph GPIO registry.
func LookupPins(addr []string, enable string) ([WordBits]gpio.PinOut, gpio.PinOut, error) {
	var pins [WordBits]gpio.PinOut
	if len(addr) != WordBits {
		return pins, nil, fmt.Errorf("bus: got %d address pins, want %d", len(addr), WordBits)
	}
	for i, name := range addr {
		p := gpioreg.ByName(name)
		if p == nil {
			return pins, nil, fmt.Errorf("bus: unknown address pin %q", name)
		}
		pins[i] = p
	}
	en := gpioreg.ByName(enable)
	if en == nil {
		return pins, nil, fmt.Errorf("bus: unknown enable pin %q", enable)
	}
	return pins, en, nil
}

func (hw *PinLines) Select(w Word) error {
	for i, p := range hw.addr {
		err := p.Out(gpio.Level((w>>i)&1 == 1))
		if err != nil {
			return fmt.Errorf("bus: could not drive address pin %v: %w", p, err)
		}
	}
	return nil
}

func (hw *PinLines) Activate() error { return hw.enable.Out(gpio.Low) }
func (hw *PinLines) Deactivate() error { return hw.enable.Out(gpio.High) }

func (hw *PinLines) Tx(s Settings, w, r []byte) error {
	return hw.data.tx(s, w, r)
}

var (
	_ Lines = (*PinLines)(nil)
)
