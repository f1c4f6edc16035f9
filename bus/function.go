// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bus

// TriggerFunction is a function fired by a pulse on its activation line.
type TriggerFunction struct {
	bus  *Bus
	Addr Address
}

// NewTrigger returns the trigger function at addr.
func NewTrigger(b *Bus, addr Address) TriggerFunction {
	return TriggerFunction{bus: b, Addr: addr}
}

// Trigger fires the function.
func (f TriggerFunction) Trigger() error {
	return f.bus.Trigger(f.Addr)
}

// DataFunction is a function exchanging data over the data lines.
type DataFunction struct {
	bus      *Bus
	Addr     Address
	Settings Settings

	pedantic bool
}

// NewData returns the data function at addr, using the transfer settings s.
func NewData(b *Bus, addr Address, s Settings) *DataFunction {
	return &DataFunction{bus: b, Addr: addr, Settings: s}
}

// SetPedantic enables or disables echo verification of writes.
// It must only be enabled for functions whose read side shifts out
// the previously written data.
func (f *DataFunction) SetPedantic(v bool) { f.pedantic = v }

// Pedantic reports whether echo verification is enabled.
func (f *DataFunction) Pedantic() bool { return f.pedantic }

// Transfer shifts w out and returns the bytes simultaneously shifted in.
func (f *DataFunction) Transfer(w []byte) ([]byte, error) {
	r := make([]byte, len(w))
	err := f.bus.Transfer(f.Addr, f.Settings, w, r, f.pedantic)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Write shifts w out, discarding the read side.
func (f *DataFunction) Write(w []byte) error {
	return f.bus.Transfer(f.Addr, f.Settings, w, nil, f.pedantic)
}
