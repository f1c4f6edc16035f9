// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/hcomp/block"
	"github.com/go-lpc/hcomp/bus"
	"github.com/go-lpc/hcomp/daq"
	"golang.org/x/sync/errgroup"
)

const (
	// Sources is the number of signals the ADC mux can select.
	Sources = bus.NumClusters * ElementLanes

	// NoSource marks an unconnected ADC channel.
	NoSource = -1

	fctADC      = 1
	fctOverload = 2
	adcOff      = 0xff
)

// Carrier is a carrier board holding three clusters, the ADC mux and the
// overload detectors of the computation elements.
type Carrier struct {
	Board    uint8
	Clusters [bus.NumClusters]*Cluster

	adc [daq.MaxChannels]int // source per ADC channel

	adcFn *bus.DataFunction
	ovlFn *bus.DataFunction
	msg   log.MsgStream
}

type config struct {
	msg  log.MsgStream
	opts []block.Option
}

// Option configures a carrier.
type Option func(*config)

// WithLogger sets the message stream of the carrier and its blocks.
func WithLogger(msg log.MsgStream) Option {
	return func(cfg *config) {
		cfg.msg = msg
		cfg.opts = append(cfg.opts, block.WithLogger(msg))
	}
}

// NewCarrier returns the carrier at board.
func NewCarrier(b *bus.Bus, board uint8, opts ...Option) *Carrier {
	cfg := config{
		msg: log.NewMsgStream(fmt.Sprintf("carrier-%d", board), log.LvlInfo, os.Stdout),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	car := &Carrier{
		Board: board,
		adcFn: bus.NewData(b, bus.CarrierAddress(board, fctADC), bus.DefaultSettings),
		ovlFn: bus.NewData(b, bus.CarrierAddress(board, fctOverload), bus.DefaultSettings),
		msg:   cfg.msg,
	}
	for i := range car.Clusters {
		car.Clusters[i] = New(b, board, uint8(i), cfg.opts...)
	}
	car.resetADC()
	return car
}

// Blocks returns all populated blocks of the carrier.
func (car *Carrier) Blocks() []block.Block {
	var blks []block.Block
	for _, c := range car.Clusters {
		blks = append(blks, c.Blocks()...)
	}
	return blks
}

// Init initializes all clusters. Errors are collected per block.
func (car *Carrier) Init() error {
	var errs []error
	for _, c := range car.Clusters {
		err := c.Init()
		if err != nil {
			errs = append(errs, err)
		}
		for i, m := range c.M {
			if m == nil {
				car.msg.Infof("cluster %d: element slot %d is empty", c.Index, i)
			}
		}
	}
	car.resetADC()
	if err := car.writeADC(); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	if err != nil {
		return fmt.Errorf("cluster: could not initialize carrier %d: %w", car.Board, err)
	}
	for _, blk := range car.Blocks() {
		car.msg.Infof("block %s: eui=%v", blk.Name(), blk.EUI())
	}
	return nil
}

// Reset resets all blocks and disconnects the ADC channels.
func (car *Carrier) Reset(keepCalibration bool) {
	for _, c := range car.Clusters {
		c.Reset(keepCalibration)
	}
	car.resetADC()
}

// SetPedantic toggles echo verification on all blocks.
func (car *Carrier) SetPedantic(v bool) {
	for _, blk := range car.Blocks() {
		blk.SetPedantic(v)
	}
}

// WriteToHardware writes all blocks and the ADC mux.
func (car *Carrier) WriteToHardware() error {
	var grp errgroup.Group
	for _, c := range car.Clusters {
		c := c
		grp.Go(c.WriteToHardware)
	}
	err := grp.Wait()
	if err != nil {
		return err
	}
	return car.writeADC()
}

// ReadFromHardware refreshes the state of all blocks.
func (car *Carrier) ReadFromHardware() error {
	for _, blk := range car.Blocks() {
		err := blk.ReadFromHardware()
		if err != nil {
			return fmt.Errorf("cluster: could not read %s: %w", blk.Name(), err)
		}
	}
	return nil
}

func (car *Carrier) resetADC() {
	for i := range car.adc {
		car.adc[i] = NoSource
	}
}

// SetADC connects ADC channel ch to source src, the element output
// src%16 of cluster src/16, or NoSource.
func (car *Carrier) SetADC(ch, src int) error {
	switch {
	case ch < 0 || ch >= daq.MaxChannels:
		return fmt.Errorf("%w: %d", daq.ErrChannel, ch)
	case src != NoSource && (src < 0 || src >= Sources):
		return fmt.Errorf("%w: ADC source %d", block.ErrRange, src)
	}
	car.adc[ch] = src
	return nil
}

// ADC returns the source of every ADC channel.
func (car *Carrier) ADC() []int {
	return append([]int(nil), car.adc[:]...)
}

func (car *Carrier) writeADC() error {
	buf := make([]byte, daq.MaxChannels)
	for i, src := range car.adc {
		buf[i] = adcOff
		if src != NoSource {
			buf[i] = byte(src)
		}
	}
	err := car.adcFn.Write(buf)
	if err != nil {
		return fmt.Errorf("cluster: could not write ADC mux: %w", err)
	}
	return nil
}

// Overloaded reports whether any computation element is overloaded.
func (car *Carrier) Overloaded() (bool, error) {
	flags, err := car.ovlFn.Transfer(make([]byte, Elements*bus.NumClusters))
	if err != nil {
		return false, fmt.Errorf("cluster: could not read overload flags: %w", err)
	}
	for _, v := range flags {
		if v != 0 {
			return true, nil
		}
	}
	return false, nil
}

// Calibrate calibrates all clusters, measuring element outputs through ADC
// channel 0 of s. The ADC mux is restored afterwards.
func (car *Carrier) Calibrate(ctx context.Context, s daq.Sampler) error {
	saved := car.adc
	defer func() {
		car.adc = saved
		_ = car.writeADC()
	}()

	var fails []Failure
	for _, c := range car.Clusters {
		err := c.Calibrate(ctx, &muxSampler{car: car, cluster: int(c.Index), s: s})
		var cerr *CalibrationError
		switch {
		case errors.As(err, &cerr):
			fails = append(fails, cerr.Failures...)
		case err != nil:
			return err
		}
	}
	if len(fails) > 0 {
		return &CalibrationError{Failures: fails}
	}
	return nil
}

// muxSampler samples the element outputs of one cluster through ADC channel 0.
type muxSampler struct {
	car     *Carrier
	cluster int
	s       daq.Sampler
}

func (p *muxSampler) SampleOne(out int) (float64, error) {
	err := p.car.SetADC(0, p.cluster*ElementLanes+out)
	if err != nil {
		return 0, err
	}
	err = p.car.writeADC()
	if err != nil {
		return 0, err
	}
	return p.s.SampleOne(0)
}

func (p *muxSampler) SampleAll() ([]float64, error) {
	return p.s.SampleAll()
}

type carrierDoc map[string]json.RawMessage

const adcKey = "adc_channels"

var slotKeys = [...]string{"/U", "/C", "/I", "/M0", "/M1"}

func (c *Cluster) slots() []block.Block {
	blks := []block.Block{c.U, c.C, c.I, nil, nil}
	for i, m := range c.M {
		if m != nil {
			blks[slotM0+i] = m
		}
	}
	return blks
}

// ConfigFromDocument applies a carrier document:
//
//	{"/0": {"/U": {...}, "/C": {...}, "/I": {...}, "/M0": {...}},
//	 "adc_channels": [0, 1, -1, ...]}
//
// Unknown keys are rejected. Nothing is applied unless the whole document
// is valid.
func (car *Carrier) ConfigFromDocument(doc json.RawMessage) error {
	var raw carrierDoc
	dec := json.NewDecoder(bytes.NewReader(doc))
	err := dec.Decode(&raw)
	if err != nil {
		return fmt.Errorf("%w: %v", block.ErrDocument, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: trailing data", block.ErrDocument)
	}

	type update struct {
		blk block.Block
		doc json.RawMessage
	}
	var (
		updates []update
		adc     = car.adc
	)
	for key, val := range raw {
		if key == adcKey {
			var chans []int
			err := json.Unmarshal(val, &chans)
			if err != nil || len(chans) != daq.MaxChannels {
				return fmt.Errorf("%w: invalid ADC channels %s", block.ErrDocument, val)
			}
			for i, src := range chans {
				if src != NoSource && (src < 0 || src >= Sources) {
					return fmt.Errorf("%w: invalid ADC source %d", block.ErrDocument, src)
				}
				adc[i] = src
			}
			continue
		}

		c, err := car.cluster(key)
		if err != nil {
			return err
		}
		var sub map[string]json.RawMessage
		err = json.Unmarshal(val, &sub)
		if err != nil {
			return fmt.Errorf("%w: cluster %s: %v", block.ErrDocument, key, err)
		}
		slots := c.slots()
	loop:
		for name, bdoc := range sub {
			for i, sk := range slotKeys {
				if sk != name {
					continue
				}
				if slots[i] == nil {
					return fmt.Errorf("%w: block %s%s is not populated", block.ErrDocument, key, name)
				}
				updates = append(updates, update{blk: slots[i], doc: bdoc})
				continue loop
			}
			return fmt.Errorf("%w: unknown block %s%s", block.ErrDocument, key, name)
		}
	}

	var saved []update
	for _, u := range updates {
		prev, err := u.blk.ConfigToDocument()
		if err == nil {
			err = u.blk.ConfigFromDocument(u.doc)
		}
		if err != nil {
			for i := len(saved) - 1; i >= 0; i-- {
				_ = saved[i].blk.ConfigFromDocument(saved[i].doc)
			}
			return fmt.Errorf("cluster: could not configure %s: %w", u.blk.Name(), err)
		}
		saved = append(saved, update{blk: u.blk, doc: prev})
	}
	car.adc = adc
	return nil
}

func (car *Carrier) cluster(key string) (*Cluster, error) {
	for _, c := range car.Clusters {
		if key == fmt.Sprintf("/%d", c.Index) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown key %q", block.ErrDocument, key)
}

// ConfigToDocument returns the carrier document.
func (car *Carrier) ConfigToDocument() (json.RawMessage, error) {
	doc := make(carrierDoc)
	for _, c := range car.Clusters {
		sub := make(map[string]json.RawMessage)
		for i, blk := range c.slots() {
			if blk == nil {
				continue
			}
			raw, err := blk.ConfigToDocument()
			if err != nil {
				return nil, fmt.Errorf("cluster: could not encode %s: %w", blk.Name(), err)
			}
			sub[slotKeys[i]] = raw
		}
		raw, err := json.Marshal(sub)
		if err != nil {
			return nil, fmt.Errorf("cluster: could not encode cluster %d: %w", c.Index, err)
		}
		doc[fmt.Sprintf("/%d", c.Index)] = raw
	}
	raw, err := json.Marshal(car.adc[:])
	if err != nil {
		return nil, fmt.Errorf("cluster: could not encode ADC channels: %w", err)
	}
	doc[adcKey] = raw
	return json.Marshal(doc)
}
