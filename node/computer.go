// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package node exposes a hybrid computer over the network: a JSON control
// server and a tdaq run-control node.
package node // import "github.com/go-lpc/hcomp/node"

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/hcomp/cluster"
	"github.com/go-lpc/hcomp/conddb"
	"github.com/go-lpc/hcomp/daq"
	"github.com/go-lpc/hcomp/run"
	"github.com/google/uuid"
)

var (
	ErrNoCapture = errors.New("node: no capture source")
	ErrNoRunID   = errors.New("node: missing or malformed run id")
	ErrNoSampler = errors.New("node: no sampler")
	ErrBusy      = errors.New("node: carrier owned by a run")
)

// DefaultHistory is the default number of finished runs a computer
// remembers.
const DefaultHistory = 1024

// Computer is a hybrid computer: a carrier, its run manager and its
// acquisition.
type Computer struct {
	car  *cluster.Carrier
	smp  daq.Sampler
	runs *run.Manager
	cpt  *daq.Capture
	db   *conddb.DB
	msg  log.MsgStream

	hw    sync.Mutex // serializes carrier access
	owner *run.Run   // run owning the carrier, guarded by hw

	mu    sync.Mutex
	known map[uuid.UUID]*run.Run
	done  []uuid.UUID // finished runs, oldest first
	hist  int
	subs  map[int]*subscriber
	nsub  int
}

// Subscriber receives the run transitions and the acquired chunks of a
// computer.
type Subscriber interface {
	Transition(r *run.Run, tr run.Transition)
	daq.Streamer
}

// Streamer adapts s into a Subscriber ignoring run transitions.
func Streamer(s daq.Streamer) Subscriber { return streamOnly{s} }

type streamOnly struct{ daq.Streamer }

func (streamOnly) Transition(*run.Run, run.Transition) {}

type subscriber struct {
	Subscriber
}

type computerConfig struct {
	src   daq.Source
	copts []daq.CaptureOption
	db    *conddb.DB
	obs   []run.Observer
	ropts []run.Option
	hist  int
	msg   log.MsgStream
}

// ComputerOption configures a Computer.
type ComputerOption func(*computerConfig)

// WithSource sets the hardware-clocked source of the streamed acquisition.
func WithSource(src daq.Source, opts ...daq.CaptureOption) ComputerOption {
	return func(cfg *computerConfig) {
		cfg.src = src
		cfg.copts = opts
	}
}

// WithDB sets the condition database used to load and save calibrations
// and to record run summaries.
func WithDB(db *conddb.DB) ComputerOption {
	return func(cfg *computerConfig) { cfg.db = db }
}

// WithRunObserver adds an observer of run transitions.
func WithRunObserver(obs run.Observer) ComputerOption {
	return func(cfg *computerConfig) { cfg.obs = append(cfg.obs, obs) }
}

// WithRunOptions configures the run manager.
func WithRunOptions(opts ...run.Option) ComputerOption {
	return func(cfg *computerConfig) { cfg.ropts = append(cfg.ropts, opts...) }
}

// WithHistory sets the number of finished runs whose status is kept.
func WithHistory(n int) ComputerOption {
	return func(cfg *computerConfig) {
		if n > 0 {
			cfg.hist = n
		}
	}
}

// WithLogger sets the message stream of the computer.
func WithLogger(msg log.MsgStream) ComputerOption {
	return func(cfg *computerConfig) { cfg.msg = msg }
}

// NewComputer returns a computer driving car, sampled through smp and
// sequenced by seq. A computer without sampler can not sample nor
// calibrate.
func NewComputer(car *cluster.Carrier, smp daq.Sampler, seq run.Sequencer, opts ...ComputerOption) (*Computer, error) {
	cfg := computerConfig{
		hist: DefaultHistory,
		msg:  log.NewMsgStream("node", log.LvlInfo, os.Stdout),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Computer{
		car:   car,
		smp:   smp,
		db:    cfg.db,
		msg:   cfg.msg,
		known: make(map[uuid.UUID]*run.Run),
		hist:  cfg.hist,
		subs:  make(map[int]*subscriber),
	}

	if cfg.src != nil {
		cpt, err := daq.NewCapture(cfg.src, append([]daq.CaptureOption{daq.WithLogger(cfg.msg)}, cfg.copts...)...)
		if err != nil {
			return nil, fmt.Errorf("node: could not create capture: %w", err)
		}
		c.cpt = cpt
	}

	ropts := []run.Option{
		run.WithOverloadMonitor(car),
		run.WithAcquisition(c),
		run.WithObserver(c.observe),
		run.WithLogger(cfg.msg),
	}
	for _, obs := range cfg.obs {
		ropts = append(ropts, run.WithObserver(obs))
	}
	c.runs = run.NewManager(seq, append(ropts, cfg.ropts...)...)

	return c, nil
}

// Carrier returns the carrier of the computer.
func (c *Computer) Carrier() *cluster.Carrier { return c.car }

// Runs returns the run manager of the computer.
func (c *Computer) Runs() *run.Manager { return c.runs }

// acquire locks the carrier for a command.
// It fails with ErrBusy while a run owns the carrier.
func (c *Computer) acquire() error {
	c.hw.Lock()
	if r := c.owner; r != nil {
		c.hw.Unlock()
		return fmt.Errorf("%w: run %v is %v", ErrBusy, r.ID, r.State())
	}
	return nil
}

// Init identifies the blocks, loads their calibration and writes the
// initial configuration to the hardware.
func (c *Computer) Init(ctx context.Context) error {
	err := c.acquire()
	if err != nil {
		return err
	}
	defer c.hw.Unlock()

	err = c.car.Init()
	if err != nil {
		return err
	}
	if c.db != nil {
		err = c.db.Load(ctx, c.car.Blocks())
		if err != nil {
			return fmt.Errorf("node: could not load calibrations: %w", err)
		}
	}
	return c.car.WriteToHardware()
}

// Reset resets the configuration of the carrier, keeping the calibration.
func (c *Computer) Reset() error {
	err := c.acquire()
	if err != nil {
		return err
	}
	defer c.hw.Unlock()

	c.car.Reset(true)
	return c.car.WriteToHardware()
}

// Configure applies a carrier configuration document.
func (c *Computer) Configure(doc json.RawMessage) error {
	err := c.acquire()
	if err != nil {
		return err
	}
	defer c.hw.Unlock()

	err = c.car.ConfigFromDocument(doc)
	if err != nil {
		return err
	}
	return c.car.WriteToHardware()
}

// Config returns the carrier configuration document.
func (c *Computer) Config() (json.RawMessage, error) {
	c.hw.Lock()
	defer c.hw.Unlock()
	return c.car.ConfigToDocument()
}

// Sample returns a synchronous sample of the first n ADC channels.
func (c *Computer) Sample(n int) ([]float64, error) {
	if c.smp == nil {
		return nil, ErrNoSampler
	}
	err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer c.hw.Unlock()
	return daq.OneShot(c.smp, n)
}

// Calibrate calibrates the carrier and records the new calibration.
func (c *Computer) Calibrate(ctx context.Context) error {
	if c.smp == nil {
		return ErrNoSampler
	}
	err := c.acquire()
	if err != nil {
		return err
	}
	defer c.hw.Unlock()

	err = c.car.Calibrate(ctx, c.smp)
	if err != nil {
		return err
	}
	if c.db != nil {
		err = c.db.Save(ctx, c.car.Blocks())
		if err != nil {
			return fmt.Errorf("node: could not save calibrations: %w", err)
		}
	}
	return nil
}

// StartRun queues the run described by doc.
func (c *Computer) StartRun(doc json.RawMessage) (*run.Run, error) {
	r, err := run.FromDocument(doc)
	if err != nil {
		return nil, err
	}
	return r, c.Queue(r)
}

// Queue queues r.
func (c *Computer) Queue(r *run.Run) error {
	if r.ID == uuid.Nil {
		return ErrNoRunID
	}
	if streamed(r) && c.cpt == nil {
		return fmt.Errorf("%w: run %v requests acquisition", ErrNoCapture, r.ID)
	}
	if r.DAQ.NumChannels > 0 && r.DAQ.SampleOPEnd && c.smp == nil {
		return fmt.Errorf("%w: run %v requests an end of operate sample", ErrNoSampler, r.ID)
	}

	c.mu.Lock()
	if _, dup := c.known[r.ID]; dup {
		c.mu.Unlock()
		return fmt.Errorf("node: duplicate run %v", r.ID)
	}
	c.known[r.ID] = r
	c.mu.Unlock()

	return c.runs.Queue(r)
}

// Halt halts the run id.
func (c *Computer) Halt(id uuid.UUID) error {
	return c.runs.Halt(id)
}

// Status returns the status of the run id.
func (c *Computer) Status(id uuid.UUID) (run.Status, error) {
	c.mu.Lock()
	r, ok := c.known[id]
	c.mu.Unlock()
	if !ok {
		return run.Status{}, fmt.Errorf("%w: %v", run.ErrUnknown, id)
	}
	return r.Status(), nil
}

// Summary is the state of the run queue.
type Summary struct {
	Current *run.Status  `json:"current,omitempty"`
	Pending []run.Status `json:"pending"`
}

// Summary returns the state of the run queue.
func (c *Computer) Summary() Summary {
	var sum Summary
	if r := c.runs.Current(); r != nil {
		st := r.Status()
		sum.Current = &st
	}
	sum.Pending = []run.Status{}
	for _, r := range c.runs.Pending() {
		sum.Pending = append(sum.Pending, r.Status())
	}
	return sum
}

func (c *Computer) streaming(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.known[id]
	return ok && r.Config.Streaming
}

// Loop processes the queued runs until ctx is done.
func (c *Computer) Loop(ctx context.Context) error {
	return c.runs.Loop(ctx)
}

// Subscribe registers s for run transitions and acquired chunks.
// The returned function unregisters s.
func (c *Computer) Subscribe(s Subscriber) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nsub
	c.nsub++
	c.subs[id] = &subscriber{s}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Computer) subscribers() []*subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make([]*subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	return subs
}

// claim hands the carrier over to r, waiting for the command in flight.
func (c *Computer) claim(r *run.Run) {
	c.hw.Lock()
	defer c.hw.Unlock()
	c.owner = r
}

func (c *Computer) release(r *run.Run) {
	c.hw.Lock()
	defer c.hw.Unlock()
	if c.owner == r {
		c.owner = nil
	}
}

// forget records r as finished and drops the oldest finished runs beyond
// the history size.
func (c *Computer) forget(r *run.Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = append(c.done, r.ID)
	for len(c.done) > c.hist {
		delete(c.known, c.done[0])
		c.done = c.done[1:]
	}
}

func (c *Computer) observe(r *run.Run, tr run.Transition) {
	switch {
	case tr.To == run.StateTakeOff:
		c.claim(r)
	case tr.To.Terminal():
		c.release(r)
	}

	for _, s := range c.subscribers() {
		s.Transition(r, tr)
	}
	if !tr.To.Terminal() {
		return
	}
	c.forget(r)
	if c.db == nil {
		return
	}
	err := c.db.SaveRun(context.Background(), conddb.Summary(r))
	if err != nil {
		c.msg.Errorf("could not record run %v: %+v", r.ID, err)
	}
}

// Stream dispatches a chunk to all subscribers.
func (c *Computer) Stream(chunk daq.Chunk) error {
	var errs []error
	for _, s := range c.subscribers() {
		err := s.Stream(chunk)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start starts the streamed acquisition of r, if requested.
func (c *Computer) Start(r *run.Run) error {
	if !streamed(r) {
		return nil
	}
	return c.cpt.Start(r.ID, r.DAQ, c)
}

// Stop stops the streamed acquisition of r and takes the end of operate
// sample, if requested.
func (c *Computer) Stop(r *run.Run) error {
	var errs []error
	if streamed(r) {
		errs = append(errs, c.cpt.Stop())
	}
	if r.DAQ.NumChannels > 0 && r.DAQ.SampleOPEnd {
		errs = append(errs, c.sampleEnd(r))
	}
	return errors.Join(errs...)
}

func streamed(r *run.Run) bool {
	return r.DAQ.NumChannels > 0 && r.DAQ.SampleOP
}

// sampleEnd streams a one-shot sample as a single chunk window.
// r owns the carrier.
func (c *Computer) sampleEnd(r *run.Run) error {
	c.hw.Lock()
	vs, err := daq.OneShot(c.smp, r.DAQ.NumChannels)
	c.hw.Unlock()
	if err != nil {
		return fmt.Errorf("node: could not sample end of operate: %w", err)
	}
	chunk := daq.Chunk{
		RunID:    r.ID,
		First:    true,
		Last:     true,
		Channels: r.DAQ.NumChannels,
		Samples:  make([]float32, len(vs)),
	}
	for i, v := range vs {
		chunk.Samples[i] = float32(v)
	}
	chunk.CRC = chunk.Checksum()
	return c.Stream(chunk)
}

var (
	_ run.Acquisition     = (*Computer)(nil)
	_ run.OverloadMonitor = (*cluster.Carrier)(nil)
	_ daq.Streamer        = (*Computer)(nil)
)
