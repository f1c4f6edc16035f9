// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package run

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/google/uuid"
)

// Sequencer asserts the timed phases of a run on the hardware.
type Sequencer interface {
	// Arm prepares a cycle of ic initial conditions followed by op
	// operate. op == 0 operates until Halt. Durations the hardware can
	// not time are rejected.
	Arm(ic, op time.Duration) error
	// ForceStart starts the armed cycle.
	ForceStart() error
	// IsDone reports whether the cycle completed.
	IsDone() bool
	// Halt stops the cycle.
	Halt() error
}

// OverloadMonitor reports overloads of the computation elements.
type OverloadMonitor interface {
	Overloaded() (bool, error)
}

// Acquisition samples the computation during operate.
type Acquisition interface {
	// Start is called when the run enters operate.
	Start(r *Run) error
	// Stop is called when operate ends.
	Stop(r *Run) error
}

// Observer is notified of every transition of the managed runs.
type Observer func(r *Run, tr Transition)

// Manager runs queued runs one at a time, in order.
type Manager struct {
	seq Sequencer
	cfg config

	mu    sync.Mutex
	queue []*Run
	cur   *Run
	halt  chan struct{}
	wake  chan struct{}
}

type config struct {
	ovl  OverloadMonitor
	acq  Acquisition
	obs  []Observer
	poll time.Duration
	msg  log.MsgStream
}

// Option configures a Manager.
type Option func(*config)

// WithOverloadMonitor sets the overload monitor polled during operate.
func WithOverloadMonitor(m OverloadMonitor) Option {
	return func(cfg *config) { cfg.ovl = m }
}

// WithAcquisition sets the acquisition started during operate.
func WithAcquisition(acq Acquisition) Option {
	return func(cfg *config) { cfg.acq = acq }
}

// WithObserver adds an observer of run transitions.
func WithObserver(obs Observer) Option {
	return func(cfg *config) { cfg.obs = append(cfg.obs, obs) }
}

// WithPoll sets the polling period of the sequencer during operate.
func WithPoll(d time.Duration) Option {
	return func(cfg *config) { cfg.poll = d }
}

// WithLogger sets the message stream of the manager.
func WithLogger(msg log.MsgStream) Option {
	return func(cfg *config) { cfg.msg = msg }
}

// NewManager returns a manager driving seq.
func NewManager(seq Sequencer, opts ...Option) *Manager {
	cfg := config{
		poll: 1 * time.Millisecond,
		msg:  log.NewMsgStream("run", log.LvlInfo, os.Stdout),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{
		seq:  seq,
		cfg:  cfg,
		wake: make(chan struct{}, 1),
	}
}

func (mgr *Manager) notify(r *Run, tr Transition) {
	mgr.cfg.msg.Debugf("%v: %v -> %v", r.ID, tr.From, tr.To)
	for _, obs := range mgr.cfg.obs {
		obs(r, tr)
	}
}

func (mgr *Manager) to(r *Run, next State) error {
	tr, err := r.to(next)
	if err != nil {
		return err
	}
	mgr.notify(r, tr)
	return nil
}

func (mgr *Manager) fail(r *Run, cause error) error {
	mgr.cfg.msg.Errorf("%v failed in %v: %+v", r.ID, r.State(), cause)
	tr, err := r.fail(cause)
	if err == nil {
		mgr.notify(r, tr)
	}
	return cause
}

// Queue appends r to the queue of pending runs.
// Observers are notified outside of the queue lock.
func (mgr *Manager) Queue(r *Run) error {
	tr, err := r.to(StateQueued)
	if err != nil {
		return err
	}
	mgr.notify(r, tr)

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.queue = append(mgr.queue, r)

	select {
	case mgr.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the queued runs, in order.
func (mgr *Manager) Pending() []*Run {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return append([]*Run(nil), mgr.queue...)
}

// Current returns the run in flight, if any.
func (mgr *Manager) Current() *Run {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.cur
}

// Halt halts the run id. A run in its initial conditions fails with
// ErrHalted, a run in operate ends in StateTmpHalt then StateDone.
// A queued run is dropped and ends in StateError.
func (mgr *Manager) Halt(id uuid.UUID) error {
	mgr.mu.Lock()
	if mgr.cur != nil && mgr.cur.ID == id {
		select {
		case <-mgr.halt:
		default:
			close(mgr.halt)
		}
		mgr.mu.Unlock()
		return nil
	}
	var dropped *Run
	for i, r := range mgr.queue {
		if r.ID != id {
			continue
		}
		mgr.queue = append(mgr.queue[:i], mgr.queue[i+1:]...)
		dropped = r
		break
	}
	mgr.mu.Unlock()

	if dropped == nil {
		return fmt.Errorf("%w: %v", ErrUnknown, id)
	}
	_ = mgr.fail(dropped, ErrHalted)
	return nil
}

// Process runs the run at the head of the queue to completion.
// It returns nil, nil when the queue is empty.
func (mgr *Manager) Process(ctx context.Context) (*Run, error) {
	mgr.mu.Lock()
	if len(mgr.queue) == 0 {
		mgr.mu.Unlock()
		return nil, nil
	}
	r := mgr.queue[0]
	mgr.queue = mgr.queue[1:]
	mgr.cur = r
	halt := make(chan struct{})
	mgr.halt = halt
	mgr.mu.Unlock()

	defer func() {
		mgr.mu.Lock()
		mgr.cur = nil
		mgr.halt = nil
		mgr.mu.Unlock()
	}()

	return r, mgr.execute(ctx, r, halt)
}

// Loop processes runs until ctx is done.
func (mgr *Manager) Loop(ctx context.Context) error {
	for {
		r, err := mgr.Process(ctx)
		if r != nil {
			if err != nil {
				mgr.cfg.msg.Errorf("%v: %+v", r.ID, err)
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-mgr.wake:
		}
	}
}

func (mgr *Manager) execute(ctx context.Context, r *Run, halt <-chan struct{}) error {
	err := mgr.to(r, StateTakeOff)
	if err != nil {
		return mgr.fail(r, err)
	}

	op := r.Config.OPTime
	if r.Config.Repetitive {
		op = 0
	}
	err = mgr.seq.Arm(r.Config.ICTime, op)
	if err != nil {
		return mgr.fail(r, fmt.Errorf("run: could not arm sequencer: %w", err))
	}

	err = mgr.seq.ForceStart()
	if err != nil {
		return mgr.fail(r, fmt.Errorf("run: could not start sequencer: %w", err))
	}
	_ = mgr.to(r, StateIC)

	ic := time.NewTimer(r.Config.ICTime)
	defer ic.Stop()
	select {
	case <-ctx.Done():
		_ = mgr.seq.Halt()
		return mgr.fail(r, ctx.Err())
	case <-halt:
		_ = mgr.seq.Halt()
		return mgr.fail(r, ErrHalted)
	case <-ic.C:
	}

	_ = mgr.to(r, StateOP)
	if mgr.cfg.acq != nil {
		err = mgr.cfg.acq.Start(r)
		if err != nil {
			_ = mgr.seq.Halt()
			return mgr.fail(r, fmt.Errorf("run: could not start acquisition: %w", err))
		}
	}

	next, err := mgr.operate(ctx, r, halt)
	if mgr.cfg.acq != nil {
		aerr := mgr.cfg.acq.Stop(r)
		if aerr != nil && err == nil {
			err = fmt.Errorf("run: could not stop acquisition: %w", aerr)
		}
	}
	if err != nil {
		return mgr.fail(r, err)
	}

	_ = mgr.to(r, next)
	return mgr.to(r, StateDone)
}

// operate polls the sequencer until the operate phase ends and returns
// the state following it.
func (mgr *Manager) operate(ctx context.Context, r *Run, halt <-chan struct{}) (State, error) {
	tick := time.NewTicker(mgr.cfg.poll)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = mgr.seq.Halt()
			return StateError, ctx.Err()

		case <-halt:
			err := mgr.seq.Halt()
			if err != nil {
				return StateError, fmt.Errorf("run: could not halt sequencer: %w", err)
			}
			return StateTmpHalt, nil

		case <-tick.C:
			if mgr.cfg.ovl != nil {
				ovl, err := mgr.cfg.ovl.Overloaded()
				if err != nil {
					_ = mgr.seq.Halt()
					return StateError, fmt.Errorf("run: could not read overload: %w", err)
				}
				if ovl && !r.Overloaded() {
					r.setOverloaded()
					mgr.cfg.msg.Infof("%v: overload during operate", r.ID)
				}
				if ovl && r.Config.HaltOnOverload {
					_ = mgr.seq.Halt()
					return StateError, ErrOverload
				}
			}
			if mgr.seq.IsDone() {
				if r.Config.Repetitive {
					return StateTmpHalt, nil
				}
				return StateOPEnd, nil
			}
		}
	}
}
