// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package run implements the lifecycle of runs, single computation cycles
// of the hybrid computer, and their sequencing.
package run // import "github.com/go-lpc/hcomp/run"

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-lpc/hcomp/daq"
	"github.com/google/uuid"
)

var (
	ErrTransition = errors.New("run: illegal transition")
	ErrOverload   = errors.New("run: overload during operate")
	ErrHalted     = errors.New("run: halted by operator")
	ErrUnknown    = errors.New("run: unknown run")
	ErrConfig     = errors.New("run: invalid configuration")
)

// HistoryLen is the number of transitions kept by a run.
const HistoryLen = 7

// Transition is a change of state of a run.
type Transition struct {
	Time time.Time `json:"time"`
	From State     `json:"from"`
	To   State     `json:"to"`
}

// Run is one computation cycle.
type Run struct {
	ID     uuid.UUID
	Config Config
	DAQ    daq.Config

	mu    sync.RWMutex
	state State
	hist  [HistoryLen]Transition
	n     int // number of recorded transitions
	err   error
	ovl   bool
	now   func() time.Time
}

// New returns a run identified by token. A malformed token yields the
// uuid.Nil identifier.
func New(token string, cfg Config, dcfg daq.Config) *Run {
	id, err := uuid.Parse(token)
	if err != nil {
		id = uuid.Nil
	}
	return &Run{
		ID:     id,
		Config: cfg,
		DAQ:    dcfg,
		state:  StateNew,
		now:    time.Now,
	}
}

// State returns the current state of the run.
func (r *Run) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// To moves the run to state next.
func (r *Run) To(next State) error {
	_, err := r.to(next)
	return err
}

func (r *Run) to(next State) (Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.state.CanTo(next) {
		return Transition{}, fmt.Errorf("%w: %v -> %v", ErrTransition, r.state, next)
	}
	tr := Transition{Time: r.now(), From: r.state, To: next}
	r.hist[r.n%HistoryLen] = tr
	r.n++
	r.state = next
	return tr, nil
}

// fail moves the run to StateError, recording cause.
func (r *Run) fail(cause error) (Transition, error) {
	tr, err := r.to(StateError)
	if err != nil {
		return tr, err
	}
	r.mu.Lock()
	r.err = cause
	r.mu.Unlock()
	return tr, nil
}

// History returns the most recent transitions, oldest first.
func (r *Run) History() []Transition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.n
	if n > HistoryLen {
		n = HistoryLen
	}
	out := make([]Transition, 0, n)
	for i := r.n - n; i < r.n; i++ {
		out = append(out, r.hist[i%HistoryLen])
	}
	return out
}

// Err returns the cause of a run in StateError.
func (r *Run) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Overloaded reports whether an overload was observed during operate.
func (r *Run) Overloaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ovl
}

func (r *Run) setOverloaded() {
	r.mu.Lock()
	r.ovl = true
	r.mu.Unlock()
}

func (r *Run) String() string {
	return fmt.Sprintf("run %v (%v)", r.ID, r.State())
}
