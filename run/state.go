// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package run

import (
	"fmt"
)

// State is the phase of a run.
type State uint8

const (
	StateNew State = iota
	StateQueued
	StateTakeOff
	StateIC
	StateOP
	StateOPEnd
	StateTmpHalt
	StateDone
	StateError
)

var stateNames = [...]string{
	StateNew:     "NEW",
	StateQueued:  "QUEUED",
	StateTakeOff: "TAKE_OFF",
	StateIC:      "IC",
	StateOP:      "OP",
	StateOPEnd:   "OP_END",
	StateTmpHalt: "TMP_HALT",
	StateDone:    "DONE",
	StateError:   "ERROR",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool { return s == StateDone || s == StateError }

// legal lists the successors of each state, besides StateError.
var legal = map[State][]State{
	StateNew:     {StateQueued},
	StateQueued:  {StateTakeOff},
	StateTakeOff: {StateIC},
	StateIC:      {StateOP},
	StateOP:      {StateOPEnd, StateTmpHalt},
	StateOPEnd:   {StateDone},
	StateTmpHalt: {StateDone},
}

// CanTo reports whether the transition from s to next is legal.
func (s State) CanTo(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateError {
		return true
	}
	for _, v := range legal[s] {
		if v == next {
			return true
		}
	}
	return false
}

func (s State) MarshalText() ([]byte, error) {
	if int(s) >= len(stateNames) {
		return nil, fmt.Errorf("run: invalid state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(p []byte) error {
	for i, name := range stateNames {
		if name == string(p) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("run: invalid state %q", p)
}
