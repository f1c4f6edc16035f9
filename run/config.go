// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package run

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/go-lpc/hcomp/daq"
)

// Config is the timing configuration of a run.
// Durations are encoded as nanoseconds.
type Config struct {
	ICTime         time.Duration `json:"ic_time"`
	OPTime         time.Duration `json:"op_time"`
	HaltOnOverload bool          `json:"halt_on_overload"`
	Repetitive     bool          `json:"repetitive"`
	Streaming      bool          `json:"streaming"`
}

// DefaultConfig is the configuration of runs without explicit timing.
var DefaultConfig = Config{
	ICTime: 100 * time.Microsecond,
	OPTime: 1 * time.Millisecond,
}

// Validate checks the durations of the configuration. The supported
// hardware ranges are checked by the sequencer when arming.
func (cfg Config) Validate() error {
	switch {
	case cfg.ICTime < 0:
		return fmt.Errorf("%w: negative IC time %v", ErrConfig, cfg.ICTime)
	case cfg.OPTime < 0:
		return fmt.Errorf("%w: negative OP time %v", ErrConfig, cfg.OPTime)
	case cfg.OPTime == 0 && !cfg.Repetitive:
		return fmt.Errorf("%w: zero OP time", ErrConfig)
	}
	return nil
}

// Document is the structured form of a run request.
type Document struct {
	ID     string     `json:"id"`
	Config Config     `json:"config"`
	DAQ    daq.Config `json:"daq_config"`
}

// FromDocument decodes a run request. Unknown keys are rejected.
// Missing sections take their default values.
func FromDocument(doc json.RawMessage) (*Run, error) {
	raw := Document{
		Config: DefaultConfig,
		DAQ:    daq.DefaultConfig,
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	err := dec.Decode(&raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrConfig)
	}

	err = raw.Config.Validate()
	if err != nil {
		return nil, err
	}
	err = raw.DAQ.Validate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return New(raw.ID, raw.Config, raw.DAQ), nil
}

// Document returns the structured form of the run request.
func (r *Run) Document() Document {
	return Document{ID: r.ID.String(), Config: r.Config, DAQ: r.DAQ}
}

// Status is the structured state of a run.
type Status struct {
	ID         string       `json:"id"`
	State      State        `json:"state"`
	Overloaded bool         `json:"overloaded"`
	Error      string       `json:"error,omitempty"`
	History    []Transition `json:"history"`
}

// Status returns the structured state of the run.
func (r *Run) Status() Status {
	st := Status{
		ID:         r.ID.String(),
		State:      r.State(),
		Overloaded: r.Overloaded(),
		History:    r.History(),
	}
	if err := r.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}
