// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"fmt"
)

// MaxRate is the highest sample rate, in Hz. Legal rates divide it.
const MaxRate = 1000000

// Config is the acquisition configuration of a run.
type Config struct {
	NumChannels int  `json:"num_channels"`
	SampleRate  int  `json:"sample_rate"`
	SampleOP    bool `json:"sample_op"`
	SampleOPEnd bool `json:"sample_op_end"`
}

// DefaultConfig disables acquisition.
var DefaultConfig = Config{
	SampleRate:  100000,
	SampleOP:    true,
	SampleOPEnd: true,
}

// Validate checks the channel count and the sample rate.
func (cfg Config) Validate() error {
	switch cfg.NumChannels {
	case 0, 1, 2, 4, 8:
	default:
		return fmt.Errorf("%w: %d channels (want 0, 1, 2, 4 or 8)", ErrChannel, cfg.NumChannels)
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > MaxRate || MaxRate%cfg.SampleRate != 0 {
		return fmt.Errorf("daq: invalid sample rate %d Hz", cfg.SampleRate)
	}
	return nil
}

// Enabled reports whether the configuration acquires anything.
func (cfg Config) Enabled() bool {
	return cfg.NumChannels > 0 && (cfg.SampleOP || cfg.SampleOPEnd)
}
