// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package daq implements the data acquisition of the hybrid computer:
// one-shot sampling and continuous, ring-buffered capture streamed in
// fixed-size chunks.
package daq // import "github.com/go-lpc/hcomp/daq"

import (
	"errors"
	"fmt"
)

const (
	// MaxChannels is the number of ADC channels.
	MaxChannels = 8

	// FullScale is the magnitude of the largest normalized sample.
	FullScale = 1.25
)

var (
	ErrChannel        = errors.New("daq: invalid channel")
	ErrReaderAttached = errors.New("daq: reader already attached")
	ErrRunning        = errors.New("daq: capture already running")
	ErrStopped        = errors.New("daq: capture not running")
)

// Sampler samples the ADC channels.
type Sampler interface {
	// SampleAll synchronously samples all channels.
	SampleAll() ([]float64, error)
	// SampleOne samples channel ch.
	SampleOne(ch int) (float64, error)
}

// Normalize converts a raw offset-binary ADC code into a value in
// [-FullScale, FullScale].
func Normalize(raw uint16) float64 {
	return (float64(raw) - 32768) / 32768 * FullScale
}

// Raw converts a normalized value into an ADC code, saturating outside
// the full scale.
func Raw(v float64) uint16 {
	code := v/FullScale*32768 + 32768
	switch {
	case code < 0:
		return 0
	case code > 65535:
		return 65535
	}
	return uint16(code + 0.5)
}

// OneShot samples the first n channels of s.
func OneShot(s Sampler, n int) ([]float64, error) {
	if n < 0 || n > MaxChannels {
		return nil, fmt.Errorf("%w: %d channels", ErrChannel, n)
	}
	vs, err := s.SampleAll()
	if err != nil {
		return nil, fmt.Errorf("daq: could not sample: %w", err)
	}
	if len(vs) < n {
		return nil, fmt.Errorf("daq: sampler returned %d channels, want %d", len(vs), n)
	}
	return vs[:n:n], nil
}
