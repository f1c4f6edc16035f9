// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go-hep.org/x/hep/lcio"
)

const (
	lcioDetector   = "HCOMP"
	lcioCollection = "HCOMP_SAMPLES"
)

// LCIOWriter streams capture windows into an LCIO file.
// Each window becomes one event holding the interleaved samples.
// A run header is written whenever the run changes.
type LCIOWriter struct {
	w *lcio.Writer

	run     int32
	id      uuid.UUID
	evt     int32
	samples []float32
	nchan   int
	crcs    []int32
}

// CreateLCIO creates an LCIO file and returns its writer.
func CreateLCIO(fname string) (*LCIOWriter, error) {
	w, err := lcio.Create(fname)
	if err != nil {
		return nil, fmt.Errorf("daq: could not create LCIO file: %w", err)
	}
	return &LCIOWriter{w: w, run: -1}, nil
}

// Stream implements Streamer.
func (lw *LCIOWriter) Stream(c Chunk) error {
	if c.First {
		if c.RunID != lw.id || lw.run < 0 {
			err := lw.header(c.RunID)
			if err != nil {
				return err
			}
		}
		lw.samples = lw.samples[:0]
		lw.crcs = lw.crcs[:0]
		lw.nchan = c.Channels
	}
	if c.Checksum() != c.CRC {
		return fmt.Errorf("daq: chunk %d of run %v: CRC mismatch", c.Seq, c.RunID)
	}
	lw.samples = append(lw.samples, c.Samples...)
	lw.crcs = append(lw.crcs, int32(c.CRC))
	if !c.Last {
		return nil
	}

	raw := &lcio.GenericObject{
		Data: []lcio.GenericObjectData{
			{I32s: []int32{int32(lw.nchan)}, F32s: lw.samples},
			{I32s: lw.crcs},
		},
	}
	evt := lcio.Event{
		RunNumber:   lw.run,
		EventNumber: lw.evt,
		TimeStamp:   time.Now().UnixNano(),
		Detector:    lcioDetector,
	}
	evt.Add(lcioCollection, raw)

	err := lw.w.WriteEvent(&evt)
	if err != nil {
		return fmt.Errorf("daq: could not write LCIO event: %w", err)
	}
	lw.evt++
	return nil
}

func (lw *LCIOWriter) header(id uuid.UUID) error {
	lw.run++
	lw.id = id
	lw.evt = 0
	err := lw.w.WriteRunHeader(&lcio.RunHeader{
		RunNumber: lw.run,
		Detector:  lcioDetector,
		Descr:     id.String(),
		Params: lcio.Params{
			Strings: map[string][]string{
				"RunID": {id.String()},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("daq: could not write LCIO run header: %w", err)
	}
	return nil
}

// Close closes the underlying LCIO file.
func (lw *LCIOWriter) Close() error {
	err := lw.w.Close()
	if err != nil {
		return fmt.Errorf("daq: could not close LCIO file: %w", err)
	}
	return nil
}
