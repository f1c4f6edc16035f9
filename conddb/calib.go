// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package conddb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-lpc/hcomp/block"
)

// ErrNoCalibration is returned when no calibration is recorded for a block.
var ErrNoCalibration = errors.New("conddb: no calibration")

// Lane is the calibration of a single lane of a block.
// Coefficient blocks use Gain and Offset, integrator blocks use Trim.
type Lane struct {
	Lane   int
	Gain   float64
	Offset float64
	Trim   int
}

// Calibration is the calibration of a block, identified by its EUI.
type Calibration struct {
	EUI   block.EUI
	Kind  block.Kind
	Lanes []Lane
}

// Snapshot returns the calibration held by blk.
// Only coefficient and integrator blocks carry a calibration.
func Snapshot(blk block.Block) (Calibration, bool) {
	cal := Calibration{EUI: blk.EUI(), Kind: blk.Kind()}
	switch blk := blk.(type) {
	case *block.Coefficient:
		for i := 0; i < block.CoefficientLanes; i++ {
			c := blk.Calibration(i)
			cal.Lanes = append(cal.Lanes, Lane{Lane: i, Gain: c.Gain, Offset: c.Offset})
		}
	case *block.Integrator:
		for i, trim := range blk.Trims() {
			cal.Lanes = append(cal.Lanes, Lane{Lane: i, Trim: trim})
		}
	default:
		return cal, false
	}
	return cal, true
}

// Apply loads the calibration into blk.
// A rejected calibration leaves blk unchanged.
func (cal Calibration) Apply(blk block.Block) error {
	if blk.EUI() != cal.EUI || blk.Kind() != cal.Kind {
		return fmt.Errorf("%w: calibration of %v(%v) applied to %s(%v)",
			block.ErrIdentity, cal.Kind, cal.EUI, blk.Name(), blk.EUI(),
		)
	}
	prev, ok := Snapshot(blk)
	if !ok {
		return fmt.Errorf("conddb: block %s carries no calibration", blk.Name())
	}
	err := cal.apply(blk)
	if err != nil {
		_ = prev.apply(blk)
		return fmt.Errorf("conddb: could not apply calibration to %s: %w", blk.Name(), err)
	}
	return nil
}

func (cal Calibration) apply(blk block.Block) error {
	switch blk := blk.(type) {
	case *block.Coefficient:
		for _, lane := range cal.Lanes {
			err := blk.SetCalibration(lane.Lane, block.Calibration{Gain: lane.Gain, Offset: lane.Offset})
			if err != nil {
				return err
			}
		}
	case *block.Integrator:
		for _, lane := range cal.Lanes {
			err := blk.SetTrim(lane.Lane, lane.Trim)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Calibration retrieves the calibration of the block eui.
func (db *DB) Calibration(ctx context.Context, eui block.EUI) (Calibration, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cal := Calibration{EUI: eui}
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT kind, lane, gain, offset, trim FROM calibrations WHERE eui=? ORDER BY lane",
		uint64(eui),
	)
	if err != nil {
		return cal, fmt.Errorf("conddb: could not query calibration of %v: %w", eui, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kind string
			lane Lane
		)
		err = rows.Scan(&kind, &lane.Lane, &lane.Gain, &lane.Offset, &lane.Trim)
		if err != nil {
			return cal, fmt.Errorf("conddb: could not scan calibration of %v: %w", eui, err)
		}
		if len(kind) != 1 {
			return cal, fmt.Errorf("conddb: invalid block kind %q for %v", kind, eui)
		}
		cal.Kind = block.Kind(kind[0])
		cal.Lanes = append(cal.Lanes, lane)
	}

	if err := rows.Err(); err != nil {
		return cal, fmt.Errorf("conddb: could not scan db for calibration of %v: %w", eui, err)
	}

	if err := ctx.Err(); err != nil {
		return cal, fmt.Errorf("conddb: context error while retrieving calibration of %v: %w", eui, err)
	}

	if len(cal.Lanes) == 0 {
		return cal, fmt.Errorf("%w for %v", ErrNoCalibration, eui)
	}

	return cal, nil
}

// SaveCalibration records cal, replacing any previous calibration of
// the same block.
func (db *DB) SaveCalibration(ctx context.Context, cal Calibration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("conddb: could not start transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, lane := range cal.Lanes {
		_, err = tx.ExecContext(
			ctx,
			"REPLACE INTO calibrations (eui, kind, lane, gain, offset, trim, datetime) VALUES (?, ?, ?, ?, ?, ?, ?)",
			uint64(cal.EUI), cal.Kind.String(), lane.Lane, lane.Gain, lane.Offset, lane.Trim, now,
		)
		if err != nil {
			return fmt.Errorf("conddb: could not save calibration of %v lane %d: %w", cal.EUI, lane.Lane, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("conddb: could not commit calibration of %v: %w", cal.EUI, err)
	}
	return nil
}

// Load applies the recorded calibrations to blks.
// Blocks without a recorded calibration keep their current one.
func (db *DB) Load(ctx context.Context, blks []block.Block) error {
	var errs []error
	for _, blk := range blks {
		if _, ok := Snapshot(blk); !ok {
			continue
		}
		cal, err := db.Calibration(ctx, blk.EUI())
		switch {
		case errors.Is(err, ErrNoCalibration):
			continue
		case err != nil:
			return err
		}
		err = cal.Apply(blk)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Save records the calibrations of blks.
func (db *DB) Save(ctx context.Context, blks []block.Block) error {
	for _, blk := range blks {
		cal, ok := Snapshot(blk)
		if !ok {
			continue
		}
		err := db.SaveCalibration(ctx, cal)
		if err != nil {
			return err
		}
	}
	return nil
}
