// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package conddb

import (
	"context"
	"fmt"
	"time"

	"github.com/go-lpc/hcomp/run"
	"github.com/google/uuid"
)

// RunSummary is the record of a completed run.
type RunSummary struct {
	ID         uuid.UUID
	State      run.State
	Overloaded bool
	ICTime     time.Duration
	OPTime     time.Duration
	Error      string
	Start      time.Time
	Stop       time.Time
}

// Summary returns the summary of r.
func Summary(r *run.Run) RunSummary {
	sum := RunSummary{
		ID:         r.ID,
		State:      r.State(),
		Overloaded: r.Overloaded(),
		ICTime:     r.Config.ICTime,
		OPTime:     r.Config.OPTime,
	}
	if err := r.Err(); err != nil {
		sum.Error = err.Error()
	}
	if hist := r.History(); len(hist) > 0 {
		sum.Start = hist[0].Time
		sum.Stop = hist[len(hist)-1].Time
	}
	return sum
}

// SaveRun records the summary of a run.
func (db *DB) SaveRun(ctx context.Context, sum RunSummary) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := db.db.ExecContext(
		ctx,
		"INSERT INTO runs (id, state, overloaded, ic_time, op_time, error, start, stop) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		sum.ID.String(), sum.State.String(), sum.Overloaded,
		int64(sum.ICTime), int64(sum.OPTime), sum.Error,
		sum.Start.UTC(), sum.Stop.UTC(),
	)
	if err != nil {
		return fmt.Errorf("conddb: could not save run %v: %w", sum.ID, err)
	}
	return nil
}

// LastRuns retrieves the summaries of the n most recent runs, most recent
// first.
func (db *DB) LastRuns(ctx context.Context, n int) ([]RunSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var runs []RunSummary
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT id, state, overloaded, ic_time, op_time, error, start, stop FROM runs ORDER BY start DESC LIMIT ?",
		n,
	)
	if err != nil {
		return runs, fmt.Errorf("conddb: could not query runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sum    RunSummary
			id     string
			state  string
			ic, op int64
		)
		err = rows.Scan(&id, &state, &sum.Overloaded, &ic, &op, &sum.Error, &sum.Start, &sum.Stop)
		if err != nil {
			return runs, fmt.Errorf("conddb: could not scan run: %w", err)
		}
		sum.ID, err = uuid.Parse(id)
		if err != nil {
			return runs, fmt.Errorf("conddb: could not parse run id %q: %w", id, err)
		}
		err = sum.State.UnmarshalText([]byte(state))
		if err != nil {
			return runs, fmt.Errorf("conddb: could not parse state of run %v: %w", sum.ID, err)
		}
		sum.ICTime = time.Duration(ic)
		sum.OPTime = time.Duration(op)
		runs = append(runs, sum)
	}

	if err := rows.Err(); err != nil {
		return runs, fmt.Errorf("conddb: could not scan db for runs: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return runs, fmt.Errorf("conddb: context error while retrieving runs: %w", err)
	}

	return runs, nil
}
