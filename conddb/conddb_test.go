// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package conddb

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/hcomp/block"
	"github.com/go-lpc/hcomp/bus"
	"github.com/go-lpc/hcomp/daq"
	"github.com/go-lpc/hcomp/internal/fakedb"
	"github.com/go-lpc/hcomp/internal/sim"
	"github.com/go-lpc/hcomp/run"
	"github.com/google/uuid"
)

func init() {
	drvName = "fakedb"
}

var quiet = log.NewMsgStream("test", log.LvlError, io.Discard)

const (
	euiC = 0x0004a30000000001
	euiM = 0x0004a30000000003
)

func newBlocks(t *testing.T) (*block.Coefficient, *block.Integrator) {
	t.Helper()
	var (
		bp = sim.NewBackplane()
		b  = bus.New(bp, bus.WithSettle(0), bus.WithPulse(0), bus.WithLogger(quiet))
		ac = bus.BlockAddress(0, 0, sim.SlotC)
		am = bus.BlockAddress(0, 0, sim.SlotM0)
	)
	sim.AddCoefficient(bp, ac, euiC)
	sim.AddIntegrator(bp, am, euiM)

	c := block.NewCoefficient(b, ac, block.WithLogger(quiet))
	m := block.NewIntegrator(b, am, block.WithLogger(quiet))
	for _, blk := range []block.Block{c, m} {
		err := blk.Init()
		if err != nil {
			t.Fatalf("could not init %s: %+v", blk.Name(), err)
		}
	}
	return c, m
}

func TestOpen(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()
}

func TestCalibration(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	want := Calibration{
		EUI:  euiC,
		Kind: block.KindCoefficient,
		Lanes: []Lane{
			{Lane: 0, Gain: 1.01, Offset: -0.002},
			{Lane: 7, Gain: 0.98, Offset: 0.004},
		},
	}

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"kind", "lane", "gain", "offset", "trim"},
		Values: [][]driver.Value{
			{"C", int64(0), 1.01, -0.002, int64(0)},
			{"C", int64(7), 0.98, 0.004, int64(0)},
		},
	}, func(ctx context.Context) error {
		got, err := db.Calibration(ctx, euiC)
		if err != nil {
			t.Fatalf("could not retrieve calibration: %+v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid calibration:\ngot= %+v\nwant=%+v", got, want)
		}
		return nil
	})

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"kind", "lane", "gain", "offset", "trim"},
	}, func(ctx context.Context) error {
		_, err := db.Calibration(ctx, euiC)
		if !errors.Is(err, ErrNoCalibration) {
			t.Fatalf("invalid error: got=%v, want=%v", err, ErrNoCalibration)
		}
		return nil
	})
}

func TestLoad(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	c, m := newBlocks(t)

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"kind", "lane", "gain", "offset", "trim"},
		Values: [][]driver.Value{
			{"C", int64(3), 1.5, 0.25, int64(0)},
		},
	}, func(ctx context.Context) error {
		// rows are served to the first query only: m keeps its trims.
		err := db.Load(ctx, []block.Block{c, m})
		if err != nil {
			t.Fatalf("could not load calibrations: %+v", err)
		}
		return nil
	})

	if got, want := c.Calibration(3), (block.Calibration{Gain: 1.5, Offset: 0.25}); got != want {
		t.Fatalf("invalid calibration: got=%+v, want=%+v", got, want)
	}
	if got, want := c.Calibration(0), block.DefaultCalibration; got != want {
		t.Fatalf("invalid calibration: got=%+v, want=%+v", got, want)
	}
	if got, want := m.Trims(), make([]int, block.IntegratorLanes); !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid trims: got=%v, want=%v", got, want)
	}
}

func TestApply(t *testing.T) {
	c, m := newBlocks(t)

	cal := Calibration{EUI: euiM, Kind: block.KindIntegrator, Lanes: []Lane{{Lane: 2, Trim: -12}}}
	err := cal.Apply(m)
	if err != nil {
		t.Fatalf("could not apply calibration: %+v", err)
	}
	if got, want := m.Trim(2), -12; got != want {
		t.Fatalf("invalid trim: got=%d, want=%d", got, want)
	}

	err = cal.Apply(c)
	if !errors.Is(err, block.ErrIdentity) {
		t.Fatalf("invalid error: got=%v, want=%v", err, block.ErrIdentity)
	}

	cal.Lanes[0].Trim = block.TrimMax + 1
	err = cal.Apply(m)
	if !errors.Is(err, block.ErrRange) {
		t.Fatalf("invalid error: got=%v, want=%v", err, block.ErrRange)
	}

	// a bad lane after good ones leaves the block untouched.
	cal.Lanes = []Lane{{Lane: 0, Trim: 7}, {Lane: 1, Trim: 8}, {Lane: 2, Trim: block.TrimMax + 1}}
	err = cal.Apply(m)
	if !errors.Is(err, block.ErrRange) {
		t.Fatalf("invalid error: got=%v, want=%v", err, block.ErrRange)
	}
	if got, want := m.Trims()[:3], []int{0, 0, -12}; !reflect.DeepEqual(got, want) {
		t.Fatalf("partial calibration applied: got=%v, want=%v", got, want)
	}

	ccal, _ := Snapshot(c)
	ccal.Lanes[4].Gain = 1.05
	ccal.Lanes[5].Gain = math.NaN()
	err = ccal.Apply(c)
	if !errors.Is(err, block.ErrRange) {
		t.Fatalf("invalid error: got=%v, want=%v", err, block.ErrRange)
	}
	if got := c.Calibration(4); got != block.DefaultCalibration {
		t.Fatalf("partial calibration applied: %+v", got)
	}
}

func TestSave(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	c, m := newBlocks(t)
	_ = m.SetTrim(5, 42)

	_ = fakedb.Run(context.Background(), fakedb.Rows{}, func(ctx context.Context) error {
		err := db.Save(ctx, []block.Block{c, m})
		if err != nil {
			t.Fatalf("could not save calibrations: %+v", err)
		}

		execs := fakedb.Executed()
		if got, want := len(execs), block.CoefficientLanes+block.IntegratorLanes; got != want {
			t.Fatalf("invalid number of statements: got=%d, want=%d", got, want)
		}
		last := execs[block.CoefficientLanes+5]
		if got, want := last.Args[:6], []driver.Value{int64(euiM), "M", int64(5), 0.0, 0.0, int64(42)}; !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid statement args:\ngot= %#v\nwant=%#v", got, want)
		}
		return nil
	})

	boom := errors.New("boom")
	_ = fakedb.Fail(context.Background(), boom, func(ctx context.Context) error {
		err := db.Save(ctx, []block.Block{m})
		if !errors.Is(err, boom) {
			t.Fatalf("invalid error: got=%v, want=%v", err, boom)
		}
		return nil
	})
}

func TestRuns(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	r := run.New(uuid.NewString(), run.DefaultConfig, daq.DefaultConfig)
	_ = r.To(run.StateQueued)
	_ = r.To(run.StateTakeOff)

	sum := Summary(r)
	if sum.ID != r.ID || sum.State != run.StateTakeOff || sum.ICTime != run.DefaultConfig.ICTime {
		t.Fatalf("invalid summary: %+v", sum)
	}

	_ = fakedb.Run(context.Background(), fakedb.Rows{}, func(ctx context.Context) error {
		err := db.SaveRun(ctx, sum)
		if err != nil {
			t.Fatalf("could not save run: %+v", err)
		}
		execs := fakedb.Executed()
		if len(execs) != 1 {
			t.Fatalf("invalid number of statements: %d", len(execs))
		}
		if got, want := execs[0].Args[:2], []driver.Value{r.ID.String(), "TAKE_OFF"}; !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid statement args: got=%v, want=%v", got, want)
		}
		return nil
	})

	var (
		id    = uuid.New()
		start = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
		stop  = start.Add(time.Second)
	)
	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"id", "state", "overloaded", "ic_time", "op_time", "error", "start", "stop"},
		Values: [][]driver.Value{
			{id.String(), "ERROR", true, int64(100000), int64(500000000), "run: overload during operate", start, stop},
		},
	}, func(ctx context.Context) error {
		runs, err := db.LastRuns(ctx, 10)
		if err != nil {
			t.Fatalf("could not retrieve runs: %+v", err)
		}
		want := []RunSummary{{
			ID:         id,
			State:      run.StateError,
			Overloaded: true,
			ICTime:     100 * time.Microsecond,
			OPTime:     500 * time.Millisecond,
			Error:      "run: overload during operate",
			Start:      start,
			Stop:       stop,
		}}
		if !reflect.DeepEqual(runs, want) {
			t.Fatalf("invalid runs:\ngot= %+v\nwant=%+v", runs, want)
		}
		return nil
	})
}
