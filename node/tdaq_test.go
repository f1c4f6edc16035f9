// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package node

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/hcomp/daq"
	"github.com/go-lpc/hcomp/run"
	"github.com/google/uuid"
)

func TestChunkCodec(t *testing.T) {
	want := daq.Chunk{
		RunID:    uuid.New(),
		Seq:      3,
		Last:     true,
		Channels: 2,
		Samples:  []float32{0.5, -0.25, 1.25, -1.25},
	}
	want.CRC = want.Checksum()

	raw, err := EncodeChunk(want)
	if err != nil {
		t.Fatalf("could not encode chunk: %+v", err)
	}
	got, err := DecodeChunk(raw)
	if err != nil {
		t.Fatalf("could not decode chunk: %+v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid chunk:\ngot= %+v\nwant=%+v", got, want)
	}

	_, err = DecodeChunk(raw[:len(raw)-2])
	if err == nil {
		t.Fatalf("expected an error decoding a truncated chunk")
	}
}

func TestTDAQ(t *testing.T) {
	var (
		c   = newSimulated(t)
		dev = NewTDAQ(c)
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tctx := tdaq.Context{Ctx: ctx, Msg: quiet}

	var resp tdaq.Frame
	err := dev.OnConfig(tctx, &resp, tdaq.Frame{Body: []byte(`{"cfg":{}}`)})
	if err == nil {
		t.Fatalf("expected an error for an invalid configuration")
	}

	err = dev.OnConfig(tctx, &resp, tdaq.Frame{Body: []byte(`{
		"carrier": {"adc_channels":[3,-1,-1,-1,-1,-1,-1,-1]},
		"run": {
			"config": {"ic_time":100000, "op_time":10000000},
			"daq_config": {"num_channels":1, "sample_rate":10000, "sample_op":false, "sample_op_end":true}
		}
	}`)})
	if err != nil {
		t.Fatalf("could not configure: %+v", err)
	}

	for _, tc := range []struct {
		name string
		f    func(tdaq.Context, *tdaq.Frame, tdaq.Frame) error
	}{
		{"/init", dev.OnInit},
		{"/reset", dev.OnReset},
	} {
		err := tc.f(tctx, &resp, tdaq.Frame{})
		if err != nil {
			t.Fatalf("could not run %s: %+v", tc.name, err)
		}
	}
	// /reset disconnects the ADC channels.
	err = c.Configure([]byte(`{"adc_channels":[3,-1,-1,-1,-1,-1,-1,-1]}`))
	if err != nil {
		t.Fatalf("could not configure ADC: %+v", err)
	}

	go func() { _ = dev.Run(tctx) }()

	resp = tdaq.Frame{}
	err = dev.OnStart(tctx, &resp, tdaq.Frame{})
	if err != nil {
		t.Fatalf("could not start: %+v", err)
	}
	id, err := uuid.ParseBytes(resp.Body)
	if err != nil {
		t.Fatalf("invalid /start reply %q: %+v", resp.Body, err)
	}

	var dst tdaq.Frame
	done := make(chan error, 1)
	go func() { done <- dev.Samples(tctx, &dst) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("could not publish samples: %+v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timeout waiting for samples")
	}

	chunk, err := DecodeChunk(dst.Body)
	if err != nil {
		t.Fatalf("could not decode chunk: %+v", err)
	}
	if chunk.RunID != id || !chunk.First || !chunk.Last || len(chunk.Samples) != 1 {
		t.Fatalf("invalid chunk: %+v", chunk)
	}
	if got, want := chunk.Samples[0], float32(0.5); got != want {
		t.Fatalf("invalid sample: got=%v, want=%v", got, want)
	}

	st, err := c.Status(id)
	if err != nil {
		t.Fatalf("could not get status: %+v", err)
	}
	// the end-of-operate sample is streamed before the run is done.
	for deadline := time.Now().Add(5 * time.Second); !st.State.Terminal(); st, _ = c.Status(id) {
		if time.Now().After(deadline) {
			t.Fatalf("run did not complete: %v", st.State)
		}
		time.Sleep(time.Millisecond)
	}
	if st.State != run.StateDone {
		t.Fatalf("invalid state: %v", st.State)
	}

	for _, tc := range []struct {
		name string
		f    func(tdaq.Context, *tdaq.Frame, tdaq.Frame) error
	}{
		{"/stop", dev.OnStop},
		{"/stop", dev.OnStop},
		{"/quit", dev.OnQuit},
	} {
		err := tc.f(tctx, &resp, tdaq.Frame{})
		if err != nil {
			t.Fatalf("could not run %s: %+v", tc.name, err)
		}
	}
}
