// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-lpc/hcomp/daq"
	"github.com/google/uuid"
)

func TestProcess(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "run.lcio")
	lw, err := daq.CreateLCIO(fname)
	if err != nil {
		t.Fatalf("could not create LCIO file: %+v", err)
	}

	id := uuid.New()
	for _, c := range []daq.Chunk{
		{RunID: id, Seq: 0, First: true, Channels: 2, Samples: []float32{-0.5, 0.25, 0.5, 0.25}},
		{RunID: id, Seq: 1, Last: true, Channels: 2, Samples: []float32{0, 0.25}},
	} {
		c.CRC = c.Checksum()
		err = lw.Stream(c)
		if err != nil {
			t.Fatalf("could not stream chunk %d: %+v", c.Seq, err)
		}
	}

	err = lw.Close()
	if err != nil {
		t.Fatalf("could not close LCIO file: %+v", err)
	}

	for _, tc := range []struct {
		raw  bool
		want []string
	}{
		{
			raw: false,
			want: []string{
				"=== run 0 event 0 ===",
				"Channels:          2",
				"Frames:            3",
				"Chunks:            2",
				"  ch=00 min=-0.5000 max=+0.5000 mean=+0.0000",
				"  ch=01 min=+0.2500 max=+0.2500 mean=+0.2500",
			},
		},
		{
			raw: true,
			want: []string{
				"  frame=000000 -0.5000 +0.2500",
				"  frame=000002 +0.0000 +0.2500",
			},
		},
	} {
		t.Run("", func(t *testing.T) {
			out := new(bytes.Buffer)
			err := process(out, fname, tc.raw)
			if err != nil {
				t.Fatalf("could not dump file: %+v", err)
			}
			for _, want := range tc.want {
				if !strings.Contains(out.String(), want+"\n") {
					t.Fatalf("missing line %q in output:\n%s", want, out.String())
				}
			}
		})
	}
}

func TestProcessMissing(t *testing.T) {
	err := process(new(bytes.Buffer), filepath.Join(t.TempDir(), "missing.lcio"), false)
	if err == nil {
		t.Fatalf("expected an error")
	}
}
