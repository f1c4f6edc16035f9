// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/google/uuid"
	"go-hep.org/x/hep/lcio"
)

var quiet = log.NewMsgStream("test", log.LvlError, io.Discard)

type manualSource struct {
	mu       sync.Mutex
	push     func([]uint32) bool
	rate     int
	channels int
	stopped  bool
}

func (src *manualSource) Start(rate, channels int, push func([]uint32) bool) error {
	src.mu.Lock()
	defer src.mu.Unlock()
	src.push, src.rate, src.channels, src.stopped = push, rate, channels, false
	return nil
}

func (src *manualSource) Stop() error {
	src.mu.Lock()
	defer src.mu.Unlock()
	src.stopped = true
	return nil
}

// emit pushes n frames whose samples encode the frame and channel indices.
func (src *manualSource) emit(beg, n int) {
	src.mu.Lock()
	defer src.mu.Unlock()
	for i := beg; i < beg+n; i++ {
		frame := make([]uint32, src.channels)
		for ch := range frame {
			frame[ch] = uint32(32768 + 16*i + ch)
		}
		src.push(frame)
	}
}

type collector struct {
	mu     sync.Mutex
	chunks []Chunk
	err    error
}

func (c *collector) Stream(chunk Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, chunk)
	return c.err
}

func TestCapture(t *testing.T) {
	for _, tc := range []struct {
		name   string
		frames int
		want   []int // frames per chunk
	}{
		{"empty", 0, []int{0}},
		{"partial", 3, []int{3}},
		{"exact", 8, []int{4, 4}},
		{"trailing", 10, []int{4, 4, 2}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			src := new(manualSource)
			capt, err := NewCapture(src, WithRingSize(64), WithChunkSize(4), WithPoll(time.Millisecond), WithLogger(quiet))
			if err != nil {
				t.Fatalf("could not create capture: %+v", err)
			}

			var (
				id  = uuid.New()
				out collector
				cfg = Config{NumChannels: 2, SampleRate: 1000, SampleOP: true}
			)
			err = capt.Start(id, cfg, &out)
			if err != nil {
				t.Fatalf("could not start capture: %+v", err)
			}
			if err := capt.Start(id, cfg, &out); !errors.Is(err, ErrRunning) {
				t.Fatalf("expected a running error, got %v", err)
			}
			if src.rate != 1000 || src.channels != 2 {
				t.Fatalf("invalid source configuration: rate=%d channels=%d", src.rate, src.channels)
			}

			src.emit(0, tc.frames)
			err = capt.Stop()
			if err != nil {
				t.Fatalf("could not stop capture: %+v", err)
			}
			if !src.stopped {
				t.Fatalf("source not stopped")
			}

			if got, want := len(out.chunks), len(tc.want); got != want {
				t.Fatalf("invalid number of chunks: got=%d, want=%d", got, want)
			}
			frame := 0
			for i, c := range out.chunks {
				if c.RunID != id || c.Seq != i || c.Channels != 2 {
					t.Fatalf("chunk %d: invalid header %+v", i, c)
				}
				if got, want := c.First, i == 0; got != want {
					t.Fatalf("chunk %d: invalid first marker: got=%v, want=%v", i, got, want)
				}
				if got, want := c.Last, i == len(out.chunks)-1; got != want {
					t.Fatalf("chunk %d: invalid last marker: got=%v, want=%v", i, got, want)
				}
				if got, want := c.Frames(), tc.want[i]; got != want {
					t.Fatalf("chunk %d: invalid number of frames: got=%d, want=%d", i, got, want)
				}
				if c.CRC != c.Checksum() {
					t.Fatalf("chunk %d: invalid CRC", i)
				}
				for j := 0; j < c.Frames(); j++ {
					for ch := 0; ch < 2; ch++ {
						want := float32(Normalize(uint16(32768 + 16*frame + ch)))
						if got := c.Samples[2*j+ch]; got != want {
							t.Fatalf("chunk %d frame %d ch %d: got=%v, want=%v", i, j, ch, got, want)
						}
					}
					frame++
				}
			}

			if err := capt.Stop(); !errors.Is(err, ErrStopped) {
				t.Fatalf("expected a stopped error, got %v", err)
			}
		})
	}
}

func TestCaptureStreamError(t *testing.T) {
	src := new(manualSource)
	capt, err := NewCapture(src, WithRingSize(64), WithChunkSize(2), WithLogger(quiet))
	if err != nil {
		t.Fatalf("could not create capture: %+v", err)
	}
	out := collector{err: io.ErrShortWrite}
	err = capt.Start(uuid.New(), Config{NumChannels: 1, SampleRate: 10}, &out)
	if err != nil {
		t.Fatalf("could not start capture: %+v", err)
	}
	src.emit(0, 5)
	err = capt.Stop()
	if !errors.Is(err, io.ErrShortWrite) {
		t.Fatalf("expected a stream error, got %v", err)
	}
	if len(out.chunks) != 1 {
		t.Fatalf("streaming should stop after the first error: %d chunks", len(out.chunks))
	}
}

func TestCaptureConfig(t *testing.T) {
	if _, err := NewCapture(new(manualSource), WithRingSize(100)); err == nil {
		t.Fatalf("expected an error for a non power of two ring")
	}
	if _, err := NewCapture(new(manualSource), WithRingSize(64), WithChunkSize(16)); err == nil {
		t.Fatalf("expected an error for a ring smaller than a chunk")
	}

	capt, err := NewCapture(new(manualSource), WithLogger(quiet))
	if err != nil {
		t.Fatalf("could not create capture: %+v", err)
	}
	err = capt.Start(uuid.New(), Config{NumChannels: 0, SampleRate: 10}, StreamFunc(func(Chunk) error { return nil }))
	if !errors.Is(err, ErrChannel) {
		t.Fatalf("expected a channel error, got %v", err)
	}
	err = capt.Start(uuid.New(), Config{NumChannels: 3, SampleRate: 10}, StreamFunc(func(Chunk) error { return nil }))
	if !errors.Is(err, ErrChannel) {
		t.Fatalf("expected a channel error, got %v", err)
	}
}

func TestLCIOWriter(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "run.lcio")
	lw, err := CreateLCIO(fname)
	if err != nil {
		t.Fatalf("could not create LCIO file: %+v", err)
	}
	defer lw.Close()

	src := new(manualSource)
	capt, err := NewCapture(src, WithRingSize(64), WithChunkSize(4), WithLogger(quiet))
	if err != nil {
		t.Fatalf("could not create capture: %+v", err)
	}

	id := uuid.New()
	for _, n := range []int{10, 3} {
		err = capt.Start(id, Config{NumChannels: 2, SampleRate: 100}, lw)
		if err != nil {
			t.Fatalf("could not start capture: %+v", err)
		}
		src.emit(0, n)
		err = capt.Stop()
		if err != nil {
			t.Fatalf("could not stop capture: %+v", err)
		}
	}

	err = lw.Close()
	if err != nil {
		t.Fatalf("could not close LCIO file: %+v", err)
	}

	r, err := lcio.Open(fname)
	if err != nil {
		t.Fatalf("could not open LCIO file: %+v", err)
	}
	defer r.Close()

	var frames []int
	for r.Next() {
		evt := r.Event()
		if evt.RunNumber != 0 || evt.Detector != lcioDetector {
			t.Fatalf("invalid event header: run=%d detector=%q", evt.RunNumber, evt.Detector)
		}
		data := evt.Get(lcioCollection).(*lcio.GenericObject).Data
		nchan := int(data[0].I32s[0])
		frames = append(frames, len(data[0].F32s)/nchan)
	}
	if got, want := frames, []int{10, 3}; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("invalid events: got=%v, want=%v", got, want)
	}
}
