// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/hcomp/internal/crc16"
	"github.com/google/uuid"
)

// Source is a hardware-clocked sample source.
//
// Once started, the source calls push from its own context with one frame
// per sample period: one raw word per channel, the ADC code in the low
// 16 bits. push never blocks.
type Source interface {
	Start(rate, channels int, push func(frame []uint32) bool) error
	Stop() error
}

// Chunk is a block of samples of a capture window.
type Chunk struct {
	RunID    uuid.UUID
	Seq      int  // index of the chunk within the window
	First    bool // first chunk of the window
	Last     bool // last chunk of the window
	Channels int
	Samples  []float32 // interleaved samples, Channels per frame
	CRC      uint16    // CRC-16 of the little-endian samples
}

// Frames returns the number of sample frames in the chunk.
func (c Chunk) Frames() int {
	if c.Channels == 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Checksum computes the CRC of the chunk samples.
func (c Chunk) Checksum() uint16 {
	h := crc16.New(nil)
	var buf [4]byte
	for _, v := range c.Samples {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		_, _ = h.Write(buf[:])
	}
	return h.Sum16()
}

// Streamer consumes the chunks of capture windows.
type Streamer interface {
	Stream(c Chunk) error
}

// StreamFunc adapts a function into a Streamer.
type StreamFunc func(c Chunk) error

func (f StreamFunc) Stream(c Chunk) error { return f(c) }

// Capture drains a Ring filled by a Source and hands the samples to a
// Streamer, in fixed-size chunks.
type Capture struct {
	src  Source
	ring *Ring
	cfg  captureConfig

	mu   sync.Mutex
	quit chan struct{}
	done chan error
}

type captureConfig struct {
	ringSize  int
	chunkSize int
	poll      time.Duration
	msg       log.MsgStream
}

// CaptureOption configures a Capture.
type CaptureOption func(*captureConfig)

// WithRingSize sets the size of the ring, in words.
func WithRingSize(n int) CaptureOption {
	return func(cfg *captureConfig) { cfg.ringSize = n }
}

// WithChunkSize sets the number of frames per chunk.
func WithChunkSize(n int) CaptureOption {
	return func(cfg *captureConfig) { cfg.chunkSize = n }
}

// WithPoll sets the polling period of the ring.
func WithPoll(d time.Duration) CaptureOption {
	return func(cfg *captureConfig) { cfg.poll = d }
}

// WithLogger sets the message stream of the capture.
func WithLogger(msg log.MsgStream) CaptureOption {
	return func(cfg *captureConfig) { cfg.msg = msg }
}

// NewCapture returns a capture of src.
func NewCapture(src Source, opts ...CaptureOption) (*Capture, error) {
	cfg := captureConfig{
		ringSize:  1 << 16,
		chunkSize: 512,
		poll:      1 * time.Millisecond,
		msg:       log.NewMsgStream("daq", log.LvlInfo, os.Stdout),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.chunkSize <= 0 {
		return nil, fmt.Errorf("daq: invalid chunk size %d", cfg.chunkSize)
	}
	if cfg.chunkSize*MaxChannels > cfg.ringSize {
		return nil, fmt.Errorf("daq: ring size %d too small for chunks of %d frames", cfg.ringSize, cfg.chunkSize)
	}
	ring, err := NewRing(cfg.ringSize)
	if err != nil {
		return nil, err
	}
	return &Capture{src: src, ring: ring, cfg: cfg}, nil
}

// Ring returns the ring of the capture.
func (c *Capture) Ring() *Ring { return c.ring }

// Start starts a capture window for run id.
func (c *Capture) Start(id uuid.UUID, cfg Config, s Streamer) error {
	err := cfg.Validate()
	if err != nil {
		return err
	}
	if cfg.NumChannels == 0 {
		return fmt.Errorf("%w: no channel to capture", ErrChannel)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.quit != nil {
		return ErrRunning
	}

	err = c.ring.Attach()
	if err != nil {
		return err
	}
	err = c.src.Start(cfg.SampleRate, cfg.NumChannels, c.ring.Push)
	if err != nil {
		c.ring.Detach()
		return fmt.Errorf("daq: could not start source: %w", err)
	}

	c.quit = make(chan struct{})
	c.done = make(chan error, 1)
	w := &window{
		id:    id,
		nchan: cfg.NumChannels,
		size:  c.cfg.chunkSize * cfg.NumChannels,
		out:   s,
	}
	go c.drain(w, c.quit, c.done)
	return nil
}

// Stop stops the capture window, flushes the remaining samples and returns
// the first error of the window.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.quit == nil {
		return ErrStopped
	}

	serr := c.src.Stop()
	close(c.quit)
	err := <-c.done
	c.ring.Detach()
	c.quit, c.done = nil, nil

	if n := c.ring.Dropped(); n > 0 {
		c.cfg.msg.Errorf("capture dropped %d frames", n)
	}
	if err == nil && serr != nil {
		err = fmt.Errorf("daq: could not stop source: %w", serr)
	}
	return err
}

func (c *Capture) drain(w *window, quit <-chan struct{}, done chan<- error) {
	var (
		tick = time.NewTicker(c.cfg.poll)
		buf  = make([]uint32, c.ring.Cap())
	)
	defer tick.Stop()

	for {
		select {
		case <-quit:
			n := c.ring.Read(buf)
			w.add(buf[:n])
			done <- w.flush()
			return
		case <-tick.C:
			n := c.ring.Read(buf)
			w.add(buf[:n])
		}
	}
}

// window splits a stream of raw words into chunks. The last full chunk is
// held back until more samples arrive so that it can carry the Last marker.
type window struct {
	id    uuid.UUID
	nchan int
	size  int // words per chunk
	out   Streamer

	seq  int
	cur  []float32
	held *Chunk
	err  error
}

func (w *window) add(raw []uint32) {
	for _, v := range raw {
		w.cur = append(w.cur, float32(Normalize(uint16(v))))
		if len(w.cur) == w.size {
			w.emit(w.cur, false)
			w.cur = nil
		}
	}
}

func (w *window) emit(samples []float32, last bool) {
	if w.held != nil {
		w.send(*w.held)
		w.held = nil
	}
	chunk := Chunk{
		RunID:    w.id,
		Seq:      w.seq,
		First:    w.seq == 0,
		Last:     last,
		Channels: w.nchan,
		Samples:  samples,
	}
	chunk.CRC = chunk.Checksum()
	w.seq++
	if last {
		w.send(chunk)
		return
	}
	w.held = &chunk
}

func (w *window) send(chunk Chunk) {
	if w.err != nil {
		return
	}
	err := w.out.Stream(chunk)
	if err != nil {
		w.err = fmt.Errorf("daq: could not stream chunk %d: %w", chunk.Seq, err)
	}
}

func (w *window) flush() error {
	// drop an incomplete trailing frame.
	w.cur = w.cur[:len(w.cur)-len(w.cur)%w.nchan]
	switch {
	case len(w.cur) > 0 || w.held == nil:
		w.emit(w.cur, true)
	default:
		held := *w.held
		w.held = nil
		held.Last = true
		w.send(held)
	}
	return w.err
}
