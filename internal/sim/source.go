// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sim

import (
	"errors"
	"sync"
	"time"

	"github.com/go-lpc/hcomp/daq"
)

// Source is a sample source clocked by the wall clock, sampling the
// first channels of an Analog model.
type Source struct {
	analog *Analog
	tick   time.Duration

	mu   sync.Mutex
	quit chan struct{}
	done chan struct{}
}

// NewSource returns a source sampling a.
func NewSource(a *Analog) *Source {
	return &Source{analog: a, tick: 1 * time.Millisecond}
}

func (src *Source) Start(rate, channels int, push func(frame []uint32) bool) error {
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.quit != nil {
		return errors.New("sim: source already started")
	}
	if rate <= 0 || channels <= 0 {
		return errors.New("sim: invalid source configuration")
	}

	src.quit = make(chan struct{})
	src.done = make(chan struct{})
	go src.loop(rate, channels, push, src.quit, src.done)
	return nil
}

func (src *Source) loop(rate, channels int, push func([]uint32) bool, quit, done chan struct{}) {
	defer close(done)

	var (
		tick  = time.NewTicker(src.tick)
		start = time.Now()
		sent  = 0
		frame = make([]uint32, channels)
	)
	defer tick.Stop()

	for {
		select {
		case <-quit:
			return
		case now := <-tick.C:
			want := int(now.Sub(start).Seconds() * float64(rate))
			if want <= sent {
				continue
			}
			for i := range frame {
				v, err := src.analog.SampleOne(i)
				if err != nil {
					v = 0
				}
				frame[i] = uint32(daq.Raw(v))
			}
			for ; sent < want; sent++ {
				push(frame)
			}
		}
	}
}

func (src *Source) Stop() error {
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.quit == nil {
		return nil
	}
	close(src.quit)
	<-src.done
	src.quit, src.done = nil, nil
	return nil
}
