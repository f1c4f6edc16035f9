// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"fmt"
	"sync/atomic"
)

// Ring is a single-producer single-consumer ring of raw sample words.
//
// The producer side (Push) never blocks: frames that do not fit are
// dropped and counted. Only one reader may be attached at a time.
type Ring struct {
	buf  []uint32
	mask uint64

	head    atomic.Uint64 // next write position, owned by the producer
	tail    atomic.Uint64 // next read position, owned by the consumer
	dropped atomic.Uint64
	reader  atomic.Bool
}

// NewRing returns a ring of size words. size must be a power of two.
func NewRing(size int) (*Ring, error) {
	if size <= 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("daq: invalid ring size %d (not a power of two)", size)
	}
	return &Ring{
		buf:  make([]uint32, size),
		mask: uint64(size - 1),
	}, nil
}

// Cap returns the capacity of the ring, in words.
func (r *Ring) Cap() int { return len(r.buf) }

// Len returns the number of words available to the reader.
func (r *Ring) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Dropped returns the number of frames dropped by Push.
func (r *Ring) Dropped() uint64 { return r.dropped.Load() }

// Push appends frame to the ring. A frame is stored whole or dropped.
func (r *Ring) Push(frame []uint32) bool {
	var (
		head = r.head.Load()
		tail = r.tail.Load()
	)
	if uint64(len(r.buf))-(head-tail) < uint64(len(frame)) {
		r.dropped.Add(1)
		return false
	}
	for i, v := range frame {
		r.buf[(head+uint64(i))&r.mask] = v
	}
	r.head.Store(head + uint64(len(frame)))
	return true
}

// Read moves up to len(dst) words into dst and returns the number of words
// read.
func (r *Ring) Read(dst []uint32) int {
	var (
		head = r.head.Load()
		tail = r.tail.Load()
		n    = int(head - tail)
	)
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = r.buf[(tail+uint64(i))&r.mask]
	}
	r.tail.Store(tail + uint64(n))
	return n
}

// Attach registers the reader of the ring.
func (r *Ring) Attach() error {
	if !r.reader.CompareAndSwap(false, true) {
		return ErrReaderAttached
	}
	return nil
}

// Detach unregisters the reader of the ring and discards unread words.
func (r *Ring) Detach() {
	r.tail.Store(r.head.Load())
	r.reader.Store(false)
}
