// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmap provides access to memory-mapped register windows,
// typically a page of /dev/mem or /dev/gpiomem.
package mmap // import "github.com/go-lpc/hcomp/internal/mmap"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

var (
	errClosed = errors.New("mmap: closed")
)

// Window is a memory-mapped register window.
type Window struct {
	data   []byte // full mapping, page aligned
	off    int    // offset of the window inside data
	size   int
	mapped bool
}

// Open maps size bytes of fname, starting at the physical address base.
// base does not need to be page aligned.
func Open(fname string, base, size int64) (*Window, error) {
	f, err := os.OpenFile(fname, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not open %q: %w", fname, err)
	}
	defer f.Close()

	var (
		page  = int64(os.Getpagesize())
		start = base &^ (page - 1)
		delta = base - start
	)

	data, err := unix.Mmap(
		int(f.Fd()), start, int(delta+size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not map %q at 0x%x: %w", fname, base, err)
	}

	w := &Window{data: data, off: int(delta), size: int(size), mapped: true}
	runtime.SetFinalizer(w, (*Window).Close)
	return w, nil
}

// From returns a window backed by a plain byte slice.
func From(data []byte) *Window {
	return &Window{data: data, size: len(data)}
}

// Close unmaps the window.
func (w *Window) Close() error {
	if w == nil {
		return os.ErrInvalid
	}

	if w.data == nil {
		return nil
	}
	data := w.data
	w.data = nil
	if !w.mapped {
		return nil
	}
	runtime.SetFinalizer(w, nil)

	return unix.Munmap(data)
}

// Len returns the size of the register window.
func (w *Window) Len() int {
	return w.size
}

func (w *Window) check(off int64, n int) error {
	if w == nil {
		return os.ErrInvalid
	}
	if w.data == nil {
		return errClosed
	}
	if off < 0 || int64(w.size) < off+int64(n) {
		return fmt.Errorf("mmap: invalid offset %d (len=%d)", off, w.size)
	}
	return nil
}

// ReadAt implements the io.ReaderAt interface.
func (w *Window) ReadAt(p []byte, off int64) (int, error) {
	if err := w.check(off, 0); err != nil {
		return 0, err
	}
	n := copy(p, w.data[w.off+int(off):w.off+w.size])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the io.WriterAt interface.
func (w *Window) WriteAt(p []byte, off int64) (int, error) {
	if err := w.check(off, 0); err != nil {
		return 0, err
	}
	n := copy(w.data[w.off+int(off):w.off+w.size], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// U32 reads the little-endian 32-bit register at off.
func (w *Window) U32(off int64) (uint32, error) {
	if err := w.check(off, 4); err != nil {
		return 0, err
	}
	i := w.off + int(off)
	return binary.LittleEndian.Uint32(w.data[i : i+4]), nil
}

// SetU32 writes v into the little-endian 32-bit register at off.
func (w *Window) SetU32(off int64, v uint32) error {
	if err := w.check(off, 4); err != nil {
		return err
	}
	i := w.off + int(off)
	binary.LittleEndian.PutUint32(w.data[i:i+4], v)
	return nil
}

var (
	_ io.ReaderAt = (*Window)(nil)
	_ io.WriterAt = (*Window)(nil)
	_ io.Closer   = (*Window)(nil)
)
