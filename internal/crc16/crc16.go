// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package crc16 implements the 16-bit cyclic redundancy check used to
// protect streamed acquisition chunks (CRC-16/CCITT-FALSE).
package crc16 // import "github.com/go-lpc/hcomp/internal/crc16"

import (
	"hash"
)

const (
	// CCITT is the CCITT polynomial, x^16 + x^12 + x^5 + 1.
	CCITT = 0x1021

	initial = 0xffff
)

// Table is a 256-word table representing the polynomial for efficient processing.
type Table [256]uint16

var ccittTable = MakeTable(CCITT)

// MakeTable returns the MSB-first table for the provided polynomial.
func MakeTable(poly uint16) *Table {
	var tbl Table
	for i := range tbl {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
				continue
			}
			crc <<= 1
		}
		tbl[i] = crc
	}
	return &tbl
}

// Hash16 is the common interface implemented by all 16-bit hash functions.
type Hash16 interface {
	hash.Hash
	Sum16() uint16
}

type digest struct {
	crc uint16
	tbl *Table
}

// New creates a new Hash16 computing the CRC-16 checksum using the
// polynomial represented by the table.
// If tbl is nil, the CCITT table is used.
func New(tbl *Table) Hash16 {
	if tbl == nil {
		tbl = ccittTable
	}
	return &digest{crc: initial, tbl: tbl}
}

// Checksum returns the CCITT checksum of data.
func Checksum(data []byte) uint16 {
	return update(initial, ccittTable, data)
}

func update(crc uint16, tbl *Table, p []byte) uint16 {
	for _, v := range p {
		crc = crc<<8 ^ tbl[byte(crc>>8)^v]
	}
	return crc
}

func (d *digest) Size() int      { return 2 }
func (d *digest) BlockSize() int { return 1 }
func (d *digest) Reset()         { d.crc = initial }
func (d *digest) Sum16() uint16  { return d.crc }

func (d *digest) Write(p []byte) (int, error) {
	d.crc = update(d.crc, d.tbl, p)
	return len(p), nil
}

func (d *digest) Sum(in []byte) []byte {
	s := d.Sum16()
	return append(in, byte(s>>8), byte(s))
}

var _ Hash16 = (*digest)(nil)
