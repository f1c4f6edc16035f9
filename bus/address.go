// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bus

import (
	"fmt"
)

// Word is the address asserted on the shared address lines.
//
// Bit layout (LSB first):
//
//	[3:0]   block field: 0 for carrier level functions,
//	        cluster*BlocksPerCluster + block + 1 otherwise.
//	[9:4]   function index.
//	[13:10] board index.
//	[15:14] unused, always zero.
type Word uint16

const (
	NumBoards        = 16
	NumClusters      = 3
	BlocksPerCluster = 5
	NumFuncs         = 64

	// CarrierLevel is the cluster index of carrier level functions.
	CarrierLevel = 0xff

	// WordBits is the number of address lines.
	WordBits = 14

	shiftFunc  = 4
	shiftBoard = 10
	maskBlock  = 0xf
	maskFunc   = 0x3f
	maskBoard  = 0xf
)

// Address identifies a function of a chip on the bus.
type Address struct {
	Board   uint8
	Cluster uint8 // CarrierLevel for carrier functions
	Block   uint8
	Func    uint8
}

// CarrierAddress returns the address of a carrier level function.
func CarrierAddress(board, fct uint8) Address {
	return Address{Board: board, Cluster: CarrierLevel, Func: fct}
}

// BlockAddress returns the address of function 0 of a block.
func BlockAddress(board, cluster, block uint8) Address {
	return Address{Board: board, Cluster: cluster, Block: block}
}

// WithFunc returns a copy of addr pointing at function fct.
func (addr Address) WithFunc(fct uint8) Address {
	addr.Func = fct
	return addr
}

// Valid returns an error if addr can not be encoded into a Word.
func (addr Address) Valid() error {
	switch {
	case addr.Board >= NumBoards:
		return fmt.Errorf("%w: board=%d", ErrAddress, addr.Board)
	case addr.Func >= NumFuncs:
		return fmt.Errorf("%w: func=%d", ErrAddress, addr.Func)
	case addr.Cluster == CarrierLevel:
		if addr.Block != 0 {
			return fmt.Errorf("%w: carrier block=%d", ErrAddress, addr.Block)
		}
	case addr.Cluster >= NumClusters:
		return fmt.Errorf("%w: cluster=%d", ErrAddress, addr.Cluster)
	case addr.Block >= BlocksPerCluster:
		return fmt.Errorf("%w: block=%d", ErrAddress, addr.Block)
	}
	return nil
}

// Pack encodes addr into a Word.
// Pack does not validate addr, see Address.Valid.
func (addr Address) Pack() Word {
	var blk uint16
	if addr.Cluster != CarrierLevel {
		blk = uint16(addr.Cluster)*BlocksPerCluster + uint16(addr.Block) + 1
	}
	return Word(blk&maskBlock |
		(uint16(addr.Func)&maskFunc)<<shiftFunc |
		(uint16(addr.Board)&maskBoard)<<shiftBoard,
	)
}

// Unpack decodes a Word into an Address.
func Unpack(w Word) Address {
	var (
		blk  = uint8(w & maskBlock)
		addr = Address{
			Board: uint8(w>>shiftBoard) & maskBoard,
			Func:  uint8(w>>shiftFunc) & maskFunc,
		}
	)
	if blk == 0 {
		addr.Cluster = CarrierLevel
		return addr
	}
	blk--
	addr.Cluster = blk / BlocksPerCluster
	addr.Block = blk % BlocksPerCluster
	return addr
}

func (addr Address) String() string {
	if addr.Cluster == CarrierLevel {
		return fmt.Sprintf("%d/carrier/f%d", addr.Board, addr.Func)
	}
	return fmt.Sprintf("%d/%d/%d/f%d", addr.Board, addr.Cluster, addr.Block, addr.Func)
}
