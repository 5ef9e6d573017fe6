// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package tm sequences copy-on-write transactions over a block.Manager.
//
// A TM couples the block cache with a space map that tracks occupancy of
// the metadata device. Mutations never touch a committed block in place:
// the first write to a block inside a transaction shadows it to a fresh
// address, and Commit flushes the cache so either the whole transaction
// reaches the device or the previously committed state stays intact.
package tm

import (
	"fmt"

	"github.com/dacapoday/smap"
	"github.com/dacapoday/smap/block"
)

type File = smap.File
type Address = smap.Address

var ErrNoSpace = smap.ErrNoSpace

// Superblock is the device block reserved for the caller's superblock.
// Holding it allocated keeps address 0 out of every index chain, so 0
// can serve as the empty-chain terminator in on-disk roots.
const Superblock Address = 0

// TM is a transaction manager. It outlives the space maps constructed
// against it and is not safe for concurrent use.
type TM[F File] struct {
	bm      *block.Manager[F]
	sm      smap.Map
	shadows map[Address]struct{}
}

// New couples bm with sm. sm allocates addresses on the metadata
// device; in the self-hosting configuration it is later replaced via
// SetSpaceMap with the metadata map built on this TM.
func New[F File](bm *block.Manager[F], sm smap.Map) *TM[F] {
	return &TM[F]{
		bm:      bm,
		sm:      sm,
		shadows: make(map[Address]struct{}),
	}
}

func (tm *TM[F]) BlockManager() *block.Manager[F] {
	return tm.bm
}

func (tm *TM[F]) SpaceMap() smap.Map {
	return tm.sm
}

// SetSpaceMap swaps the allocator. Used once at startup to close the
// loop when the metadata space map tracks its own device.
func (tm *TM[F]) SetSpaceMap(sm smap.Map) {
	tm.sm = sm
}

// PayloadSize returns the usable bytes per block.
func (tm *TM[F]) PayloadSize() int {
	return tm.bm.PayloadSize()
}

// ReserveSuperblock pins the superblock in the space map so the
// allocator never hands out address 0. Safe to call repeatedly.
func (tm *TM[F]) ReserveSuperblock() (err error) {
	count, err := tm.sm.Count(Superblock)
	if err != nil {
		return fmt.Errorf("tm.ReserveSuperblock: %w", err)
	}
	if count == 0 {
		if err = tm.sm.Inc(Superblock); err != nil {
			return fmt.Errorf("tm.ReserveSuperblock: %w", err)
		}
	}
	return
}

// NewBlock allocates a fresh block and returns its zeroed payload.
// The new block counts as already shadowed in this transaction.
func (tm *TM[F]) NewBlock() (addr Address, payload []byte, err error) {
	addr, ok, err := tm.sm.NewBlock()
	if err != nil {
		err = fmt.Errorf("tm.NewBlock: %w", err)
		return
	}
	if !ok {
		err = fmt.Errorf("tm.NewBlock: %w", ErrNoSpace)
		return
	}

	payload = tm.bm.Zero(addr)
	tm.shadows[addr] = struct{}{}
	return
}

// Shadow makes the block at orig writable under copy-on-write: the
// first touch in a transaction moves its content to a fresh address and
// frees the original; later touches write in place. Callers must
// re-point their references at the returned address.
func (tm *TM[F]) Shadow(orig Address) (addr Address, payload []byte, err error) {
	if _, ok := tm.shadows[orig]; ok {
		addr = orig
		payload, err = tm.bm.Writable(orig)
		return
	}

	src, err := tm.bm.Read(orig)
	if err != nil {
		err = fmt.Errorf("tm.Shadow(%d): %w", orig, err)
		return
	}

	addr, ok, err := tm.sm.NewBlock()
	if err != nil {
		err = fmt.Errorf("tm.Shadow(%d): %w", orig, err)
		return
	}
	if !ok {
		err = fmt.Errorf("tm.Shadow(%d): %w", orig, ErrNoSpace)
		return
	}

	payload = tm.bm.Zero(addr)
	copy(payload, src)

	if err = tm.sm.Dec(orig); err != nil {
		err = fmt.Errorf("tm.Shadow(%d): %w", orig, err)
		return
	}
	tm.bm.Forget(orig)
	tm.shadows[addr] = struct{}{}
	return
}

// Read returns a read-only view of the block at addr.
func (tm *TM[F]) Read(addr Address) (payload []byte, err error) {
	return tm.bm.Read(addr)
}

// Free releases the block at addr back to the space map.
func (tm *TM[F]) Free(addr Address) (err error) {
	if err = tm.sm.Dec(addr); err != nil {
		err = fmt.Errorf("tm.Free(%d): %w", addr, err)
		return
	}
	tm.bm.Forget(addr)
	delete(tm.shadows, addr)
	return
}

// Commit flushes all dirty blocks to the device and opens the next
// transaction window. On failure the cache keeps its dirty state and
// the previously committed blocks on the device remain valid.
func (tm *TM[F]) Commit() (err error) {
	if err = tm.bm.Flush(); err != nil {
		err = fmt.Errorf("tm.Commit: %w", err)
		return
	}
	clear(tm.shadows)
	return
}
