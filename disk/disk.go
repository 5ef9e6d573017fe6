// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package disk implements the persistent space map.
//
// Reference counts are stored in two tiers. Counts 0..2 live directly in
// dense bitmap pages, two bits per address; the slot value 3 is a
// sentinel meaning the true count is held by the overflow index, an
// ordered address-to-count mapping for highly shared blocks. Promotion
// and demotion between the tiers is centralized in setCount so the two
// containers can never disagree: a bitmap slot says overflow if and only
// if the overflow index has an entry for that address.
//
// Bitmap pages are shadowed copy-on-write through the transaction
// manager on first mutation per transaction. Commit serializes the
// bitmap index (the list of page locations) and the overflow index into
// fresh blocks, flushes everything through the block store, and only
// then exposes the new roots via CopyRoot, so a failed commit leaves the
// prior root descriptor valid.
package disk

import (
	"fmt"
	"math"

	"github.com/dacapoday/smap"
	"github.com/dacapoday/smap/index"
	"github.com/dacapoday/smap/tm"
)

type File = smap.File
type Address = smap.Address

var (
	ErrOutOfRange   = smap.ErrOutOfRange
	ErrUnderflow    = smap.ErrUnderflow
	ErrInconsistent = smap.ErrInconsistent
	ErrBadRoot      = smap.ErrBadRoot
)

// overflowTag is the bitmap slot sentinel: consult the overflow index.
const overflowTag = 3

type pageEntry struct {
	addr   Address // device block holding this bitmap page
	nrFree uint32  // free addresses covered by this page
}

// Map is the on-disk space map. Construct with Create or Open.
type Map[F File] struct {
	tm       *tm.TM[F]
	overflow *index.Index[F]
	pages    []pageEntry
	chain    []Address // committed bitmap index chain, head first

	nrBlocks uint64
	nrFree   uint64
	perPage  uint64 // addresses per bitmap page
	last     Address

	committed root
}

var _ smap.Persistent = (*Map[File])(nil)

// Create initializes a fresh map of nrBlocks addresses, all free, with
// an empty overflow index, allocating its bitmap pages from t.
func Create[F File](t *tm.TM[F], nrBlocks uint64) (sm *Map[F], err error) {
	if nrBlocks == 0 {
		err = fmt.Errorf("disk.Create: zero blocks: %w", ErrOutOfRange)
		return
	}
	if err = t.ReserveSuperblock(); err != nil {
		err = fmt.Errorf("disk.Create: %w", err)
		return
	}

	sm = &Map[F]{
		tm:       t,
		overflow: index.New(t),
		nrBlocks: nrBlocks,
		nrFree:   nrBlocks,
		perPage:  uint64(t.PayloadSize()) * 4,
		last:     nrBlocks - 1,
	}

	nrPages := (nrBlocks + sm.perPage - 1) / sm.perPage
	sm.pages = make([]pageEntry, nrPages)
	for i := range sm.pages {
		addr, _, err2 := t.NewBlock()
		if err2 != nil {
			sm = nil
			err = fmt.Errorf("disk.Create: bitmap page %d: %w", i, err2)
			return
		}
		sm.pages[i] = pageEntry{
			addr:   addr,
			nrFree: uint32(min(sm.perPage, nrBlocks-uint64(i)*sm.perPage)),
		}
	}
	return
}

func (sm *Map[F]) NrBlocks() uint64 {
	return sm.nrBlocks
}

func (sm *Map[F]) NrFree() uint64 {
	return sm.nrFree
}

// slot reads the 2-bit bitmap value for addr.
func (sm *Map[F]) slot(addr Address) (val uint32, err error) {
	page := addr / sm.perPage
	payload, err := sm.tm.Read(sm.pages[page].addr)
	if err != nil {
		err = fmt.Errorf("read bitmap(%d): %w", page, err)
		return
	}

	off := addr % sm.perPage
	val = uint32(payload[off/4]>>((off%4)*2)) & 3
	return
}

// setSlot writes the 2-bit bitmap value for addr, shadowing the page on
// first touch per transaction.
func (sm *Map[F]) setSlot(addr Address, val uint32) (err error) {
	page := addr / sm.perPage
	shadow, payload, err := sm.tm.Shadow(sm.pages[page].addr)
	if err != nil {
		err = fmt.Errorf("shadow bitmap(%d): %w", page, err)
		return
	}
	sm.pages[page].addr = shadow

	off := addr % sm.perPage
	shift := (off % 4) * 2
	payload[off/4] = payload[off/4]&^(3<<shift) | byte(val)<<shift
	return
}

func (sm *Map[F]) Count(addr Address) (count uint32, err error) {
	if addr >= sm.nrBlocks {
		err = fmt.Errorf("disk.Count(%d): %w", addr, ErrOutOfRange)
		return
	}

	count, err = sm.slot(addr)
	if err != nil || count < overflowTag {
		return
	}

	count, found := sm.overflow.Lookup(addr)
	if !found {
		err = fmt.Errorf("disk.Count(%d): overflow entry missing: %w", addr, ErrInconsistent)
		return
	}
	return count, nil
}

func (sm *Map[F]) SetCount(addr Address, count uint32) (err error) {
	if addr >= sm.nrBlocks {
		err = fmt.Errorf("disk.SetCount(%d): %w", addr, ErrOutOfRange)
		return
	}
	return sm.setCount(addr, count)
}

// setCount is the single promote/demote point keeping bitmap and
// overflow index consistent.
func (sm *Map[F]) setCount(addr Address, count uint32) (err error) {
	old, err := sm.Count(addr)
	if err != nil {
		return
	}

	if count < overflowTag {
		if old >= overflowTag {
			sm.overflow.Remove(addr)
		}
		if err = sm.setSlot(addr, count); err != nil {
			return
		}
	} else {
		if err = sm.setSlot(addr, overflowTag); err != nil {
			return
		}
		sm.overflow.Insert(addr, count)
	}

	if old == 0 && count != 0 {
		sm.nrFree--
		sm.pages[addr/sm.perPage].nrFree--
	} else if old != 0 && count == 0 {
		sm.nrFree++
		sm.pages[addr/sm.perPage].nrFree++
	}
	return
}

func (sm *Map[F]) Inc(addr Address) (err error) {
	if addr >= sm.nrBlocks {
		err = fmt.Errorf("disk.Inc(%d): %w", addr, ErrOutOfRange)
		return
	}

	old, err := sm.Count(addr)
	if err != nil {
		return
	}
	if old == math.MaxUint32 {
		err = fmt.Errorf("disk.Inc(%d): count saturated: %w", addr, ErrOutOfRange)
		return
	}
	return sm.setCount(addr, old+1)
}

func (sm *Map[F]) Dec(addr Address) (err error) {
	if addr >= sm.nrBlocks {
		err = fmt.Errorf("disk.Dec(%d): %w", addr, ErrOutOfRange)
		return
	}

	old, err := sm.Count(addr)
	if err != nil {
		return
	}
	if old == 0 {
		err = fmt.Errorf("disk.Dec(%d): %w", addr, ErrUnderflow)
		return
	}
	return sm.setCount(addr, old-1)
}

// NewBlock probes for a free address starting after the last allocated
// one, wrapping once. Pages with no free addresses are skipped via the
// per-page free counters.
func (sm *Map[F]) NewBlock() (addr Address, ok bool, err error) {
	if sm.nrFree == 0 {
		return
	}

	addr = sm.last + 1
	if addr >= sm.nrBlocks {
		addr = 0
	}

	// bounded by one full wrap plus one skip per page
	for n, limit := uint64(0), sm.nrBlocks+uint64(len(sm.pages))+1; n < limit; n++ {
		page := addr / sm.perPage
		if sm.pages[page].nrFree == 0 {
			addr = (page + 1) * sm.perPage
			if addr >= sm.nrBlocks {
				addr = 0
			}
			continue
		}

		var val uint32
		if val, err = sm.slot(addr); err != nil {
			return
		}
		if val == 0 {
			if err = sm.setCount(addr, 1); err != nil {
				return
			}
			sm.last = addr
			ok = true
			return
		}

		if addr++; addr >= sm.nrBlocks {
			addr = 0
		}
	}
	panic("smap: disk free count out of sync")
}

// Commit makes the current state durable: the overflow index and the
// bitmap index are serialized into fresh blocks, the block store is
// flushed, and the root descriptor advances. On error the previously
// committed root stays valid.
func (sm *Map[F]) Commit() (err error) {
	overflowRoot, err := sm.overflow.Commit()
	if err != nil {
		err = fmt.Errorf("disk.Commit: %w", err)
		return
	}

	bitmapRoot, err := sm.commitIndex()
	if err != nil {
		err = fmt.Errorf("disk.Commit: %w", err)
		return
	}

	if err = sm.tm.Commit(); err != nil {
		err = fmt.Errorf("disk.Commit: %w", err)
		return
	}

	sm.committed = root{
		nrBlocks:     sm.nrBlocks,
		bitmapRoot:   bitmapRoot,
		overflowRoot: overflowRoot,
		nrFree:       sm.nrFree,
	}
	return
}
