// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package disk

import (
	"encoding/binary"
	"fmt"

	"github.com/dacapoday/smap"
	"github.com/dacapoday/smap/index"
	"github.com/dacapoday/smap/tm"
)

// RootSize is the size in bytes of the serialized root descriptor:
// nrBlocks, bitmap index root, overflow index root and nrFree, each a
// little-endian u64. The layout is stable across processes for a given
// build.
const RootSize = 32

// root is the fixed-size descriptor capturing everything needed to
// reopen the map without replaying history.
type root struct {
	nrBlocks     uint64
	bitmapRoot   Address
	overflowRoot Address
	nrFree       uint64
}

func (r root) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf, r.nrBlocks)
	binary.LittleEndian.PutUint64(buf[8:], r.bitmapRoot)
	binary.LittleEndian.PutUint64(buf[16:], r.overflowRoot)
	binary.LittleEndian.PutUint64(buf[24:], r.nrFree)
}

func decodeRoot(buf []byte) (r root, err error) {
	if len(buf) < RootSize {
		err = fmt.Errorf("root descriptor is %d bytes: %w", len(buf), ErrBadRoot)
		return
	}

	r.nrBlocks = binary.LittleEndian.Uint64(buf)
	r.bitmapRoot = binary.LittleEndian.Uint64(buf[8:])
	r.overflowRoot = binary.LittleEndian.Uint64(buf[16:])
	r.nrFree = binary.LittleEndian.Uint64(buf[24:])

	if r.nrBlocks == 0 || r.nrFree > r.nrBlocks {
		err = fmt.Errorf("root descriptor nr_blocks=%d nr_free=%d: %w", r.nrBlocks, r.nrFree, ErrBadRoot)
		return
	}
	return
}

func (sm *Map[F]) RootSize() int {
	return RootSize
}

// CopyRoot serializes the last committed root descriptor into buf and
// returns the number of bytes written. The output is only meaningful
// after a successful Commit.
func (sm *Map[F]) CopyRoot(buf []byte) (n int, err error) {
	if len(buf) < RootSize {
		err = fmt.Errorf("disk.CopyRoot: %d < %d: %w", len(buf), RootSize, smap.ErrBufferTooSmall)
		return
	}
	sm.committed.encode(buf)
	n = RootSize
	return
}

// Open reconstructs a map from a root descriptor produced by CopyRoot.
// Both indices are attached by reference; nothing is copied or
// rescanned, nrFree included.
func Open[F File](t *tm.TM[F], rootBuf []byte) (sm *Map[F], err error) {
	r, err := decodeRoot(rootBuf)
	if err != nil {
		err = fmt.Errorf("disk.Open: %w", err)
		return
	}
	if err = t.ReserveSuperblock(); err != nil {
		err = fmt.Errorf("disk.Open: %w", err)
		return
	}

	sm = &Map[F]{
		tm:        t,
		nrBlocks:  r.nrBlocks,
		nrFree:    r.nrFree,
		perPage:   uint64(t.PayloadSize()) * 4,
		last:      r.nrBlocks - 1,
		committed: r,
	}

	if sm.overflow, err = index.Open(t, r.overflowRoot); err != nil {
		sm = nil
		err = fmt.Errorf("disk.Open: %w", err)
		return
	}

	if err = sm.openIndex(r.bitmapRoot); err != nil {
		sm = nil
		err = fmt.Errorf("disk.Open: %w", err)
		return
	}

	nrPages := (sm.nrBlocks + sm.perPage - 1) / sm.perPage
	if got := uint64(len(sm.pages)); got != nrPages {
		sm = nil
		err = fmt.Errorf("disk.Open: %d bitmap pages, want %d: %w", got, nrPages, ErrBadRoot)
		return
	}
	return
}

// Bitmap index chain layout, per block payload:
// next u64, count u32, then count entries of page address u64 + free
// counter u32, in page order.
const (
	indexHeaderSize = 12
	indexEntrySize  = 12
)

func (sm *Map[F]) openIndex(bitmapRoot Address) (err error) {
	payloadSize := sm.tm.PayloadSize()

	for addr := bitmapRoot; addr != index.NoRoot; {
		var payload []byte
		if payload, err = sm.tm.Read(addr); err != nil {
			return
		}

		next := binary.LittleEndian.Uint64(payload)
		count := binary.LittleEndian.Uint32(payload[8:])
		if indexHeaderSize+int(count)*indexEntrySize > payloadSize {
			err = fmt.Errorf("bitmap index block(%d) count %d: %w", addr, count, ErrBadRoot)
			return
		}

		for i := 0; i < int(count); i++ {
			entry := payload[indexHeaderSize+i*indexEntrySize:]
			sm.pages = append(sm.pages, pageEntry{
				addr:   binary.LittleEndian.Uint64(entry),
				nrFree: binary.LittleEndian.Uint32(entry[8:]),
			})
		}

		sm.chain = append(sm.chain, addr)
		addr = next
	}
	return
}

// commitIndex serializes the bitmap index into a fresh chain of blocks
// and frees the previous chain, mirroring the overflow index commit.
func (sm *Map[F]) commitIndex() (bitmapRoot Address, err error) {
	perBlock := (sm.tm.PayloadSize() - indexHeaderSize) / indexEntrySize

	// build tail-first so each block can link to its successor and the
	// chain head ends up covering page 0
	var next Address = index.NoRoot
	var chain []Address
	for start := (len(sm.pages) - 1) / perBlock * perBlock; start >= 0; start -= perBlock {
		part := sm.pages[start:min(start+perBlock, len(sm.pages))]

		addr, payload, err2 := sm.tm.NewBlock()
		if err2 != nil {
			err = err2
			return
		}

		binary.LittleEndian.PutUint64(payload, next)
		binary.LittleEndian.PutUint32(payload[8:], uint32(len(part)))
		for i, page := range part {
			entry := payload[indexHeaderSize+i*indexEntrySize:]
			binary.LittleEndian.PutUint64(entry, page.addr)
			binary.LittleEndian.PutUint32(entry[8:], page.nrFree)
		}
		next = addr
		chain = append(chain, addr)
	}

	for _, addr := range sm.chain {
		if err = sm.tm.Free(addr); err != nil {
			return
		}
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	sm.chain = chain
	bitmapRoot = next
	return
}
