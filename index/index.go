// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package index provides the ordered overflow index used by the
// persistent space map: an ordered mapping from block address to a full
// 32-bit reference count, for addresses whose count exceeds the bitmap
// encoding range.
//
// Entries live in memory between commits. Commit serializes them, in
// key order, into a chain of freshly allocated copy-on-write blocks and
// returns the chain head as the index root; the previous chain is freed
// only after the new one is written, so a failed commit leaves the old
// root intact. The on-device layout is private to this package and not
// part of the root descriptor contract.
package index

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/dacapoday/smap"
	"github.com/dacapoday/smap/tm"
)

type File = smap.File
type Address = smap.Address

var ErrBadIndex = smap.ErrBadIndex

// NoRoot is the root of an empty index. The transaction manager pins
// block 0 for the superblock (tm.ReserveSuperblock), so no chain block
// and no chain terminator can ever collide with a real root.
const NoRoot Address = 0

const (
	headerSize = 12 // next u64, count u32
	entrySize  = 12 // key u64, value u32
)

// Index is an ordered block-address to count mapping.
type Index[F File] struct {
	tm      *tm.TM[F]
	entries map[uint64]uint32
	chain   []Address // committed chain, head first
}

// New returns an empty index backed by tm.
func New[F File](tm *tm.TM[F]) *Index[F] {
	return &Index[F]{
		tm:      tm,
		entries: make(map[uint64]uint32),
	}
}

// Open rebuilds an index by walking the committed chain at root.
func Open[F File](tm *tm.TM[F], root Address) (index *Index[F], err error) {
	index = New(tm)
	payloadSize := tm.PayloadSize()

	for addr := root; addr != NoRoot; {
		var payload []byte
		if payload, err = tm.Read(addr); err != nil {
			index = nil
			err = fmt.Errorf("index.Open: %w", err)
			return
		}

		next := binary.LittleEndian.Uint64(payload)
		count := binary.LittleEndian.Uint32(payload[8:])
		if headerSize+int(count)*entrySize > payloadSize {
			index = nil
			err = fmt.Errorf("index.Open: block(%d) count %d: %w", addr, count, ErrBadIndex)
			return
		}

		for i := 0; i < int(count); i++ {
			entry := payload[headerSize+i*entrySize:]
			key := binary.LittleEndian.Uint64(entry)
			val := binary.LittleEndian.Uint32(entry[8:])
			index.entries[key] = val
		}

		index.chain = append(index.chain, addr)
		addr = next
	}
	return
}

// Len returns the number of entries.
func (index *Index[F]) Len() int {
	return len(index.entries)
}

// Lookup returns the count stored for key.
func (index *Index[F]) Lookup(key uint64) (val uint32, found bool) {
	val, found = index.entries[key]
	return
}

// Insert stores val for key, replacing any existing entry.
func (index *Index[F]) Insert(key uint64, val uint32) {
	index.entries[key] = val
}

// Remove deletes the entry for key, if any.
func (index *Index[F]) Remove(key uint64) {
	delete(index.entries, key)
}

// Commit writes the entries into a fresh chain of blocks and returns
// its head. The previous chain is freed afterwards. The durability of
// the new chain is the caller's responsibility (tm.Commit).
func (index *Index[F]) Commit() (root Address, err error) {
	root = NoRoot

	keys := make([]uint64, 0, len(index.entries))
	for key := range index.entries {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	perBlock := (index.tm.PayloadSize() - headerSize) / entrySize
	var chain []Address

	for start := 0; start < len(keys); start += perBlock {
		part := keys[start:min(start+perBlock, len(keys))]

		addr, payload, err2 := index.tm.NewBlock()
		if err2 != nil {
			err = fmt.Errorf("index.Commit: %w", err2)
			return
		}

		// chain head is written last; link the previous head as next
		var next Address = NoRoot
		if len(chain) > 0 {
			next = chain[len(chain)-1]
		}
		binary.LittleEndian.PutUint64(payload, next)
		binary.LittleEndian.PutUint32(payload[8:], uint32(len(part)))
		for i, key := range part {
			entry := payload[headerSize+i*entrySize:]
			binary.LittleEndian.PutUint64(entry, key)
			binary.LittleEndian.PutUint32(entry[8:], index.entries[key])
		}
		chain = append(chain, addr)
	}

	for _, addr := range index.chain {
		if err = index.tm.Free(addr); err != nil {
			err = fmt.Errorf("index.Commit: %w", err)
			return
		}
	}

	// store head first, matching Open's walk order
	slices.Reverse(chain)
	index.chain = chain
	if len(chain) > 0 {
		root = chain[0]
	}
	return
}
