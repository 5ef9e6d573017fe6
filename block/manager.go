// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package block provides fixed-size block access over a smap.File with
// per-block CRC32 protection and a write-back buffer cache.
//
// Each on-device block carries a 4-byte Castagnoli CRC trailer; the
// payload handed to callers is BlockSize()-4 bytes. Writes accumulate in
// the cache and reach the device on Flush, followed by a Sync, so a
// crashed process never observes a half-written block as valid.
package block

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/dacapoday/smap"
)

type File = smap.File
type Address = smap.Address

var (
	ErrBadChecksum      = smap.ErrBadChecksum
	ErrInvalidBlockSize = smap.ErrInvalidBlockSize
)

var castagnoliCrcTable = crc32.MakeTable(crc32.Castagnoli)

func checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliCrcTable)
}

const trailerSize = 4

// DefaultBlockSize is used when NewManager is given a size of 0.
const DefaultBlockSize = 4096

type buffer struct {
	data  []byte
	dirty bool
}

// Manager caches fixed-size blocks of a File. It is not safe for
// concurrent mutation; the space map above it runs single-writer.
type Manager[F File] struct {
	file  F
	size  int // on-device block size, including the CRC trailer
	pool  sync.Pool
	cache map[Address]*buffer
}

// NewManager wraps file with a block cache. blockSize is the on-device
// block size; 0 selects DefaultBlockSize.
func NewManager[F File](file F, blockSize int) (manager *Manager[F], err error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize < 512 || blockSize > 64*1024 {
		err = fmt.Errorf("block.NewManager: %d is %w", blockSize, ErrInvalidBlockSize)
		return
	}

	manager = &Manager[F]{
		file:  file,
		size:  blockSize,
		cache: make(map[Address]*buffer),
	}
	manager.pool.New = func() any { return make([]byte, blockSize) }
	return
}

func (manager *Manager[F]) File() F {
	return manager.file
}

// PayloadSize returns the usable bytes per block.
func (manager *Manager[F]) PayloadSize() int {
	return manager.size - trailerSize
}

// Read returns the payload of the block at addr. The returned slice
// aliases the cache; callers must not mutate it without Writable.
func (manager *Manager[F]) Read(addr Address) (payload []byte, err error) {
	buf, ok := manager.cache[addr]
	if !ok {
		if buf, err = manager.fetch(addr); err != nil {
			return
		}
	}
	payload = buf.data[:manager.size-trailerSize]
	return
}

// Writable returns the payload of the block at addr and marks it dirty.
func (manager *Manager[F]) Writable(addr Address) (payload []byte, err error) {
	buf, ok := manager.cache[addr]
	if !ok {
		if buf, err = manager.fetch(addr); err != nil {
			return
		}
	}
	buf.dirty = true
	payload = buf.data[:manager.size-trailerSize]
	return
}

// Zero installs an all-zero dirty block at addr, discarding any prior
// content, and returns its payload.
func (manager *Manager[F]) Zero(addr Address) (payload []byte) {
	buf, ok := manager.cache[addr]
	if !ok {
		buf = &buffer{data: manager.pool.Get().([]byte)}
		manager.cache[addr] = buf
	}
	clear(buf.data)
	buf.dirty = true
	payload = buf.data[:manager.size-trailerSize]
	return
}

// Forget drops the cache entry for addr, typically after the block is
// freed. Dirty content is discarded.
func (manager *Manager[F]) Forget(addr Address) {
	if buf, ok := manager.cache[addr]; ok {
		delete(manager.cache, addr)
		manager.pool.Put(buf.data)
	}
}

func (manager *Manager[F]) fetch(addr Address) (buf *buffer, err error) {
	data := manager.pool.Get().([]byte)
	if _, err = manager.file.ReadAt(data, int64(addr)*int64(manager.size)); err != nil {
		manager.pool.Put(data)
		err = fmt.Errorf("read block(%d): %w", addr, err)
		return
	}

	sum := binary.LittleEndian.Uint32(data[manager.size-trailerSize:])
	if sum != checksum(data[:manager.size-trailerSize]) {
		manager.pool.Put(data)
		err = fmt.Errorf("block(%d) has %w", addr, ErrBadChecksum)
		return
	}

	buf = &buffer{data: data}
	manager.cache[addr] = buf
	return
}

// Flush writes every dirty block, then syncs the file. Dirty flags are
// cleared only after the sync succeeds, so a failed flush can be
// retried without losing changes.
func (manager *Manager[F]) Flush() (err error) {
	for addr, buf := range manager.cache {
		if !buf.dirty {
			continue
		}

		payload := buf.data[:manager.size-trailerSize]
		binary.LittleEndian.PutUint32(buf.data[manager.size-trailerSize:], checksum(payload))
		if _, err = manager.file.WriteAt(buf.data, int64(addr)*int64(manager.size)); err != nil {
			err = fmt.Errorf("write block(%d): %w", addr, err)
			return
		}
	}

	if err = manager.file.Sync(); err != nil {
		err = fmt.Errorf("block.Flush: sync: %w", err)
		return
	}

	for _, buf := range manager.cache {
		buf.dirty = false
	}
	return
}
