// Package smap tracks a reference count for every block address in a
// fixed-size address space and mediates block allocation under that count
// discipline. A count of 0 means the block is free; N means it is held by
// N owners. It is the space-map layer of a copy-on-write block-storage
// metadata toolkit: snapshots share blocks, and a block is reclaimed only
// when its count drops back to zero.
//
// The package root defines the space-map contract plus the purely in-core
// pieces: the dense Core array and the CarefulAlloc and Recursive
// decorators. The on-disk variant lives in the disk subpackage and is
// built on the tm, block and index subpackages.
package smap

import "io"

// Address identifies one fixed-size block within the address space
// [0, NrBlocks).
type Address = uint64

// Map is the space-map contract shared by every variant.
//
// All mutation is assumed to happen under an external single-writer
// transaction discipline; implementations perform no internal locking.
type Map interface {
	// NrBlocks returns the total address-space size. It never fails.
	NrBlocks() uint64

	// NrFree returns the number of addresses with count 0. It is
	// maintained incrementally and costs O(1).
	NrFree() uint64

	// Count returns the current reference count of addr.
	Count(addr Address) (uint32, error)

	// SetCount overwrites the count of addr unconditionally.
	SetCount(addr Address, count uint32) error

	// Inc increments the count of addr.
	Inc(addr Address) error

	// Dec decrements the count of addr. Decrementing a free address
	// fails with ErrUnderflow.
	Dec(addr Address) error

	// NewBlock finds a free address, sets its count to 1 and returns
	// it. ok is false when the map is exhausted; exhaustion is an
	// expected outcome, not an error.
	NewBlock() (addr Address, ok bool, err error)

	// Commit flushes dirty state to stable storage. In-core variants
	// treat it as a no-op.
	Commit() error
}

// Persistent is a Map that can serialize a root descriptor compact
// enough to reopen the map after a restart without replaying history.
type Persistent interface {
	Map

	// RootSize returns the size in bytes of the root descriptor.
	RootSize() int

	// CopyRoot serializes the root descriptor into buf and returns
	// the number of bytes written. It fails with ErrBufferTooSmall
	// if len(buf) < RootSize. The output is only meaningful after a
	// successful Commit.
	CopyRoot(buf []byte) (int, error)
}

// File provides access to a storage backend for the persistent space map.
//
// The *os.File type satisfies this interface.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	// Truncate changes the size of the file.
	Truncate(size int64) error

	// Sync commits the current contents of the file to stable storage.
	Sync() error
}
