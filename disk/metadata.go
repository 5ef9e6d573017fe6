// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package disk

import (
	"github.com/dacapoday/smap"
	"github.com/dacapoday/smap/tm"
)

// Metadata is the metadata-flavored persistent map: a disk map wrapped
// in the recursive-safe and careful-allocation decorators, for the
// configuration where the map tracks the very device holding its own
// index structures. Nested count adjustments triggered by shadowing the
// map's own bitmap pages are deferred by the recursive wrapper, and a
// block freed within a transaction window is not handed out again
// before the next commit.
type Metadata[F File] struct {
	smap.Map
	disk *Map[F]
}

var _ smap.Persistent = (*Metadata[File])(nil)

// CreateMetadata initializes a fresh metadata-flavored map.
func CreateMetadata[F File](t *tm.TM[F], nrBlocks uint64) (sm *Metadata[F], err error) {
	inner, err := Create(t, nrBlocks)
	if err != nil {
		return
	}
	sm = wrapMetadata(inner)
	return
}

// OpenMetadata reopens a metadata-flavored map from a root descriptor.
func OpenMetadata[F File](t *tm.TM[F], rootBuf []byte) (sm *Metadata[F], err error) {
	inner, err := Open(t, rootBuf)
	if err != nil {
		return
	}
	sm = wrapMetadata(inner)
	return
}

func wrapMetadata[F File](inner *Map[F]) *Metadata[F] {
	return &Metadata[F]{
		Map:  smap.NewCarefulAlloc(smap.NewRecursive(inner)),
		disk: inner,
	}
}

func (sm *Metadata[F]) RootSize() int {
	return sm.disk.RootSize()
}

func (sm *Metadata[F]) CopyRoot(buf []byte) (int, error) {
	return sm.disk.CopyRoot(buf)
}
