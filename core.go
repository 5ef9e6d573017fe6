package smap

import "fmt"

// Core is the in-memory reference array: a dense mapping from block
// address to reference count with no persistence. All operations are
// O(1) except NewBlock, whose free-slot probe is O(NrBlocks) worst
// case (linear scan from the last allocated address, wrapping once).
//
// The zero value is unusable; call NewCore.
type Core struct {
	counts []uint32
	nrFree uint64
	last   Address
}

var _ Map = (*Core)(nil)

// NewCore returns a core map with every count zero.
func NewCore(nrBlocks uint64) *Core {
	return &Core{
		counts: make([]uint32, nrBlocks),
		nrFree: nrBlocks,
		last:   nrBlocks - 1, // first probe starts at address 0
	}
}

func (core *Core) NrBlocks() uint64 {
	return uint64(len(core.counts))
}

func (core *Core) NrFree() uint64 {
	return core.nrFree
}

func (core *Core) Count(addr Address) (count uint32, err error) {
	if addr >= uint64(len(core.counts)) {
		err = fmt.Errorf("core.Count(%d): %w", addr, ErrOutOfRange)
		return
	}
	count = core.counts[addr]
	return
}

func (core *Core) SetCount(addr Address, count uint32) (err error) {
	if addr >= uint64(len(core.counts)) {
		err = fmt.Errorf("core.SetCount(%d): %w", addr, ErrOutOfRange)
		return
	}

	old := core.counts[addr]
	core.counts[addr] = count
	if old == 0 && count != 0 {
		core.nrFree--
	} else if old != 0 && count == 0 {
		core.nrFree++
	}
	return
}

func (core *Core) Inc(addr Address) (err error) {
	if addr >= uint64(len(core.counts)) {
		err = fmt.Errorf("core.Inc(%d): %w", addr, ErrOutOfRange)
		return
	}

	if core.counts[addr] == 0 {
		core.nrFree--
	}
	core.counts[addr]++
	return
}

func (core *Core) Dec(addr Address) (err error) {
	if addr >= uint64(len(core.counts)) {
		err = fmt.Errorf("core.Dec(%d): %w", addr, ErrOutOfRange)
		return
	}

	if core.counts[addr] == 0 {
		err = fmt.Errorf("core.Dec(%d): %w", addr, ErrUnderflow)
		return
	}

	core.counts[addr]--
	if core.counts[addr] == 0 {
		core.nrFree++
	}
	return
}

func (core *Core) NewBlock() (addr Address, ok bool, err error) {
	if core.nrFree == 0 {
		return
	}

	nr := uint64(len(core.counts))
	addr = core.last
	for i := uint64(0); i < nr; i++ {
		addr++
		if addr >= nr {
			addr = 0
		}
		if core.counts[addr] == 0 {
			core.counts[addr] = 1
			core.nrFree--
			core.last = addr
			ok = true
			return
		}
	}
	// nrFree said otherwise
	panic("smap: core free count out of sync")
}

// Commit is a no-op; the core map has no backing store.
func (core *Core) Commit() error {
	return nil
}
