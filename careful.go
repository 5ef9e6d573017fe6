package smap

import "fmt"

// CarefulAlloc wraps a map to forbid reallocating a block within the
// same transaction window it was freed in. Physical reuse of a
// just-freed block can race with outstanding reads of its old content;
// holding it back until after the next commit closes that window.
//
// All operations delegate to the inner map; only NewBlock and Dec carry
// extra bookkeeping. Commit resets the freed-set.
type CarefulAlloc struct {
	inner Map
	freed map[Address]struct{}
}

var _ Map = (*CarefulAlloc)(nil)

// NewCarefulAlloc wraps inner. The decorator takes ownership of the
// inner map: callers must not mutate it directly afterwards.
func NewCarefulAlloc(inner Map) *CarefulAlloc {
	return &CarefulAlloc{
		inner: inner,
		freed: make(map[Address]struct{}),
	}
}

func (sm *CarefulAlloc) NrBlocks() uint64 {
	return sm.inner.NrBlocks()
}

func (sm *CarefulAlloc) NrFree() uint64 {
	return sm.inner.NrFree()
}

func (sm *CarefulAlloc) Count(addr Address) (uint32, error) {
	return sm.inner.Count(addr)
}

func (sm *CarefulAlloc) SetCount(addr Address, count uint32) error {
	return sm.inner.SetCount(addr, count)
}

func (sm *CarefulAlloc) Inc(addr Address) error {
	return sm.inner.Inc(addr)
}

func (sm *CarefulAlloc) Dec(addr Address) (err error) {
	if err = sm.inner.Dec(addr); err != nil {
		return
	}

	count, err := sm.inner.Count(addr)
	if err != nil {
		return
	}
	if count == 0 {
		sm.freed[addr] = struct{}{}
	}
	return
}

// NewBlock skips addresses freed in the current window. Skipped
// addresses are held allocated for the duration of the scan so the
// inner cursor moves past them, then returned to the free state.
func (sm *CarefulAlloc) NewBlock() (addr Address, ok bool, err error) {
	var held []Address
	defer func() {
		for _, h := range held {
			if derr := sm.inner.Dec(h); derr != nil && err == nil {
				err = fmt.Errorf("careful.NewBlock: release hold(%d): %w", h, derr)
				ok = false
			}
		}
	}()

	for {
		addr, ok, err = sm.inner.NewBlock()
		if err != nil || !ok {
			return
		}
		if _, skip := sm.freed[addr]; !skip {
			return
		}
		held = append(held, addr)
	}
}

func (sm *CarefulAlloc) Commit() (err error) {
	if err = sm.inner.Commit(); err != nil {
		return
	}
	clear(sm.freed)
	return
}
