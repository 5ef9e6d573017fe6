package smap

import "fmt"

// Recursive wraps a map whose own index blocks are tracked by the map
// itself: mutating a count can shadow an index block, which triggers a
// nested Inc or Dec on the very map being mutated. Recursing into a
// partially-mutated index would corrupt it, so nested adjustments are
// queued and applied after the outer operation unwinds. The final
// observable counts match a non-recursive execution; no adjustment is
// lost or duplicated regardless of nesting depth.
//
// SetCount and NewBlock cannot be deferred meaningfully and refuse
// reentrant entry with ErrRecursive.
type Recursive struct {
	inner Map
	depth int
	ops   []refOp
	pend  map[Address]int64
}

type refOp struct {
	addr  Address
	delta int32
}

var _ Map = (*Recursive)(nil)

// NewRecursive wraps inner. The decorator takes ownership of the inner
// map: callers must not mutate it directly afterwards.
func NewRecursive(inner Map) *Recursive {
	return &Recursive{
		inner: inner,
		pend:  make(map[Address]int64),
	}
}

func (sm *Recursive) NrBlocks() uint64 {
	return sm.inner.NrBlocks()
}

func (sm *Recursive) NrFree() uint64 {
	return sm.inner.NrFree()
}

// Count folds queued adjustments for addr into the inner count, so a
// read between queueing and flushing still observes the final value.
func (sm *Recursive) Count(addr Address) (count uint32, err error) {
	count, err = sm.inner.Count(addr)
	if err != nil {
		return
	}

	if delta := sm.pend[addr]; delta != 0 {
		adjusted := int64(count) + delta
		if adjusted < 0 {
			err = fmt.Errorf("recursive.Count(%d): pending %d: %w", addr, delta, ErrUnderflow)
			return
		}
		count = uint32(adjusted)
	}
	return
}

func (sm *Recursive) Inc(addr Address) error {
	return sm.adjust(addr, 1)
}

func (sm *Recursive) Dec(addr Address) error {
	return sm.adjust(addr, -1)
}

func (sm *Recursive) adjust(addr Address, delta int32) (err error) {
	if sm.depth > 0 {
		sm.push(addr, delta)
		return
	}

	sm.depth++
	err = sm.apply(addr, delta)
	sm.depth--
	if err != nil {
		return
	}
	return sm.flush()
}

func (sm *Recursive) SetCount(addr Address, count uint32) (err error) {
	if sm.depth > 0 {
		err = fmt.Errorf("recursive.SetCount(%d): %w", addr, ErrRecursive)
		return
	}

	sm.depth++
	err = sm.inner.SetCount(addr, count)
	sm.depth--
	if err != nil {
		return
	}
	return sm.flush()
}

func (sm *Recursive) NewBlock() (addr Address, ok bool, err error) {
	if sm.depth > 0 {
		err = fmt.Errorf("recursive.NewBlock: %w", ErrRecursive)
		return
	}

	sm.depth++
	addr, ok, err = sm.inner.NewBlock()
	sm.depth--
	if err != nil {
		return
	}
	err = sm.flush()
	return
}

func (sm *Recursive) Commit() (err error) {
	if sm.depth > 0 {
		err = fmt.Errorf("recursive.Commit: %w", ErrRecursive)
		return
	}

	if err = sm.flush(); err != nil {
		return
	}
	return sm.inner.Commit()
}

func (sm *Recursive) push(addr Address, delta int32) {
	sm.ops = append(sm.ops, refOp{addr: addr, delta: delta})
	sm.pend[addr] += int64(delta)
}

func (sm *Recursive) apply(addr Address, delta int32) error {
	if delta > 0 {
		return sm.inner.Inc(addr)
	}
	return sm.inner.Dec(addr)
}

// flush drains the queue in arrival order. Applying an op can queue
// further ops; the loop keeps the guard held so they land here, never
// on the stack.
func (sm *Recursive) flush() (err error) {
	for len(sm.ops) > 0 {
		op := sm.ops[0]
		sm.ops = sm.ops[1:]
		if sm.pend[op.addr] -= int64(op.delta); sm.pend[op.addr] == 0 {
			delete(sm.pend, op.addr)
		}

		sm.depth++
		err = sm.apply(op.addr, op.delta)
		sm.depth--
		if err != nil {
			return
		}
	}
	sm.ops = nil
	return
}
