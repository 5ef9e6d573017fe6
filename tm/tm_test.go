package tm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dacapoday/smap"
	"github.com/dacapoday/smap/block"
	"github.com/dacapoday/smap/mem"
)

func newTestTM(t *testing.T) (*TM[*mem.File], *smap.Core) {
	t.Helper()
	bm, err := block.NewManager(new(mem.File), 4096)
	require.NoError(t, err)
	sm := smap.NewCore(100)
	return New(bm, sm), sm
}

func TestNewBlockIsZeroedAndHeld(t *testing.T) {
	tm, sm := newTestTM(t)

	addr, payload, err := tm.NewBlock()
	require.NoError(t, err)
	require.Equal(t, make([]byte, tm.PayloadSize()), payload)

	count, err := sm.Count(addr)
	require.NoError(t, err)
	require.Equal(t, uint32(1), count)
}

func TestShadowMovesOnceAndWritesInPlace(t *testing.T) {
	tm, sm := newTestTM(t)

	orig, payload, err := tm.NewBlock()
	require.NoError(t, err)
	copy(payload, "v1")
	require.NoError(t, tm.Commit())

	// first touch after a commit relocates the block
	moved, payload, err := tm.Shadow(orig)
	require.NoError(t, err)
	require.NotEqual(t, orig, moved)
	require.Equal(t, "v1", string(payload[:2]))
	copy(payload, "v2")

	count, err := sm.Count(orig)
	require.NoError(t, err)
	require.Zero(t, count, "original must be freed")

	// second touch in the same transaction stays in place
	again, payload, err := tm.Shadow(moved)
	require.NoError(t, err)
	require.Equal(t, moved, again)
	require.Equal(t, "v2", string(payload[:2]))
}

func TestShadowSkippedForUncommittedBlock(t *testing.T) {
	tm, _ := newTestTM(t)

	addr, _, err := tm.NewBlock()
	require.NoError(t, err)

	// a block born in this transaction needs no copy
	same, _, err := tm.Shadow(addr)
	require.NoError(t, err)
	require.Equal(t, addr, same)
}

func TestCommitOpensNewWindow(t *testing.T) {
	tm, _ := newTestTM(t)

	addr, _, err := tm.NewBlock()
	require.NoError(t, err)
	require.NoError(t, tm.Commit())

	moved, _, err := tm.Shadow(addr)
	require.NoError(t, err)
	require.NotEqual(t, addr, moved)
}

func TestFreeReleasesToSpaceMap(t *testing.T) {
	tm, sm := newTestTM(t)

	addr, _, err := tm.NewBlock()
	require.NoError(t, err)
	require.NoError(t, tm.Free(addr))

	count, err := sm.Count(addr)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestReserveSuperblockPinsAddressZero(t *testing.T) {
	tm, sm := newTestTM(t)
	require.NoError(t, tm.ReserveSuperblock())

	// reserving again must not bump the count
	require.NoError(t, tm.ReserveSuperblock())
	count, err := sm.Count(Superblock)
	require.NoError(t, err)
	require.Equal(t, uint32(1), count)

	for i := 0; i < 99; i++ {
		addr, _, err := tm.NewBlock()
		require.NoError(t, err)
		require.NotEqual(t, Superblock, addr)
	}
	_, _, err = tm.NewBlock()
	require.ErrorIs(t, err, ErrNoSpace)
}

func TestNewBlockExhausted(t *testing.T) {
	bm, err := block.NewManager(new(mem.File), 4096)
	require.NoError(t, err)
	tm := New(bm, smap.NewCore(2))

	for i := 0; i < 2; i++ {
		_, _, err = tm.NewBlock()
		require.NoError(t, err)
	}
	_, _, err = tm.NewBlock()
	require.ErrorIs(t, err, ErrNoSpace)
}
