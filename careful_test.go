package smap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// A just-freed address must not be handed out again within the same
// transaction window, even though the inner map considers it free.
func TestCarefulAllocHoldsFreedBlock(t *testing.T) {
	sm := NewCarefulAlloc(NewCore(10))

	first, ok, err := sm.NewBlock()
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, sm.Dec(first))
	require.Equal(t, uint64(10), sm.NrFree())

	seen := make(map[Address]struct{})
	for i := 0; i < 9; i++ {
		addr, ok, err := sm.NewBlock()
		require.NoError(t, err)
		require.True(t, ok)
		require.NotEqual(t, first, addr)
		seen[addr] = struct{}{}
	}
	require.Len(t, seen, 9)

	// only the freed block is left, and it stays blocked
	_, ok, err = sm.NewBlock()
	require.NoError(t, err)
	require.False(t, ok)

	// the hold released it back to the free state underneath
	count, err := sm.Count(first)
	require.NoError(t, err)
	require.Zero(t, count)
	require.Equal(t, uint64(1), sm.NrFree())
}

// Commit closes the window: the freed block becomes allocatable again.
func TestCarefulAllocCommitResetsWindow(t *testing.T) {
	sm := NewCarefulAlloc(NewCore(3))

	for i := 0; i < 3; i++ {
		_, ok, err := sm.NewBlock()
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, sm.Dec(1))
	_, ok, err := sm.NewBlock()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, sm.Commit())

	addr, ok, err := sm.NewBlock()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Address(1), addr)
}

// The freed block must not be prioritized: allocation order stays the
// inner map's cursor order once the window closes.
func TestCarefulAllocNoPriorityAfterReset(t *testing.T) {
	sm := NewCarefulAlloc(NewCore(5))

	for i := 0; i < 3; i++ {
		_, ok, err := sm.NewBlock()
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, sm.Dec(0))
	require.NoError(t, sm.Commit())

	// cursor sits at 2; blocks 3 and 4 come before the reclaimed 0
	for _, want := range []Address{3, 4, 0} {
		addr, ok, err := sm.NewBlock()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, addr)
	}
}
