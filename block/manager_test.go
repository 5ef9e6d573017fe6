package block

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dacapoday/smap/mem"
)

func TestManagerInvalidBlockSize(t *testing.T) {
	_, err := NewManager(new(mem.File), 100)
	require.ErrorIs(t, err, ErrInvalidBlockSize)

	_, err = NewManager(new(mem.File), 1<<20)
	require.ErrorIs(t, err, ErrInvalidBlockSize)
}

func TestManagerWriteFlushRead(t *testing.T) {
	file := new(mem.File)
	manager, err := NewManager(file, 4096)
	require.NoError(t, err)
	require.Equal(t, 4092, manager.PayloadSize())

	payload := manager.Zero(5)
	copy(payload, "space map bitmap page")
	require.NoError(t, manager.Flush())

	// a fresh manager over the same file sees the block, checksummed
	manager2, err := NewManager(file, 4096)
	require.NoError(t, err)

	got, err := manager2.Read(5)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestManagerChecksumFailure(t *testing.T) {
	file := new(mem.File)
	manager, err := NewManager(file, 4096)
	require.NoError(t, err)

	payload := manager.Zero(3)
	copy(payload, "content")
	require.NoError(t, manager.Flush())

	// flip a payload byte behind the manager's back
	_, err = file.WriteAt([]byte{0xff}, 3*4096+1)
	require.NoError(t, err)

	manager2, err := NewManager(file, 4096)
	require.NoError(t, err)
	_, err = manager2.Read(3)
	require.ErrorIs(t, err, ErrBadChecksum)
}

func TestManagerWritableMarksDirty(t *testing.T) {
	file := new(mem.File)
	manager, err := NewManager(file, 4096)
	require.NoError(t, err)

	manager.Zero(1)
	require.NoError(t, manager.Flush())

	payload, err := manager.Writable(1)
	require.NoError(t, err)
	payload[0] = 0x7f
	require.NoError(t, manager.Flush())

	manager2, err := NewManager(file, 4096)
	require.NoError(t, err)
	got, err := manager2.Read(1)
	require.NoError(t, err)
	require.Equal(t, byte(0x7f), got[0])
}

func TestManagerForgetDiscardsDirty(t *testing.T) {
	file := new(mem.File)
	manager, err := NewManager(file, 4096)
	require.NoError(t, err)

	payload := manager.Zero(2)
	copy(payload, "kept")
	require.NoError(t, manager.Flush())

	payload, err = manager.Writable(2)
	require.NoError(t, err)
	copy(payload, "lost")
	manager.Forget(2)
	require.NoError(t, manager.Flush())

	got, err := manager.Read(2)
	require.NoError(t, err)
	require.Equal(t, "kept", string(got[:4]))
}
