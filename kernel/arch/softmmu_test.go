package arch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftMMU_MapQueryUnmap(t *testing.T) {
	mmu := NewSoftMMU()
	as, err := mmu.InitAspace(0x10000, 0x10000, 0)
	require.NoError(t, err)

	require.NoError(t, as.Map(0x10000, 0x80000000, 2, ARCH_MMU_FLAG_CACHED))

	pa, flags, err := as.Query(0x11234)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x80001234), pa)
	assert.Equal(t, ARCH_MMU_FLAG_CACHED, flags)

	// Double mapping is refused.
	assert.Error(t, as.Map(0x11000, 0x90000000, 1, ARCH_MMU_FLAG_CACHED))

	require.NoError(t, as.Unmap(0x10000, 2))
	_, _, err = as.Query(0x10000)
	assert.Error(t, err)
}

func TestSoftMMU_Bounds(t *testing.T) {
	mmu := NewSoftMMU()
	as, err := mmu.InitAspace(0x10000, 0x2000, 0)
	require.NoError(t, err)

	assert.Error(t, as.Map(0xF000, 0x80000000, 1, 0), "below the aspace")
	assert.Error(t, as.Map(0x11000, 0x80000000, 2, 0), "runs past the end")
	assert.Error(t, as.Map(0x10080, 0x80000000, 1, 0), "unaligned vaddr")

	_, err = mmu.InitAspace(0, 0, 0)
	assert.Error(t, err)
}

func TestSoftMMU_ContextSwitch(t *testing.T) {
	mmu := NewSoftMMU()
	as, err := mmu.InitAspace(0, 0x10000, ARCH_ASPACE_FLAG_KERNEL)
	require.NoError(t, err)

	assert.Nil(t, mmu.Active())
	mmu.ContextSwitch(as)
	assert.Equal(t, as, mmu.Active())
	mmu.ContextSwitch(nil)
	assert.Nil(t, mmu.Active())
}

func TestSoftMMU_DefaultPickSpotAligns(t *testing.T) {
	mmu := NewSoftMMU()
	as, err := mmu.InitAspace(0, 0x100000, 0)
	require.NoError(t, err)

	spot := as.PickSpot(0x1234, ARCH_MMU_FLAG_INVALID, 0xFFFFF, ARCH_MMU_FLAG_INVALID,
		0x4000, 0x1000, 0)
	assert.Equal(t, uint64(0x4000), spot)

	// Already aligned bases pass through.
	spot = as.PickSpot(0x8000, 0, 0xFFFFF, 0, 0x4000, 0x1000, 0)
	assert.Equal(t, uint64(0x8000), spot)
}

func TestAlignSpot(t *testing.T) {
	assert.Equal(t, uint64(0), AlignSpot(0, 0x1000))
	assert.Equal(t, uint64(0x1000), AlignSpot(1, 0x1000))
	assert.Equal(t, uint64(0x1000), AlignSpot(0x1000, 0x1000))
	assert.Equal(t, uint64(42), AlignSpot(42, 0))
}
