package vm

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tinos/kernel/platform"
	"github.com/nmxmxh/tinos/kernel/utils"
)

func testLogger() *utils.Logger {
	return utils.NewLogger(utils.LoggerConfig{
		Level:     utils.ERROR,
		Component: "test",
		Output:    io.Discard,
	})
}

// newTestPMM builds a PMM with one KMAP arena per size, staggered bases,
// ascending priority.
func newTestPMM(t *testing.T, arenaSizes ...uint64) *PMM {
	t.Helper()
	pmm := NewPMM(platform.Default(), testLogger())
	base := uint64(0x10000000)
	for i, size := range arenaSizes {
		_, err := pmm.AddArena(ArenaSpec{
			Name:     fmt.Sprintf("test%d", i),
			Base:     base,
			Size:     size,
			Priority: uint(i),
			Flags:    PMM_ARENA_FLAG_KMAP,
		})
		require.NoError(t, err)
		base += size + 0x100000
	}
	return pmm
}

// checkArenaInvariants verifies free-count consistency on every arena.
func checkArenaInvariants(t *testing.T, pmm *PMM) {
	t.Helper()
	for _, st := range pmm.Stats() {
		var sum uint64
		for _, r := range st.FreeRanges {
			sum += (r.End - r.Start) / PAGE_SIZE
		}
		assert.Equal(t, st.FreePages, sum, "free ranges disagree with free count")
		assert.GreaterOrEqual(t, st.FreePages, st.ReservedPages)
	}
}

func TestAddArena_Validation(t *testing.T) {
	pmm := NewPMM(platform.Default(), testLogger())

	_, err := pmm.AddArena(ArenaSpec{Name: "bad", Base: 0x1000, Size: 0})
	assert.Equal(t, ErrCodeInvalidArgs, ErrCode(err))

	_, err = pmm.AddArena(ArenaSpec{Name: "bad", Base: 0x1001, Size: 0x1000})
	assert.Equal(t, ErrCodeInvalidArgs, ErrCode(err))

	// Reservations bigger than the arena don't fit.
	_, err = pmm.AddArena(ArenaSpec{
		Name: "bad", Base: 0x1000, Size: 4 * PAGE_SIZE,
		ReserveAtStart: 3 * PAGE_SIZE, ReserveAtEnd: 2 * PAGE_SIZE,
	})
	assert.Equal(t, ErrCodeInvalidArgs, ErrCode(err))
}

func TestAddArena_Reservations(t *testing.T) {
	pmm := NewPMM(platform.Default(), testLogger())
	a, err := pmm.AddArena(ArenaSpec{
		Name: "res", Base: 0x100000, Size: 8 * PAGE_SIZE,
		Flags:          PMM_ARENA_FLAG_KMAP,
		ReserveAtStart: PAGE_SIZE,
		ReserveAtEnd:   2 * PAGE_SIZE,
	})
	require.NoError(t, err)

	// 8 pages minus 1 leading and 2 trailing.
	assert.Equal(t, uint64(5), a.FreeCount())

	// The reserved frames never come back: freeing everything still
	// leaves them allocated.
	pages, err := pmm.AllocPages(5, 0, 0)
	require.NoError(t, err)
	_, err = pmm.AllocPages(1, 0, 0)
	assert.Equal(t, ErrCodeNoMemory, ErrCode(err))
	pmm.Free(pages)
	assert.Equal(t, uint64(5), a.FreeCount())
}

func TestAddArenaLate_PageTableInside(t *testing.T) {
	pmm := NewPMM(platform.Default(), testLogger())
	a, err := pmm.AddArenaLate(ArenaSpec{
		Name: "late", Base: 0x200000, Size: 16 * PAGE_SIZE,
	})
	require.NoError(t, err)

	// The page table occupies at least one leading page.
	assert.Less(t, a.FreeCount(), uint64(16))
	assert.NotZero(t, a.FreeCount())

	// A tiny arena can't hold its own page table plus reservations.
	_, err = pmm.AddArenaLate(ArenaSpec{
		Name: "tiny", Base: 0x400000, Size: PAGE_SIZE,
		ReserveAtEnd: PAGE_SIZE,
	})
	assert.Equal(t, ErrCodeInvalidArgs, ErrCode(err))
}

func TestAllocPages_RoundTrip(t *testing.T) {
	pmm := newTestPMM(t, 16*PAGE_SIZE)
	before := pmm.TotalFreePages()

	pages, err := pmm.AllocPages(6, 0, 0)
	require.NoError(t, err)
	require.Len(t, pages, 6)
	assert.Equal(t, before-6, pmm.TotalFreePages())

	for _, p := range pages {
		assert.False(t, p.isFree())
	}
	checkArenaInvariants(t, pmm)

	freed := pmm.Free(pages)
	assert.Equal(t, uint64(6), freed)
	assert.Equal(t, before, pmm.TotalFreePages())
	checkArenaInvariants(t, pmm)
}

func TestAllocPages_SpansArenas(t *testing.T) {
	pmm := newTestPMM(t, 4*PAGE_SIZE, 4*PAGE_SIZE)

	// More than one arena holds: the walk continues in priority order.
	pages, err := pmm.AllocPages(6, 0, 0)
	require.NoError(t, err)
	assert.Len(t, pages, 6)

	arenas := map[string]bool{}
	for _, p := range pages {
		arenas[p.Arena().Name()] = true
	}
	assert.Len(t, arenas, 2)
	pmm.Free(pages)
}

func TestAllocPages_AtomicFailure(t *testing.T) {
	pmm := newTestPMM(t, 8*PAGE_SIZE)
	before := pmm.TotalFreePages()

	// Request one page more than exists: nothing may be taken.
	_, err := pmm.AllocPages(before+1, 0, 0)
	assert.Equal(t, ErrCodeNoMemory, ErrCode(err))
	assert.Equal(t, before, pmm.TotalFreePages())
	checkArenaInvariants(t, pmm)
}

func TestAllocPages_Zeroing(t *testing.T) {
	pmm := newTestPMM(t, 4*PAGE_SIZE)

	// Dirty a page through the kernel alias, free it, and reallocate:
	// the default path must hand it back zeroed.
	pages, err := pmm.AllocPages(1, 0, 0)
	require.NoError(t, err)
	pa := pages[0].Address()
	kva := pmm.PaddrToKvaddr(pa)
	require.NotNil(t, kva)
	kva[0] = 0xAA
	kva[PAGE_SIZE-1] = 0x55
	pmm.Free(pages)

	pages, err = pmm.AllocPages(4, 0, 0)
	require.NoError(t, err)
	kva = pmm.PaddrToKvaddr(pa)
	assert.Zero(t, kva[0])
	assert.Zero(t, kva[PAGE_SIZE-1])
	pmm.Free(pages)

	// NO_CLEAR leaves the dirt in place.
	kva[0] = 0xAA
	pages, err = pmm.AllocPages(4, PMM_ALLOC_FLAG_NO_CLEAR, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), kva[0])
	pmm.Free(pages)
}

func TestReservePages_Oversubscription(t *testing.T) {
	// Arenas totalling 100 pages; aggregate reservations can never
	// exceed capacity.
	pmm := newTestPMM(t, 50*PAGE_SIZE, 50*PAGE_SIZE)

	require.NoError(t, pmm.ReservePages(60))
	err := pmm.ReservePages(50)
	assert.Equal(t, ErrCodeNoMemory, ErrCode(err))
	require.NoError(t, pmm.ReservePages(40))

	// Full: not even one page.
	assert.Equal(t, ErrCodeNoMemory, ErrCode(pmm.ReservePages(1)))

	pmm.UnreservePages(60)
	require.NoError(t, pmm.ReservePages(60))

	pmm.UnreservePages(100)
	require.NoError(t, pmm.ReservePages(100))
	pmm.UnreservePages(100)
	checkArenaInvariants(t, pmm)
}

func TestReservePages_FailureChangesNothing(t *testing.T) {
	pmm := newTestPMM(t, 10*PAGE_SIZE)

	require.NoError(t, pmm.ReservePages(4))
	statsBefore := pmm.Stats()

	assert.Equal(t, ErrCodeNoMemory, ErrCode(pmm.ReservePages(7)))
	assert.Equal(t, statsBefore, pmm.Stats())
	pmm.UnreservePages(4)
}

func TestAlloc_ReservedDiscipline(t *testing.T) {
	pmm := newTestPMM(t, 10*PAGE_SIZE)
	require.NoError(t, pmm.ReservePages(6))

	// Only 4 unreserved pages remain for plain allocations.
	_, err := pmm.AllocPages(5, 0, 0)
	assert.Equal(t, ErrCodeNoMemory, ErrCode(err))

	pages, err := pmm.AllocPages(4, 0, 0)
	require.NoError(t, err)

	// Freeing restores the unreserved pool, not the reservation.
	pmm.Free(pages)
	st := pmm.Stats()[0]
	assert.Equal(t, uint64(10), st.FreePages)
	assert.Equal(t, uint64(6), st.ReservedPages)
	pmm.UnreservePages(6)
}

func TestAllocContiguous_Alignment(t *testing.T) {
	// Arena of 16 pages; 16KB-aligned 4-page runs.
	pmm := NewPMM(platform.Default(), testLogger())
	_, err := pmm.AddArena(ArenaSpec{
		Name: "contig", Base: 0x10000, Size: 0x10000,
		Flags: PMM_ARENA_FLAG_KMAP,
	})
	require.NoError(t, err)

	seen := map[uint64]bool{}
	for i := 0; i < 4; i++ {
		pa, pages, err := pmm.AllocContiguous(4, 14)
		require.NoError(t, err, "run %d", i)
		assert.Zero(t, pa&(1<<14-1), "base must have low 14 bits clear")
		assert.False(t, seen[pa])
		seen[pa] = true

		// The run is physically contiguous.
		for j, p := range pages {
			assert.Equal(t, pa+uint64(j)*PAGE_SIZE, p.Address())
		}
	}

	// All four aligned runs are gone.
	_, _, err = pmm.AllocContiguous(4, 14)
	assert.Equal(t, ErrCodeNoMemory, ErrCode(err))

	// Unaligned allocation still works on the remaining... nothing: the
	// arena is exactly full.
	_, err2 := pmm.AllocPages(1, 0, 0)
	assert.Equal(t, ErrCodeNoMemory, ErrCode(err2))
}

func TestAllocContiguous_ArenaNotAligned(t *testing.T) {
	// Arena base not on the requested boundary: the scan must start at
	// the first aligned address inside the arena.
	pmm := NewPMM(platform.Default(), testLogger())
	_, err := pmm.AddArena(ArenaSpec{
		Name: "skewed", Base: 0x11000, Size: 0x10000,
		Flags: PMM_ARENA_FLAG_KMAP,
	})
	require.NoError(t, err)

	pa, _, err := pmm.AllocContiguous(2, 14)
	require.NoError(t, err)
	assert.Zero(t, pa&(1<<14-1))
	assert.GreaterOrEqual(t, pa, uint64(0x14000))
}

func TestAllocRange_PartialClaim(t *testing.T) {
	pmm := newTestPMM(t, 8*PAGE_SIZE)
	base := pmm.Stats()[0].Base

	// Claim a page in the middle, then try to range-allocate across it.
	mid, got := pmm.AllocRange(base+2*PAGE_SIZE, 1)
	require.Equal(t, uint64(1), got)

	list, got := pmm.AllocRange(base, 4)
	assert.Equal(t, uint64(2), got, "collision stops the claim early")
	assert.Len(t, list, 2)
	assert.Equal(t, base, list[0].Address())
	assert.Equal(t, base+PAGE_SIZE, list[1].Address())

	pmm.Free(list)
	pmm.Free(mid)
	checkArenaInvariants(t, pmm)
}

func TestAllocRange_UnalignedAddress(t *testing.T) {
	pmm := newTestPMM(t, 4*PAGE_SIZE)
	base := pmm.Stats()[0].Base

	// The address is rounded down to its page.
	list, got := pmm.AllocRange(base+123, 1)
	require.Equal(t, uint64(1), got)
	assert.Equal(t, base, list[0].Address())
	pmm.Free(list)
}

func TestFree_DoubleFreePanics(t *testing.T) {
	pmm := newTestPMM(t, 4*PAGE_SIZE)
	pages, err := pmm.AllocPages(1, 0, 0)
	require.NoError(t, err)
	pmm.Free(pages)

	assert.Panics(t, func() {
		pmm.Free(pages)
	})
}

func TestPaddrToKvaddr(t *testing.T) {
	pmm := newTestPMM(t, 4*PAGE_SIZE)
	st := pmm.Stats()[0]

	kva := pmm.PaddrToKvaddr(st.Base + 100)
	require.NotNil(t, kva)
	assert.Len(t, kva, int(st.Size-100))

	assert.Nil(t, pmm.PaddrToKvaddr(0xdead0000))
}

func TestPageForAddress(t *testing.T) {
	pmm := newTestPMM(t, 4*PAGE_SIZE)
	base := pmm.Stats()[0].Base

	p := pmm.PageForAddress(base + PAGE_SIZE + 17)
	require.NotNil(t, p)
	assert.Equal(t, base+PAGE_SIZE, p.Address())

	assert.Nil(t, pmm.PageForAddress(0xdead0000))
}

func TestAllocKPages(t *testing.T) {
	pmm := newTestPMM(t, 8*PAGE_SIZE)

	kva, pages, err := pmm.AllocKPages(3)
	require.NoError(t, err)
	assert.Len(t, kva, 3*PAGE_SIZE)
	assert.Len(t, pages, 3)

	// Writes through the alias land in the pages' frames.
	kva[0] = 0x42
	assert.Equal(t, byte(0x42), pmm.PaddrToKvaddr(pages[0].Address())[0])

	pmm.FreeKPages(pages)
	checkArenaInvariants(t, pmm)
}

func TestAlloc_KMAPSkipsUnmappedArenas(t *testing.T) {
	pmm := NewPMM(platform.Default(), testLogger())

	// Higher-priority arena without a kernel alias, lower-priority with.
	_, err := pmm.AddArena(ArenaSpec{Name: "nomap", Base: 0x100000, Size: 4 * PAGE_SIZE, Priority: 0})
	require.NoError(t, err)
	mapped, err := pmm.AddArena(ArenaSpec{
		Name: "mapped", Base: 0x200000, Size: 4 * PAGE_SIZE, Priority: 1,
		Flags: PMM_ARENA_FLAG_KMAP,
	})
	require.NoError(t, err)

	pages, err := pmm.AllocPages(2, PMM_ALLOC_FLAG_KMAP|PMM_ALLOC_FLAG_NO_CLEAR, 0)
	require.NoError(t, err)
	for _, p := range pages {
		assert.Equal(t, mapped.Name(), p.Arena().Name())
	}
	pmm.Free(pages)
}
