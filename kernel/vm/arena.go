package vm

import (
	"github.com/bits-and-blooms/bitset"
)

// ArenaSpec describes a contiguous physical range to register with the
// PPM. Reservations are in bytes and are rounded up to whole pages.
type ArenaSpec struct {
	Name           string
	Base           uint64
	Size           uint64
	Priority       uint
	Flags          ArenaFlags
	ReserveAtStart uint64
	ReserveAtEnd   uint64
}

// Arena is one registered physical range: an immutable descriptor, the
// page array backing it, free accounting, and (for KMAP arenas) a kernel
// alias used to zero pages. Mutable state is protected by the PMM lock.
type Arena struct {
	name     string
	base     uint64
	size     uint64
	priority uint
	flags    ArenaFlags

	pages []Page

	// freeSet has one bit per frame; set means free. It doubles as the
	// free list (lowest frame first) and the substrate for contiguous-run
	// scans.
	freeSet       *bitset.BitSet
	freeCount     uint64
	reservedCount uint64

	// backing is the kernel alias; non-nil iff PMM_ARENA_FLAG_KMAP.
	backing []byte
}

func (a *Arena) Name() string      { return a.name }
func (a *Arena) Base() uint64      { return a.base }
func (a *Arena) Size() uint64      { return a.size }
func (a *Arena) Priority() uint    { return a.priority }
func (a *Arena) Flags() ArenaFlags { return a.flags }

// PageCount returns the number of frames in the arena.
func (a *Arena) PageCount() uint64 {
	return a.size / PAGE_SIZE
}

// FreeCount returns the number of free pages. Read under the PMM lock for
// a consistent value.
func (a *Arena) FreeCount() uint64 {
	return a.freeCount
}

// ReservedCount returns the number of reserved-but-unallocated pages.
func (a *Arena) ReservedCount() uint64 {
	return a.reservedCount
}

func (a *Arena) containsAddr(pa uint64) bool {
	return pa >= a.base && pa <= a.base+a.size-1
}

func (a *Arena) page(index uint64) *Page {
	return &a.pages[index]
}

// kvaddrOf returns the kernel-alias window for one frame, nil if the arena
// has no alias.
func (a *Arena) kvaddrOf(index uint64) []byte {
	if a.backing == nil {
		return nil
	}
	off := index * PAGE_SIZE
	return a.backing[off : off+PAGE_SIZE]
}

// initPageArray builds the page records and the free set, skipping
// reserved leading and trailing page ranges.
func (a *Arena) initPageArray(reservedAtStart, reservedAtEnd uint64) {
	count := a.PageCount()
	a.pages = make([]Page, count)
	a.freeSet = bitset.New(uint(count))
	a.freeCount = 0
	a.reservedCount = 0

	for i := uint64(0); i < count; i++ {
		p := &a.pages[i]
		p.arena = a
		p.index = uint32(i)

		if i < reservedAtStart || i >= count-reservedAtEnd {
			p.flags |= VM_PAGE_FLAG_NONFREE
			continue
		}
		a.freeSet.Set(uint(i))
		a.freeCount++
	}
}

// lowestFree returns the lowest free frame index.
func (a *Arena) lowestFree() (uint64, bool) {
	idx, ok := a.freeSet.NextSet(0)
	return uint64(idx), ok
}

// findFreeRun scans for count consecutive free frames whose physical base
// satisfies the alignment. The scan starts at alignment boundaries
// relative to the arena base, so arenas not themselves aligned on the
// requested boundary are handled. Returns the starting frame index.
func (a *Arena) findFreeRun(count uint64, alignLog2 uint8) (uint64, bool) {
	if alignLog2 < PAGE_SIZE_SHIFT {
		alignLog2 = PAGE_SIZE_SHIFT
	}

	align := uint64(1) << alignLog2
	roundedBase := roundUp(a.base, align)
	if roundedBase < a.base || roundedBase > a.base+a.size-1 {
		return 0, false
	}

	alignedOffset := (roundedBase - a.base) / PAGE_SIZE
	alignPages := uint64(1) << (alignLog2 - PAGE_SIZE_SHIFT)
	pageCount := a.PageCount()

	start := alignedOffset
retry:
	for start < pageCount && start+count <= pageCount {
		for i := uint64(0); i < count; i++ {
			if !a.freeSet.Test(uint(start + i)) {
				// Run is broken; restart at the next alignment boundary
				// past the busy frame.
				start = roundUp(start-alignedOffset+i+1, alignPages) + alignedOffset
				continue retry
			}
		}
		return start, true
	}
	return 0, false
}

// takeFrame removes one frame from the free set and marks it allocated.
// Caller holds the PMM lock and has performed the reservation checks.
func (a *Arena) takeFrame(index uint64, fromReserved bool) *Page {
	p := &a.pages[index]
	if !a.freeSet.Test(uint(index)) || !p.isFree() {
		panic("vm: taking non-free page")
	}
	a.freeSet.Clear(uint(index))
	a.freeCount--
	if fromReserved {
		a.reservedCount--
		p.flags |= VM_PAGE_FLAG_RESERVED
	}
	p.flags |= VM_PAGE_FLAG_NONFREE
	return p
}

// returnFrame puts a frame back on the free set, restoring the reserved
// counter for pages drawn from the reservation pool.
func (a *Arena) returnFrame(p *Page) {
	if p.isFree() {
		panic("vm: freeing page that is already free")
	}
	p.flags &^= VM_PAGE_FLAG_NONFREE
	a.freeSet.Set(uint(p.index))
	a.freeCount++
	if p.flags&VM_PAGE_FLAG_RESERVED != 0 {
		a.reservedCount++
		p.flags &^= VM_PAGE_FLAG_RESERVED
	}
}

// AddrRange is a half-open physical range [Start, End).
type AddrRange struct {
	Start uint64
	End   uint64
}

// freeRanges collapses the free set into contiguous physical ranges, for
// diagnostics. Caller holds the PMM lock.
func (a *Arena) freeRanges() []AddrRange {
	var out []AddrRange
	pageCount := uint(a.PageCount())

	for i, ok := a.freeSet.NextSet(0); ok && i < pageCount; {
		runStart := i
		for i < pageCount && a.freeSet.Test(i) {
			i++
		}
		out = append(out, AddrRange{
			Start: a.base + uint64(runStart)*PAGE_SIZE,
			End:   a.base + uint64(i)*PAGE_SIZE,
		})
		i, ok = a.freeSet.NextSet(i)
	}
	return out
}
