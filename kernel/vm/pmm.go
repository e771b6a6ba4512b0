package vm

import (
	"sync"
	"unsafe"

	"github.com/nmxmxh/tinos/kernel/platform"
	"github.com/nmxmxh/tinos/kernel/utils"
)

// PMM owns all physical RAM. Arenas are kept in ascending priority order
// and allocators walk that order. One mutex protects arena free sets,
// counters, and the arena list; a separate lock guards the read-only
// paddr-to-kvaddr translation so it stays callable from interrupt-disabled
// contexts.
type PMM struct {
	mu     sync.Mutex
	auxMu  sync.Mutex
	arenas []*Arena

	plat   *platform.Platform
	logger *utils.Logger
}

// NewPMM creates an empty physical page manager.
func NewPMM(plat *platform.Platform, logger *utils.Logger) *PMM {
	if plat == nil {
		plat = platform.Default()
	}
	if logger == nil {
		logger = utils.DefaultLogger("pmm")
	}
	return &PMM{plat: plat, logger: logger}
}

// insertArenaLocked adds an arena in ascending priority order.
func (pmm *PMM) insertArenaLocked(arena *Arena) {
	for i, a := range pmm.arenas {
		if a.priority > arena.priority {
			pmm.arenas = append(pmm.arenas, nil)
			copy(pmm.arenas[i+1:], pmm.arenas[i:])
			pmm.arenas[i] = arena
			return
		}
	}
	pmm.arenas = append(pmm.arenas, arena)
}

// AddArena registers a contiguous physical range. KMAP arenas get a
// kernel alias from the platform boot allocator so the PPM can zero
// pages. Leading and trailing reservations (in bytes, rounded up to whole
// pages) are marked allocated and never enter the free set.
func (pmm *PMM) AddArena(spec ArenaSpec) (*Arena, error) {
	if spec.Size == 0 {
		return nil, ErrInvalidArgs("arena size is zero")
	}
	if !isPageAligned(spec.Base) || !isPageAligned(spec.Size) {
		return nil, ErrInvalidArgs("arena base/size not page aligned")
	}

	reserveStart := roundUp(spec.ReserveAtStart, PAGE_SIZE) / PAGE_SIZE
	reserveEnd := roundUp(spec.ReserveAtEnd, PAGE_SIZE) / PAGE_SIZE
	pageCount := spec.Size / PAGE_SIZE
	if reserveStart+reserveEnd > pageCount {
		return nil, ErrInvalidArgs("arena reservations do not fit")
	}

	arena := &Arena{
		name:     spec.Name,
		base:     spec.Base,
		size:     spec.Size,
		priority: spec.Priority,
		flags:    spec.Flags,
	}
	if spec.Flags&PMM_ARENA_FLAG_KMAP != 0 {
		arena.backing = pmm.plat.BootAlloc(spec.Size)
	}
	arena.initPageArray(reserveStart, reserveEnd)

	pmm.mu.Lock()
	pmm.auxMu.Lock()
	pmm.insertArenaLocked(arena)
	pmm.auxMu.Unlock()
	pmm.mu.Unlock()

	pmm.logger.Info("arena registered",
		utils.String("name", arena.name),
		utils.Uint64("base", arena.base),
		utils.Uint64("size", arena.size),
		utils.Uint64("free_pages", arena.freeCount),
	)
	return arena, nil
}

// pageRecordSize is the accounting footprint of one page record when the
// page table is carved out of the arena itself.
const pageRecordSize = uint64(unsafe.Sizeof(Page{}))

// AddArenaLate registers an arena after boot, placing its page table
// inside the arena (past the leading reservation). Fails if the
// reservations plus the page table do not fit.
func (pmm *PMM) AddArenaLate(spec ArenaSpec) (*Arena, error) {
	if spec.Size == 0 {
		return nil, ErrInvalidArgs("arena size is zero")
	}
	if !isPageAligned(spec.Base) || !isPageAligned(spec.Size) {
		return nil, ErrInvalidArgs("arena base/size not page aligned")
	}

	pageCount := spec.Size / PAGE_SIZE

	// The page table lands right after the leading reservation and the
	// whole prefix is rounded to a page boundary.
	reserveStart := spec.ReserveAtStart + pageCount*pageRecordSize
	if roundUp(reserveStart, PAGE_SIZE)+roundUp(spec.ReserveAtEnd, PAGE_SIZE) > spec.Size {
		return nil, ErrInvalidArgs("arena reservations do not fit")
	}

	arena := &Arena{
		name:     spec.Name,
		base:     spec.Base,
		size:     spec.Size,
		priority: spec.Priority,
		flags:    spec.Flags | PMM_ARENA_FLAG_KMAP,
	}
	arena.backing = pmm.plat.BootAlloc(spec.Size)
	arena.initPageArray(
		roundUp(reserveStart, PAGE_SIZE)/PAGE_SIZE,
		roundUp(spec.ReserveAtEnd, PAGE_SIZE)/PAGE_SIZE,
	)

	pmm.mu.Lock()
	pmm.auxMu.Lock()
	pmm.insertArenaLocked(arena)
	pmm.auxMu.Unlock()
	pmm.mu.Unlock()

	return arena, nil
}

// PaddrToKvaddr returns the kernel-alias bytes for pa through the end of
// its arena, nil if no KMAP arena covers pa. Safe to call from
// interrupt-disabled contexts; it takes only the aux lock.
func (pmm *PMM) PaddrToKvaddr(pa uint64) []byte {
	pmm.auxMu.Lock()
	defer pmm.auxMu.Unlock()

	for _, a := range pmm.arenas {
		if a.backing != nil && a.containsAddr(pa) {
			return a.backing[pa-a.base:]
		}
	}
	return nil
}

// PageForAddress returns the page record covering pa, nil if no arena
// contains it.
func (pmm *PMM) PageForAddress(pa uint64) *Page {
	pmm.mu.Lock()
	defer pmm.mu.Unlock()

	for _, a := range pmm.arenas {
		if a.containsAddr(pa) {
			return a.page((pa - a.base) / PAGE_SIZE)
		}
	}
	return nil
}

// clearPage zeroes a page through its arena's kernel alias.
func clearPage(p *Page) {
	kva := p.arena.kvaddrOf(uint64(p.index))
	if kva == nil {
		panic("vm: clearing page in arena without kernel alias")
	}
	for i := range kva {
		kva[i] = 0
	}
}

// checkAvailablePagesLocked walks the arenas in priority order counting
// unreserved free pages; when reserve is set it also commits the
// reservation. Returns the shortfall.
func (pmm *PMM) checkAvailablePagesLocked(count uint64, reserve bool) uint64 {
	for _, a := range pmm.arenas {
		if a.freeCount < a.reservedCount {
			panic("vm: arena free count below reserved count")
		}
		available := a.freeCount - a.reservedCount
		if available == 0 {
			continue
		}
		take := count
		if take > available {
			take = available
		}
		count -= take
		if reserve {
			a.reservedCount += take
		}
		if count == 0 {
			break
		}
	}
	return count
}

// ReservePages reserves count pages across all arenas, or reserves
// nothing and fails. Reserved pages can only be allocated with
// PMM_ALLOC_FLAG_FROM_RESERVED.
func (pmm *PMM) ReservePages(count uint64) error {
	pmm.mu.Lock()
	defer pmm.mu.Unlock()

	if pmm.checkAvailablePagesLocked(count, false) != 0 {
		return ErrNoMemory("page reservation").WithContext("count", count)
	}
	pmm.checkAvailablePagesLocked(count, true)
	return nil
}

// UnreservePages returns count previously reserved pages to general
// availability.
func (pmm *PMM) UnreservePages(count uint64) {
	pmm.mu.Lock()
	defer pmm.mu.Unlock()

	for _, a := range pmm.arenas {
		take := count
		if take > a.reservedCount {
			take = a.reservedCount
		}
		count -= take
		a.reservedCount -= take
		if count == 0 {
			return
		}
	}
	if count != 0 {
		panic("vm: unreserving more pages than reserved")
	}
}

// allocPagesLocked implements the allocation walk. It accumulates pages
// into a transient list and either satisfies the whole request or rolls
// the transient list back and fails, leaving every counter unchanged.
func (pmm *PMM) allocPagesLocked(count uint64, flags PMMAllocFlags, alignLog2 uint8) (PageList, error) {
	if alignLog2 != 0 && flags&PMM_ALLOC_FLAG_CONTIGUOUS == 0 {
		panic("vm: alignment requires PMM_ALLOC_FLAG_CONTIGUOUS")
	}

	if flags&PMM_ALLOC_FLAG_CONTIGUOUS != 0 && count == 1 && alignLog2 <= PAGE_SIZE_SHIFT {
		// The free-run scan is slow; skip it when any page will do.
		flags &^= PMM_ALLOC_FLAG_CONTIGUOUS
	}

	var tmp PageList
	allocated := uint64(0)

	for _, a := range pmm.arenas {
		if a.freeCount < a.reservedCount {
			panic("vm: arena free count below reserved count")
		}
		if flags&PMM_ALLOC_FLAG_KMAP != 0 && a.flags&PMM_ARENA_FLAG_KMAP == 0 {
			// Caller wants mapped pages but this arena has no alias.
			continue
		}

		var runNext uint64
		if flags&PMM_ALLOC_FLAG_CONTIGUOUS != 0 {
			start, ok := a.findFreeRun(count, alignLog2)
			if !ok {
				continue
			}
			runNext = start
		}

		for allocated < count {
			fromReserved := flags&PMM_ALLOC_FLAG_FROM_RESERVED != 0
			if fromReserved {
				if a.reservedCount == 0 {
					pmm.logger.Debug("no more reserved pages in arena",
						utils.String("arena", a.name))
					break
				}
			} else if a.freeCount <= a.reservedCount {
				pmm.logger.Debug("all pages reserved or used",
					utils.String("arena", a.name))
				break
			}

			var index uint64
			if flags&PMM_ALLOC_FLAG_CONTIGUOUS != 0 {
				index = runNext
				runNext++
			} else {
				var ok bool
				index, ok = a.lowestFree()
				if !ok {
					break
				}
			}

			page := a.takeFrame(index, fromReserved)

			// NO_CLEAR leaves zeroing to the caller; the memory object
			// records that the pages still need clearing.
			if flags&PMM_ALLOC_FLAG_NO_CLEAR == 0 {
				clearPage(page)
			}

			tmp = append(tmp, page)
			allocated++
		}

		if allocated == count {
			break
		}
	}

	if allocated != count {
		pmm.freeListLocked(tmp)
		return nil, ErrNoMemory("page allocation").
			WithContext("requested", count).
			WithContext("allocated", allocated)
	}
	return tmp, nil
}

// AllocPages allocates count pages and returns them as a list. The
// request either fully succeeds or fails with no pages taken.
func (pmm *PMM) AllocPages(count uint64, flags PMMAllocFlags, alignLog2 uint8) (PageList, error) {
	if count == 0 {
		return nil, ErrInvalidArgs("page count is zero")
	}
	pmm.mu.Lock()
	defer pmm.mu.Unlock()
	return pmm.allocPagesLocked(count, flags, alignLog2)
}

// Alloc allocates count pages wrapped in a memory object.
func (pmm *PMM) Alloc(count uint64, flags PMMAllocFlags, alignLog2 uint8) (*PagedObject, error) {
	return pmm.AllocFromResGroup(nil, count, flags, alignLog2)
}

// AllocFromResGroup allocates count pages wrapped in a memory object,
// charging them to rg. rg and PMM_ALLOC_FLAG_FROM_RESERVED imply each
// other. The object holds a group reference until destroyed.
func (pmm *PMM) AllocFromResGroup(rg *ResGroup, count uint64, flags PMMAllocFlags, alignLog2 uint8) (*PagedObject, error) {
	if count == 0 {
		return nil, ErrInvalidArgs("page count is zero")
	}
	if flags&PMM_ALLOC_FLAG_FROM_RESERVED != 0 && rg == nil {
		return nil, ErrInvalidArgs("FROM_RESERVED without a resource group")
	}
	if rg != nil && flags&PMM_ALLOC_FLAG_FROM_RESERVED == 0 {
		return nil, ErrInvalidArgs("resource group without FROM_RESERVED")
	}

	if rg != nil {
		if err := rg.Take(count); err != nil {
			return nil, err
		}
	}

	obj := newPagedObject(pmm, count, flags)

	pmm.mu.Lock()
	pages, err := pmm.allocPagesLocked(count, flags, alignLog2)
	pmm.mu.Unlock()

	if err != nil {
		if rg != nil {
			rg.Release(count)
		}
		return nil, err
	}

	obj.adoptPages(pages)
	if rg != nil {
		rg.Retain()
		obj.resGroup = rg
		obj.usedPages = count
	}
	return obj, nil
}

// AllocContiguous finds a physically contiguous aligned run in a
// kernel-mapped arena. Returns the base address and the pages.
func (pmm *PMM) AllocContiguous(count uint64, alignLog2 uint8) (uint64, PageList, error) {
	if count == 0 {
		return 0, nil, ErrInvalidArgs("page count is zero")
	}
	if alignLog2 < PAGE_SIZE_SHIFT {
		alignLog2 = PAGE_SIZE_SHIFT
	}

	pmm.mu.Lock()
	pages, err := pmm.allocPagesLocked(count,
		PMM_ALLOC_FLAG_KMAP|PMM_ALLOC_FLAG_CONTIGUOUS, alignLog2)
	pmm.mu.Unlock()
	if err != nil {
		return 0, nil, err
	}
	return pages[0].Address(), pages, nil
}

// AllocRange claims the specific physical pages starting at address.
// Returns the pages actually claimed, which may be fewer than requested
// if the range crosses an allocated page or leaves all arenas.
func (pmm *PMM) AllocRange(address uint64, count uint64) (PageList, uint64) {
	if count == 0 {
		return nil, 0
	}
	address = roundDown(address, PAGE_SIZE)

	pmm.mu.Lock()
	defer pmm.mu.Unlock()

	var list PageList
	allocated := uint64(0)

	for _, a := range pmm.arenas {
		for allocated < count && a.containsAddr(address) {
			if a.freeCount <= a.reservedCount {
				break
			}
			index := (address - a.base) / PAGE_SIZE
			if !a.pages[index].isFree() {
				break
			}
			list = append(list, a.takeFrame(index, false))
			allocated++
			address += PAGE_SIZE
		}
		if allocated == count {
			break
		}
	}
	return list, allocated
}

// freeListLocked returns pages to their owning arenas.
func (pmm *PMM) freeListLocked(list PageList) uint64 {
	count := uint64(0)
	for _, p := range list {
		p.arena.returnFrame(p)
		count++
	}
	return count
}

// Free returns a page list to the PPM. Every page must currently be
// allocated; freeing a free page is a fatal consistency violation.
func (pmm *PMM) Free(list PageList) uint64 {
	pmm.mu.Lock()
	defer pmm.mu.Unlock()
	return pmm.freeListLocked(list)
}

// FreePage returns a single page.
func (pmm *PMM) FreePage(p *Page) uint64 {
	return pmm.Free(PageList{p})
}

// AllocKPages allocates a physically contiguous run from a kernel-mapped
// arena and returns its kernel-alias bytes alongside the pages.
func (pmm *PMM) AllocKPages(count uint64) ([]byte, PageList, error) {
	pa, pages, err := pmm.AllocContiguous(count, PAGE_SIZE_SHIFT)
	if err != nil {
		return nil, nil, err
	}
	kva := pmm.PaddrToKvaddr(pa)
	if kva == nil {
		panic("vm: contiguous KMAP run has no kernel alias")
	}
	return kva[:count*PAGE_SIZE], pages, nil
}

// FreeKPages returns pages obtained from AllocKPages.
func (pmm *PMM) FreeKPages(list PageList) uint64 {
	return pmm.Free(list)
}

// ArenaStats is a consistent snapshot of one arena's accounting.
type ArenaStats struct {
	Name          string
	Base          uint64
	Size          uint64
	Priority      uint
	Flags         ArenaFlags
	TotalPages    uint64
	FreePages     uint64
	ReservedPages uint64
	FreeRanges    []AddrRange
}

// Stats snapshots every arena in priority order.
func (pmm *PMM) Stats() []ArenaStats {
	pmm.mu.Lock()
	defer pmm.mu.Unlock()

	out := make([]ArenaStats, 0, len(pmm.arenas))
	for _, a := range pmm.arenas {
		out = append(out, ArenaStats{
			Name:          a.name,
			Base:          a.base,
			Size:          a.size,
			Priority:      a.priority,
			Flags:         a.flags,
			TotalPages:    a.PageCount(),
			FreePages:     a.freeCount,
			ReservedPages: a.reservedCount,
			FreeRanges:    a.freeRanges(),
		})
	}
	return out
}

// TotalFreePages sums free pages across arenas.
func (pmm *PMM) TotalFreePages() uint64 {
	pmm.mu.Lock()
	defer pmm.mu.Unlock()

	total := uint64(0)
	for _, a := range pmm.arenas {
		total += a.freeCount
	}
	return total
}
