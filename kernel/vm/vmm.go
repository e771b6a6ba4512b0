package vm

import (
	"sync"

	"github.com/nmxmxh/tinos/kernel/arch"
	"github.com/nmxmxh/tinos/kernel/platform"
	"github.com/nmxmxh/tinos/kernel/utils"
	"github.com/nmxmxh/tinos/kernel/vm/bst"
)

// Default address-space windows. Tests usually supply a small Layout of
// their own instead.
const (
	KERNEL_ASPACE_BASE = 0xffff000000000000
	KERNEL_ASPACE_SIZE = 1 << 32
	USER_ASPACE_BASE   = 0x1000000
	USER_ASPACE_SIZE   = 1 << 36
)

// Region is a contiguous half-open virtual range inside an aspace: either
// an address reservation or a mapped range owning its backing pages. It
// lives in its aspace's base-ordered region tree from creation until an
// explicit free.
type Region struct {
	node bst.Node[*Region]

	name         string
	base         uint64
	size         uint64
	flags        RegionFlags
	archMMUFlags arch.MMUFlags
	pageList     PageList
}

func (r *Region) Name() string                { return r.name }
func (r *Region) Base() uint64                { return r.base }
func (r *Region) Size() uint64                { return r.size }
func (r *Region) Flags() RegionFlags          { return r.flags }
func (r *Region) ArchMMUFlags() arch.MMUFlags { return r.archMMUFlags }

func newRegion(name string, base, size uint64, flags RegionFlags, mmuFlags arch.MMUFlags) *Region {
	r := &Region{
		name:         name,
		base:         base,
		size:         size,
		flags:        flags,
		archMMUFlags: mmuFlags,
	}
	r.node.Item = r
	return r
}

// rangeContainsRange reports whether [rangeBase, rangeBase+rangeSize)
// fully contains [queryBase, queryBase+querySize), with wrap checks.
func rangeContainsRange(rangeBase, rangeSize, queryBase, querySize uint64) bool {
	if rangeSize == 0 || querySize == 0 {
		panic("vm: empty range in containment check")
	}
	rangeLast, ovf1 := addOverflows(rangeBase, rangeSize-1)
	queryLast, ovf2 := addOverflows(queryBase, querySize-1)
	if ovf1 || ovf2 {
		panic("vm: range wraps the address space")
	}
	return rangeBase <= queryBase && queryLast <= rangeLast
}

func (r *Region) contains(vaddr uint64) bool {
	return rangeContainsRange(r.base, r.size, vaddr, 1)
}

func (r *Region) containsRange(vaddr, size uint64) bool {
	return rangeContainsRange(r.base, r.size, vaddr, size)
}

// Aspace is one virtual address space: the kernel singleton or a user
// aspace. Regions are kept in a base-ordered tree, pairwise disjoint and
// contained in [base, base+size). The tree is protected by the VMM lock.
type Aspace struct {
	name    string
	base    uint64
	size    uint64
	flags   AspaceFlags
	regions *bst.Tree[*Region]
	arch    arch.Aspace

	inList bool
}

func (as *Aspace) Name() string       { return as.name }
func (as *Aspace) Base() uint64       { return as.base }
func (as *Aspace) Size() uint64       { return as.size }
func (as *Aspace) Flags() AspaceFlags { return as.flags }

// Arch exposes the architecture half for collaborators and tests.
func (as *Aspace) Arch() arch.Aspace { return as.arch }

func (as *Aspace) containsVaddr(vaddr uint64) bool {
	return rangeContainsRange(as.base, as.size, vaddr, 1)
}

func (as *Aspace) containsRange(vaddr, size uint64) bool {
	return rangeContainsRange(as.base, as.size, vaddr, size)
}

// trimToAspace clamps size so [vaddr, vaddr+size) stays inside the
// aspace. vaddr must already be inside.
func (as *Aspace) trimToAspace(vaddr, size uint64) uint64 {
	if size == 0 {
		return 0
	}
	offset := vaddr - as.base
	if offset+size < offset {
		size = ^uint64(0) - offset - 1
	}
	if offset+size >= as.size-1 {
		size = as.size - offset
	}
	return size
}

func regionLess(a, b *Region) bool {
	return a.base < b.base
}

// Thread is the scheduler-side stand-in the VM core needs: a current
// aspace pointer guarded by the thread lock.
type Thread struct {
	mu     sync.Mutex
	aspace *Aspace
}

// Aspace returns the thread's current aspace.
func (t *Thread) Aspace() *Aspace {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aspace
}

// Layout sets the kernel and user address-space windows.
type Layout struct {
	KernelBase uint64
	KernelSize uint64
	UserBase   uint64
	UserSize   uint64
}

// DefaultLayout returns the stock windows.
func DefaultLayout() Layout {
	return Layout{
		KernelBase: KERNEL_ASPACE_BASE,
		KernelSize: KERNEL_ASPACE_SIZE,
		UserBase:   USER_ASPACE_BASE,
		UserSize:   USER_ASPACE_SIZE,
	}
}

// Config assembles a VMM.
type Config struct {
	MMU      arch.MMU
	PMM      *PMM
	Platform *platform.Platform
	Logger   *utils.Logger
	Layout   Layout
	ASLR     bool
}

// VMM is the virtual address-space manager. One mutex protects the aspace
// list and every region tree.
type VMM struct {
	mu sync.Mutex

	mmu    arch.MMU
	pmm    *PMM
	plat   *platform.Platform
	logger *utils.Logger
	layout Layout
	aslr   bool

	aspaces []*Aspace
	kernel  *Aspace
	current *Thread
}

// NewVMM builds a VMM. InitPreheap must run before the kernel aspace is
// used.
func NewVMM(cfg Config) *VMM {
	if cfg.MMU == nil {
		panic("vm: VMM requires an MMU bridge")
	}
	if cfg.PMM == nil {
		panic("vm: VMM requires a PMM")
	}
	if cfg.Platform == nil {
		cfg.Platform = platform.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("vmm")
	}
	if cfg.Layout == (Layout{}) {
		cfg.Layout = DefaultLayout()
	}
	return &VMM{
		mmu:    cfg.MMU,
		pmm:    cfg.PMM,
		plat:   cfg.Platform,
		logger: cfg.Logger,
		layout: cfg.Layout,
		aslr:   cfg.ASLR,
	}
}

// InitPreheap creates the kernel aspace singleton and registers it.
func (v *VMM) InitPreheap() (*Aspace, error) {
	archAs, err := v.mmu.InitAspace(v.layout.KernelBase, v.layout.KernelSize,
		arch.ARCH_ASPACE_FLAG_KERNEL)
	if err != nil {
		return nil, WrapVMError(ErrCodeGeneric, "arch kernel aspace init", err)
	}

	as := &Aspace{
		name:    "kernel",
		base:    v.layout.KernelBase,
		size:    v.layout.KernelSize,
		flags:   VMM_ASPACE_FLAG_KERNEL,
		regions: bst.New(regionLess),
		arch:    archAs,
	}

	v.mu.Lock()
	as.inList = true
	v.aspaces = append([]*Aspace{as}, v.aspaces...)
	v.kernel = as
	v.mu.Unlock()

	return as, nil
}

// KernelAspace returns the kernel aspace singleton.
func (v *VMM) KernelAspace() *Aspace {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.kernel
}

// SetCurrentThread installs the scheduler's current-thread handle.
func (v *VMM) SetCurrentThread(t *Thread) {
	v.mu.Lock()
	v.current = t
	v.mu.Unlock()
}

// CurrentThread returns the installed thread handle.
func (v *VMM) CurrentThread() *Thread {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// CreateAspace creates a user (or kernel-flagged) aspace and adds it to
// the global list.
func (v *VMM) CreateAspace(name string, flags AspaceFlags) (*Aspace, error) {
	if name == "" {
		name = "unnamed"
	}

	var base, size uint64
	var archFlags arch.AspaceFlags
	if flags&VMM_ASPACE_FLAG_KERNEL != 0 {
		base = v.layout.KernelBase
		size = v.layout.KernelSize
		archFlags = arch.ARCH_ASPACE_FLAG_KERNEL
	} else {
		base = v.layout.UserBase
		size = v.layout.UserSize
	}

	archAs, err := v.mmu.InitAspace(base, size, archFlags)
	if err != nil {
		return nil, WrapVMError(ErrCodeGeneric, "arch aspace init", err)
	}

	as := &Aspace{
		name:    name,
		base:    base,
		size:    size,
		flags:   flags,
		regions: bst.New(regionLess),
		arch:    archAs,
	}

	v.mu.Lock()
	as.inList = true
	v.aspaces = append([]*Aspace{as}, v.aspaces...)
	v.mu.Unlock()

	return as, nil
}

// FreeAspace tears an aspace down: unlinks every region and its mappings
// under the VMM lock, clears the current thread's aspace pointer if it
// points here, then releases pages and arch state outside the lock.
func (v *VMM) FreeAspace(as *Aspace) error {
	if as == nil {
		return ErrInvalidArgs("nil aspace")
	}

	v.mu.Lock()
	if !as.inList {
		v.mu.Unlock()
		return ErrInvalidArgs("aspace not registered")
	}
	for i, other := range v.aspaces {
		if other == as {
			v.aspaces = append(v.aspaces[:i], v.aspaces[i+1:]...)
			break
		}
	}
	as.inList = false
	if v.kernel == as {
		v.kernel = nil
	}

	var regions []*Region
	for !as.regions.Empty() {
		n := as.regions.First()
		r := n.Item
		as.regions.Delete(n)
		regions = append(regions, r)

		if err := as.arch.Unmap(r.base, uint(r.size/PAGE_SIZE)); err != nil {
			v.logger.Warn("unmap failed during aspace teardown",
				utils.String("region", r.name), utils.Err(err))
		}
	}

	// The thread lock is a leaf taken here while the VMM lock is held.
	// This order is asymmetric with other paths but safe: nothing under
	// the thread lock ever acquires the VMM lock.
	t := v.current
	if t != nil {
		t.mu.Lock()
		if t.aspace == as {
			t.aspace = nil
			v.contextSwitchLocked(nil)
		}
		t.mu.Unlock()
	}
	v.mu.Unlock()

	// Release the pages without the VMM lock held.
	for _, r := range regions {
		if len(r.pageList) > 0 {
			v.pmm.Free(r.pageList)
			r.pageList = nil
		}
	}

	as.arch.Destroy()
	return nil
}

// SetActiveAspace switches the current thread to aspace (nil for none)
// under the thread lock.
func (v *VMM) SetActiveAspace(as *Aspace) {
	t := v.CurrentThread()
	if t == nil {
		panic("vm: SetActiveAspace without a current thread")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.aspace == as {
		return
	}
	t.aspace = as
	v.contextSwitchLocked(as)
}

// contextSwitchLocked activates next's arch aspace. Callers hold the
// thread lock.
func (v *VMM) contextSwitchLocked(next *Aspace) {
	if next == nil {
		v.mmu.ContextSwitch(nil)
		return
	}
	v.mmu.ContextSwitch(next.arch)
}

// findRegionLocked returns the region containing vaddr, nil if none.
func (as *Aspace) findRegionLocked(vaddr uint64) *Region {
	n := as.regions.Floor(func(r *Region) int {
		switch {
		case vaddr < r.base:
			return -1
		case vaddr > r.base:
			return 1
		default:
			return 0
		}
	})
	if n == nil {
		return nil
	}
	if r := n.Item; r.contains(vaddr) {
		return r
	}
	return nil
}

// FindRegion returns the region containing vaddr, nil if none.
func (v *VMM) FindRegion(as *Aspace, vaddr uint64) *Region {
	if as == nil {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return as.findRegionLocked(vaddr)
}

// addRegionToAspace inserts r into the region tree after checking that it
// fits inside the aspace and overlaps nothing.
func (v *VMM) addRegionToAspace(as *Aspace, r *Region) error {
	if r.size == 0 || !as.containsRange(r.base, r.size) {
		return ErrOutOfRange(r.base)
	}

	rEnd := r.base + r.size - 1

	prev := as.regions.Floor(func(other *Region) int {
		if r.base < other.base {
			return -1
		}
		return 1
	})
	if prev != nil {
		p := prev.Item
		if r.base <= p.base+p.size-1 {
			return ErrNoMemory("region overlap").WithContext("base", r.base)
		}
	}

	var next *bst.Node[*Region]
	if prev != nil {
		next = as.regions.Next(prev)
	} else {
		next = as.regions.First()
	}
	if next != nil && rEnd >= next.Item.base {
		return ErrNoMemory("region overlap").WithContext("base", r.base)
	}

	as.regions.Insert(&r.node)
	return nil
}

// allocRegion builds a region and links it into the aspace, picking a
// spot unless the caller pinned one. Callers hold the VMM lock.
func (v *VMM) allocRegion(as *Aspace, name string, size, vaddr uint64,
	alignPow2 uint8, vmmFlags VMMFlags, regionFlags RegionFlags,
	mmuFlags arch.MMUFlags) (*Region, error) {

	r := newRegion(name, vaddr, size, regionFlags, mmuFlags)

	if vmmFlags&VMM_FLAG_VALLOC_SPECIFIC != 0 {
		if err := v.addRegionToAspace(as, r); err != nil {
			return nil, err
		}
		return r, nil
	}

	spot, ok := v.allocSpot(as, size, alignPow2, mmuFlags)
	if !ok {
		return nil, ErrNoMemory("no spot in aspace").WithContext("size", size)
	}
	r.base = spot

	if err := v.addRegionToAspace(as, r); err != nil {
		// allocSpot promised the range is free.
		panic("vm: allocated spot collides with existing region")
	}
	return r, nil
}

// ReserveSpace creates an address reservation at a caller-chosen spot.
// The existing mapping attributes at vaddr are recorded on the region.
func (v *VMM) ReserveSpace(as *Aspace, name string, size, vaddr uint64) error {
	if as == nil {
		return ErrInvalidArgs("nil aspace")
	}
	if size == 0 {
		return nil
	}
	if !isPageAligned(vaddr) || !isPageAligned(size) {
		return ErrInvalidArgs("vaddr/size not page aligned")
	}
	if !as.containsVaddr(vaddr) {
		return ErrOutOfRange(vaddr)
	}

	size = as.trimToAspace(vaddr, size)

	v.mu.Lock()
	defer v.mu.Unlock()

	// Record how the range is currently mapped.
	var mmuFlags arch.MMUFlags
	if _, f, err := as.arch.Query(vaddr); err == nil {
		mmuFlags = f
	}

	_, err := v.allocRegion(as, name, size, vaddr, 0, VMM_FLAG_VALLOC_SPECIFIC,
		VMM_REGION_FLAG_RESERVED, mmuFlags)
	return err
}

// Alloc allocates size bytes of virtual space backed by freshly allocated
// (not necessarily contiguous) physical pages. *ptr supplies the wanted
// base when VMM_FLAG_VALLOC_SPECIFIC is set and receives the chosen base.
// On failure the caller's memory state is unchanged.
func (v *VMM) Alloc(as *Aspace, name string, size uint64, ptr *uint64,
	alignPow2 uint8, vmmFlags VMMFlags, mmuFlags arch.MMUFlags) error {

	if as == nil || ptr == nil {
		return ErrInvalidArgs("nil aspace or ptr")
	}
	size = roundUp(size, PAGE_SIZE)
	if size == 0 {
		return ErrInvalidArgs("size is zero")
	}

	var vaddr uint64
	if vmmFlags&VMM_FLAG_VALLOC_SPECIFIC != 0 {
		vaddr = *ptr
		if !isPageAligned(vaddr) {
			return ErrInvalidArgs("specific vaddr not page aligned")
		}
	}

	// Allocate the physical memory up front in case it can't be
	// satisfied.
	pages, err := v.pmm.AllocPages(size/PAGE_SIZE, 0, 0)
	if err != nil {
		return err
	}

	v.mu.Lock()
	r, err := v.allocRegion(as, name, size, vaddr, alignPow2, vmmFlags,
		VMM_REGION_FLAG_PHYSICAL, mmuFlags)
	if err != nil {
		v.mu.Unlock()
		v.pmm.Free(pages)
		return err
	}

	*ptr = r.base

	va := r.base
	for _, p := range pages {
		if mapErr := as.arch.Map(va, p.Address(), 1, mmuFlags); mapErr != nil {
			// Mapping failures are logged and the walk continues; see
			// DESIGN.md on this policy.
			v.logger.Warn("arch map failed",
				utils.String("region", name),
				utils.Uint64("vaddr", va),
				utils.Err(mapErr))
		}
		r.pageList = append(r.pageList, p)
		va += PAGE_SIZE
	}
	v.mu.Unlock()
	return nil
}

// AllocContiguous is Alloc with a physically contiguous backing run,
// mapped in a single arch call so larger hardware mappings can be used.
func (v *VMM) AllocContiguous(as *Aspace, name string, size uint64, ptr *uint64,
	alignPow2 uint8, vmmFlags VMMFlags, mmuFlags arch.MMUFlags) error {

	if as == nil || ptr == nil {
		return ErrInvalidArgs("nil aspace or ptr")
	}
	size = roundUp(size, PAGE_SIZE)
	if size == 0 {
		return ErrInvalidArgs("size is zero")
	}

	var vaddr uint64
	if vmmFlags&VMM_FLAG_VALLOC_SPECIFIC != 0 {
		vaddr = *ptr
		if !isPageAligned(vaddr) {
			return ErrInvalidArgs("specific vaddr not page aligned")
		}
	}

	pa, pages, err := v.pmm.AllocContiguous(size/PAGE_SIZE, alignPow2)
	if err != nil {
		return err
	}

	v.mu.Lock()
	r, err := v.allocRegion(as, name, size, vaddr, alignPow2, vmmFlags,
		VMM_REGION_FLAG_PHYSICAL, mmuFlags)
	if err != nil {
		v.mu.Unlock()
		v.pmm.Free(pages)
		return err
	}

	*ptr = r.base

	if mapErr := as.arch.Map(r.base, pa, uint(size/PAGE_SIZE), mmuFlags); mapErr != nil {
		v.logger.Warn("arch map failed",
			utils.String("region", name),
			utils.Uint64("vaddr", r.base),
			utils.Err(mapErr))
	}
	r.pageList = append(r.pageList, pages...)
	v.mu.Unlock()
	return nil
}

// AllocPhysical maps caller-supplied physical ranges (device MMIO and the
// like). The region owns no pages. size must divide evenly across the
// supplied addresses.
func (v *VMM) AllocPhysical(as *Aspace, name string, size uint64, ptr *uint64,
	alignLog2 uint8, paddrs []uint64, vmmFlags VMMFlags,
	mmuFlags arch.MMUFlags) error {

	if as == nil || ptr == nil {
		return ErrInvalidArgs("nil aspace or ptr")
	}
	if size == 0 {
		return nil
	}
	if len(paddrs) == 0 {
		return ErrInvalidArgs("no physical addresses")
	}
	if !isPageAligned(size) {
		return ErrInvalidArgs("size not page aligned")
	}
	chunkSize := size / uint64(len(paddrs))
	if !isPageAligned(chunkSize) {
		return ErrInvalidArgs("size does not divide into page-aligned chunks")
	}
	for _, pa := range paddrs {
		if !isPageAligned(pa) {
			return ErrInvalidArgs("physical address not page aligned")
		}
	}

	var vaddr uint64
	if vmmFlags&VMM_FLAG_VALLOC_SPECIFIC != 0 {
		vaddr = *ptr
		if !isPageAligned(vaddr) {
			return ErrInvalidArgs("specific vaddr not page aligned")
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	r, err := v.allocRegion(as, name, size, vaddr, alignLog2, vmmFlags,
		VMM_REGION_FLAG_PHYSICAL, mmuFlags)
	if err != nil {
		return err
	}

	*ptr = r.base

	for i, pa := range paddrs {
		va := r.base + uint64(i)*chunkSize
		if mapErr := as.arch.Map(va, pa, uint(chunkSize/PAGE_SIZE), mmuFlags); mapErr != nil {
			v.logger.Warn("arch map failed",
				utils.String("region", name),
				utils.Uint64("vaddr", va),
				utils.Err(mapErr))
		}
	}
	return nil
}

// MapObject maps size bytes of a memory object into the aspace. The
// region does not take ownership of the object; the caller keeps it alive
// until the region is freed.
func (v *VMM) MapObject(as *Aspace, name string, obj Object, size uint64,
	ptr *uint64, alignPow2 uint8, vmmFlags VMMFlags,
	mmuFlags arch.MMUFlags) error {

	if as == nil || ptr == nil || obj == nil {
		return ErrInvalidArgs("nil aspace, ptr, or object")
	}
	size = roundUp(size, PAGE_SIZE)
	if size == 0 {
		return ErrInvalidArgs("size is zero")
	}
	if err := obj.CheckFlags(mmuFlags); err != nil {
		return err
	}

	var vaddr uint64
	if vmmFlags&VMM_FLAG_VALLOC_SPECIFIC != 0 {
		vaddr = *ptr
		if !isPageAligned(vaddr) {
			return ErrInvalidArgs("specific vaddr not page aligned")
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	r, err := v.allocRegion(as, name, size, vaddr, alignPow2, vmmFlags,
		VMM_REGION_FLAG_PHYSICAL, mmuFlags)
	if err != nil {
		return err
	}

	offset := uint64(0)
	for offset < size {
		pa, span, getErr := obj.GetPage(offset)
		if getErr != nil {
			// Roll the region back completely.
			if unmapErr := as.arch.Unmap(r.base, uint(offset/PAGE_SIZE)); unmapErr != nil {
				v.logger.Warn("rollback unmap failed", utils.Err(unmapErr))
			}
			as.regions.Delete(&r.node)
			return getErr
		}
		mapLen := span
		if mapLen > size-offset {
			mapLen = size - offset
		}
		if mapErr := as.arch.Map(r.base+offset, pa, uint(mapLen/PAGE_SIZE), mmuFlags); mapErr != nil {
			v.logger.Warn("arch map failed",
				utils.String("region", name),
				utils.Uint64("vaddr", r.base+offset),
				utils.Err(mapErr))
		}
		offset += mapLen
	}

	*ptr = r.base
	return nil
}

func regionMatches(r *Region, vaddr, size uint64, flags FreeRegionFlags) bool {
	if r == nil {
		return false
	}
	if flags&VMM_FREE_REGION_FLAG_EXPAND != 0 {
		return r.containsRange(vaddr, size)
	}
	return r.base == vaddr && r.size == size
}

// FreeRegionEtc finds a region, unlinks it, tears its mappings down, and
// releases the backing pages after the lock is dropped. Exact base+size
// match unless VMM_FREE_REGION_FLAG_EXPAND is set.
func (v *VMM) FreeRegionEtc(as *Aspace, vaddr, size uint64, flags FreeRegionFlags) error {
	if as == nil {
		return ErrInvalidArgs("nil aspace")
	}

	v.mu.Lock()
	r := as.findRegionLocked(vaddr)
	if !regionMatches(r, vaddr, size, flags) {
		v.mu.Unlock()
		return ErrNotFound(vaddr)
	}

	as.regions.Delete(&r.node)

	if err := as.arch.Unmap(r.base, uint(r.size/PAGE_SIZE)); err != nil {
		v.logger.Warn("arch unmap failed",
			utils.String("region", r.name), utils.Err(err))
	}
	v.mu.Unlock()

	// Return physical pages, if any, without the lock held.
	if len(r.pageList) > 0 {
		v.pmm.Free(r.pageList)
		r.pageList = nil
	}
	return nil
}

// FreeRegion frees whatever region contains vaddr.
func (v *VMM) FreeRegion(as *Aspace, vaddr uint64) error {
	return v.FreeRegionEtc(as, vaddr, 1, VMM_FREE_REGION_FLAG_EXPAND)
}

// FindSpot is a read-only placement query: where would a size-byte region
// land right now.
func (v *VMM) FindSpot(as *Aspace, size uint64) (uint64, bool) {
	if as == nil || size == 0 {
		return 0, false
	}
	size = roundUp(size, PAGE_SIZE)

	v.mu.Lock()
	defer v.mu.Unlock()
	return v.allocSpot(as, size, PAGE_SIZE_SHIFT, 0)
}

// RegionStats is a snapshot of one region.
type RegionStats struct {
	Name     string
	Base     uint64
	Size     uint64
	Flags    RegionFlags
	MMUFlags arch.MMUFlags
	Pages    int
}

// AspaceStats is a snapshot of one aspace and its regions in base order.
type AspaceStats struct {
	Name    string
	Base    uint64
	Size    uint64
	Flags   AspaceFlags
	Regions []RegionStats
}

// Stats snapshots every registered aspace.
func (v *VMM) Stats() []AspaceStats {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]AspaceStats, 0, len(v.aspaces))
	for _, as := range v.aspaces {
		st := AspaceStats{
			Name:  as.name,
			Base:  as.base,
			Size:  as.size,
			Flags: as.flags,
		}
		as.regions.ForEach(func(r *Region) bool {
			st.Regions = append(st.Regions, RegionStats{
				Name:     r.name,
				Base:     r.base,
				Size:     r.size,
				Flags:    r.flags,
				MMUFlags: r.archMMUFlags,
				Pages:    len(r.pageList),
			})
			return true
		})
		out = append(out, st)
	}
	return out
}
