package arch

import (
	"fmt"
	"sort"
	"sync"
)

// SoftMMU is a pure-software MMU bridge. It tracks mappings in per-aspace
// tables and performs no translation of its own; the VM core is testable
// against it without any hardware glue.

const softPageSize = 4096

// Mapping is one installed page mapping.
type Mapping struct {
	Paddr uint64
	Flags MMUFlags
}

// SoftAspace is the software arch state for one address space.
type SoftAspace struct {
	mu    sync.Mutex
	base  uint64
	size  uint64
	flags AspaceFlags
	pages map[uint64]Mapping

	// PickSpotFn overrides spot selection when non-nil. Tests use this to
	// model architectures with placement restrictions.
	PickSpotFn func(low uint64, prevFlags MMUFlags, high uint64, nextFlags MMUFlags,
		align uint64, size uint64, flags MMUFlags) uint64

	destroyed bool
}

// SoftMMU implements MMU and remembers the active aspace.
type SoftMMU struct {
	mu      sync.Mutex
	active  *SoftAspace
	aspaces []*SoftAspace
}

func NewSoftMMU() *SoftMMU {
	return &SoftMMU{}
}

func (m *SoftMMU) InitAspace(base, size uint64, flags AspaceFlags) (Aspace, error) {
	if size == 0 {
		return nil, fmt.Errorf("softmmu: zero-size aspace")
	}
	as := &SoftAspace{
		base:  base,
		size:  size,
		flags: flags,
		pages: make(map[uint64]Mapping),
	}
	m.mu.Lock()
	m.aspaces = append(m.aspaces, as)
	m.mu.Unlock()
	return as, nil
}

func (m *SoftMMU) ContextSwitch(next Aspace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next == nil {
		m.active = nil
		return
	}
	m.active = next.(*SoftAspace)
}

// Active returns the aspace installed by the last context switch, nil if
// none.
func (m *SoftMMU) Active() Aspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return m.active
}

func (a *SoftAspace) contains(vaddr uint64) bool {
	return vaddr >= a.base && vaddr-a.base < a.size
}

func (a *SoftAspace) Map(vaddr, paddr uint64, count uint, flags MMUFlags) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return fmt.Errorf("softmmu: aspace destroyed")
	}
	if vaddr%softPageSize != 0 || paddr%softPageSize != 0 {
		return fmt.Errorf("softmmu: unaligned map vaddr=0x%x paddr=0x%x", vaddr, paddr)
	}
	for i := uint(0); i < count; i++ {
		va := vaddr + uint64(i)*softPageSize
		if !a.contains(va) {
			return fmt.Errorf("softmmu: map outside aspace at 0x%x", va)
		}
		if _, ok := a.pages[va]; ok {
			return fmt.Errorf("softmmu: already mapped at 0x%x", va)
		}
	}
	for i := uint(0); i < count; i++ {
		va := vaddr + uint64(i)*softPageSize
		a.pages[va] = Mapping{Paddr: paddr + uint64(i)*softPageSize, Flags: flags}
	}
	return nil
}

func (a *SoftAspace) Unmap(vaddr uint64, count uint) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return fmt.Errorf("softmmu: aspace destroyed")
	}
	for i := uint(0); i < count; i++ {
		delete(a.pages, vaddr+uint64(i)*softPageSize)
	}
	return nil
}

func (a *SoftAspace) Query(vaddr uint64) (uint64, MMUFlags, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	page := vaddr &^ uint64(softPageSize-1)
	m, ok := a.pages[page]
	if !ok {
		return 0, ARCH_MMU_FLAG_INVALID, fmt.Errorf("softmmu: not mapped at 0x%x", vaddr)
	}
	return m.Paddr + (vaddr - page), m.Flags, nil
}

func (a *SoftAspace) PickSpot(low uint64, prevFlags MMUFlags, high uint64, nextFlags MMUFlags,
	align uint64, size uint64, flags MMUFlags) uint64 {
	if a.PickSpotFn != nil {
		return a.PickSpotFn(low, prevFlags, high, nextFlags, align, size, flags)
	}
	return AlignSpot(low, align)
}

func (a *SoftAspace) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destroyed = true
	a.pages = nil
}

// MappingCount returns the number of installed page mappings.
func (a *SoftAspace) MappingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pages)
}

// MappedPages returns the mapped virtual page addresses in ascending order.
func (a *SoftAspace) MappedPages() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint64, 0, len(a.pages))
	for va := range a.pages {
		out = append(out, va)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
