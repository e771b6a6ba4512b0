package vm

// Page is the per-frame record. Pages are created once at arena
// registration and never destroyed; the physical address is derived from
// the page's position in its arena. A page is always in exactly one of:
// its arena's free set, a region or object page list, or a transient list
// owned by an in-progress allocation.
type Page struct {
	arena *Arena
	index uint32
	flags PageFlags
}

// Flags returns the page state bits. Read under the PMM lock unless the
// page is known to be privately owned.
func (p *Page) Flags() PageFlags {
	return p.flags
}

// Arena returns the owning arena.
func (p *Page) Arena() *Arena {
	return p.arena
}

// Address returns the physical address of the frame.
func (p *Page) Address() uint64 {
	return p.arena.base + uint64(p.index)*PAGE_SIZE
}

func (p *Page) isFree() bool {
	return p.flags&VM_PAGE_FLAG_NONFREE == 0
}

// PageList is an ordered list of pages; the currency moved between the
// PPM, memory objects, and regions.
type PageList []*Page
