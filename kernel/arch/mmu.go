package arch

// Architecture MMU bridge. The VM core talks to page tables exclusively
// through this interface so it can run against real hardware glue or the
// pure-software SoftMMU used by tests and tooling.

// MMUFlags are the architecture mapping attributes passed through the VM
// core. The low bits select the cache policy; the rest are permission and
// attribute bits.
type MMUFlags uint32

const (
	ARCH_MMU_FLAG_CACHED          MMUFlags = 0
	ARCH_MMU_FLAG_UNCACHED        MMUFlags = 1
	ARCH_MMU_FLAG_UNCACHED_DEVICE MMUFlags = 2
	ARCH_MMU_FLAG_CACHE_MASK      MMUFlags = 3

	ARCH_MMU_FLAG_PERM_USER       MMUFlags = 1 << 2
	ARCH_MMU_FLAG_PERM_RO         MMUFlags = 1 << 3
	ARCH_MMU_FLAG_PERM_NO_EXECUTE MMUFlags = 1 << 4
	ARCH_MMU_FLAG_NS              MMUFlags = 1 << 5
	ARCH_MMU_FLAG_TAGGED          MMUFlags = 1 << 6
	ARCH_MMU_FLAG_INVALID         MMUFlags = 1 << 7
)

// AspaceFlags configure the arch half of an address space.
type AspaceFlags uint32

const (
	ARCH_ASPACE_FLAG_KERNEL AspaceFlags = 1 << 0
)

// Aspace is the architecture half of one address space. All addresses and
// sizes are in bytes; counts are in pages.
type Aspace interface {
	// Map installs count page mappings starting at vaddr -> paddr.
	Map(vaddr, paddr uint64, count uint, flags MMUFlags) error

	// Unmap removes count page mappings starting at vaddr.
	Unmap(vaddr uint64, count uint) error

	// Query returns the physical address and flags mapped at vaddr.
	Query(vaddr uint64) (paddr uint64, flags MMUFlags, err error)

	// PickSpot returns the lowest base >= low the architecture will accept
	// for a mapping of size bytes in [low, high], given the attributes of
	// the neighboring regions. A return outside [low, high] means no spot.
	PickSpot(low uint64, prevFlags MMUFlags, high uint64, nextFlags MMUFlags,
		align uint64, size uint64, flags MMUFlags) uint64

	// Destroy releases the arch state. The aspace must have no mappings.
	Destroy()
}

// MMU creates arch aspaces and performs context switches between them.
type MMU interface {
	// InitAspace creates the arch state for an address space covering
	// [base, base+size).
	InitAspace(base, size uint64, flags AspaceFlags) (Aspace, error)

	// ContextSwitch activates next, or deactivates the current aspace when
	// next is nil.
	ContextSwitch(next Aspace)
}

// AlignSpot is the default PickSpot policy: align low upward and let the
// caller bounds-check the result.
func AlignSpot(low, align uint64) uint64 {
	if align == 0 {
		return low
	}
	rem := low % align
	if rem == 0 {
		return low
	}
	return low + (align - rem)
}
