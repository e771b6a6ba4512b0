package vm

import (
	"sync"
)

// ResGroup is a refcounted reservation of physical pages: the authority
// that keeps mutually distrustful tenants from oversubscribing each
// other. Usage may never exceed the reservation; after shutdown the
// reservation shrinks to exactly cover outstanding usage and further
// takes fail.
type ResGroup struct {
	mu            sync.Mutex
	pmm           *PMM
	refs          uint32
	reservedPages uint64
	usedPages     uint64
	isShutdown    bool
}

// NewResGroup reserves pages in the PPM and returns a group holding the
// creator's reference.
func NewResGroup(pmm *PMM, pages uint64) (*ResGroup, error) {
	if err := pmm.ReservePages(pages); err != nil {
		return nil, err
	}
	return &ResGroup{
		pmm:           pmm,
		refs:          1,
		reservedPages: pages,
	}, nil
}

// Retain adds a reference.
func (rg *ResGroup) Retain() {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	if rg.refs == 0 {
		panic("vm: retaining destroyed resource group")
	}
	rg.refs++
}

// DropRef removes a reference. The drop that reaches zero destroys the
// group, which requires it to be shut down with no outstanding usage and
// unreserves any residual pages.
func (rg *ResGroup) DropRef() {
	rg.mu.Lock()
	if rg.refs == 0 {
		rg.mu.Unlock()
		panic("vm: dropping reference on destroyed resource group")
	}
	rg.refs--
	destroy := rg.refs == 0
	rg.mu.Unlock()

	if destroy {
		rg.destroy()
	}
}

func (rg *ResGroup) destroy() {
	if !rg.isShutdown {
		panic("vm: destroying resource group that was not shut down")
	}
	if rg.usedPages != 0 {
		panic("vm: destroying resource group with outstanding pages")
	}
	if rg.reservedPages != 0 {
		rg.pmm.UnreservePages(rg.reservedPages)
		rg.reservedPages = 0
	}
}

// Shutdown unreserves the unused remainder so the reservation exactly
// covers outstanding usage, and fails all further takes.
func (rg *ResGroup) Shutdown() {
	rg.mu.Lock()
	if rg.isShutdown {
		rg.mu.Unlock()
		panic("vm: resource group already shut down")
	}
	rg.isShutdown = true
	unused := rg.reservedPages - rg.usedPages
	rg.reservedPages -= unused
	rg.mu.Unlock()

	rg.pmm.UnreservePages(unused)
}

func (rg *ResGroup) checkTakeLocked(pages uint64) error {
	if rg.isShutdown {
		return ErrObjectDestroyed("resource group")
	}
	total, overflow := addOverflows(rg.usedPages, pages)
	if overflow {
		return ErrNoMemory("resource group take")
	}
	if total > rg.reservedPages {
		return ErrNoMemory("resource group take").
			WithContext("used", rg.usedPages).
			WithContext("reserved", rg.reservedPages).
			WithContext("pages", pages)
	}
	return nil
}

// Take charges pages against the reservation. Atomic with respect to
// other takes and releases.
func (rg *ResGroup) Take(pages uint64) error {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	if err := rg.checkTakeLocked(pages); err != nil {
		return err
	}
	rg.usedPages += pages
	return nil
}

// Release returns pages to the reservation.
func (rg *ResGroup) Release(pages uint64) {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	if rg.usedPages < pages {
		panic("vm: releasing more pages than taken")
	}
	rg.usedPages -= pages
}

// ResGroupStats is a snapshot of group accounting.
type ResGroupStats struct {
	ReservedPages uint64
	UsedPages     uint64
	IsShutdown    bool
	Refs          uint32
}

// Stats snapshots the group.
func (rg *ResGroup) Stats() ResGroupStats {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	return ResGroupStats{
		ReservedPages: rg.reservedPages,
		UsedPages:     rg.usedPages,
		IsShutdown:    rg.isShutdown,
		Refs:          rg.refs,
	}
}
