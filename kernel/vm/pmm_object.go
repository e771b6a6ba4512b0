package vm

import (
	"github.com/nmxmxh/tinos/kernel/arch"
)

// Capability bits carried by a paged object.
const (
	pmmObjFlagNeedsClear uint32 = 1 << iota
	pmmObjFlagAllowTagged
)

// PagedObject is the PPM-backed memory object. Contiguous allocations use
// a single chunk of count*PAGE_SIZE so the mapping layer can install
// larger hardware mappings; everything else uses one page per chunk.
type PagedObject struct {
	pmm       *PMM
	pageList  PageList
	chunks    []*Page
	chunkSize uint64
	flags     uint32

	resGroup  *ResGroup
	usedPages uint64
}

func newPagedObject(pmm *PMM, count uint64, allocFlags PMMAllocFlags) *PagedObject {
	obj := &PagedObject{pmm: pmm}
	if allocFlags&PMM_ALLOC_FLAG_CONTIGUOUS != 0 {
		obj.chunkSize = count * PAGE_SIZE
	} else {
		obj.chunkSize = PAGE_SIZE
	}
	if allocFlags&PMM_ALLOC_FLAG_NO_CLEAR != 0 {
		obj.flags |= pmmObjFlagNeedsClear
	}
	if allocFlags&PMM_ALLOC_FLAG_ALLOW_TAGGED != 0 {
		obj.flags |= pmmObjFlagAllowTagged
	}
	return obj
}

// adoptPages takes ownership of the allocated pages and builds the chunk
// table.
func (o *PagedObject) adoptPages(pages PageList) {
	o.pageList = pages
	if o.chunkSize > PAGE_SIZE {
		// One chunk; the pages are physically contiguous.
		o.chunks = []*Page{pages[0]}
	} else {
		o.chunks = make([]*Page, len(pages))
		copy(o.chunks, pages)
	}
}

// CheckFlags rejects tagged mappings unless the allocation allowed them.
func (o *PagedObject) CheckFlags(mmuFlags arch.MMUFlags) error {
	if mmuFlags&arch.ARCH_MMU_FLAG_TAGGED != 0 && !o.AllowsTagged() {
		return ErrInvalidArgs("object does not allow tagged mappings")
	}
	return nil
}

// GetPage indexes the chunk table and returns the physical address at
// offset plus the remaining span of the chunk.
func (o *PagedObject) GetPage(offset uint64) (uint64, uint64, error) {
	index := offset / o.chunkSize
	chunkOffset := offset % o.chunkSize

	if index >= uint64(len(o.chunks)) {
		return 0, 0, ErrOutOfRange(offset)
	}
	return o.chunks[index].Address() + chunkOffset, o.chunkSize - chunkOffset, nil
}

// Destroy frees the backing pages and drops the resource-group reference
// if any.
func (o *PagedObject) Destroy() {
	o.pmm.Free(o.pageList)
	o.pageList = nil
	o.chunks = nil
	if o.resGroup != nil {
		o.resGroup.Release(o.usedPages)
		o.resGroup.DropRef()
		o.resGroup = nil
	}
}

// Size returns the total bytes backed by the object.
func (o *PagedObject) Size() uint64 {
	return uint64(len(o.chunks)) * o.chunkSize
}

// Pages returns the backing pages.
func (o *PagedObject) Pages() PageList {
	return o.pageList
}

// NeedsClear reports whether the caller promised to zero the pages before
// mapping them.
func (o *PagedObject) NeedsClear() bool {
	return o.flags&pmmObjFlagNeedsClear != 0
}

// AllowsTagged reports whether memory tags may be installed at map time.
func (o *PagedObject) AllowsTagged() bool {
	return o.flags&pmmObjFlagAllowTagged != 0
}

// SetCleared records that the caller zeroed the object. The whole object
// must be cleared; the state is tracked at object granularity.
func (o *PagedObject) SetCleared(offset, size uint64) {
	if !o.NeedsClear() {
		panic("vm: SetCleared on object that does not need clearing")
	}
	if offset != 0 || size != o.Size() {
		panic("vm: SetCleared must cover the entire object")
	}
	o.flags &^= pmmObjFlagNeedsClear
}

// SetTagged records that the caller installed memory tags.
func (o *PagedObject) SetTagged() {
	if !o.AllowsTagged() {
		panic("vm: SetTagged on object that does not allow tagging")
	}
	o.flags &^= pmmObjFlagAllowTagged
}
