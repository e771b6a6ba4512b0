package vm

import (
	"github.com/nmxmxh/tinos/kernel/arch"
)

// Object is a producer of physical pages indexed by byte offset. The VAS
// consumes one when installing mappings; the variants are the PPM-backed
// paged object, the physical pass-through below, and address-space
// reservations which carry no object at all.
type Object interface {
	// CheckFlags validates the architecture mapping flags the caller
	// intends to use against the object's capabilities.
	CheckFlags(mmuFlags arch.MMUFlags) error

	// GetPage resolves offset to a physical address and the remaining
	// span of contiguous bytes from that address.
	GetPage(offset uint64) (paddr uint64, span uint64, err error)

	// Destroy releases the object's backing resources.
	Destroy()
}

// PhysicalObject passes caller-supplied physical ranges (device MMIO and
// the like) through the Object interface. It owns no pages.
type PhysicalObject struct {
	ranges    []AddrRange
	totalSize uint64
}

// NewPhysicalObject builds a pass-through object over page-aligned
// physical ranges.
func NewPhysicalObject(ranges []AddrRange) (*PhysicalObject, error) {
	if len(ranges) == 0 {
		return nil, ErrInvalidArgs("no physical ranges")
	}
	total := uint64(0)
	for _, r := range ranges {
		if r.End <= r.Start {
			return nil, ErrInvalidArgs("empty physical range")
		}
		if !isPageAligned(r.Start) || !isPageAligned(r.End) {
			return nil, ErrInvalidArgs("physical range not page aligned")
		}
		total += r.End - r.Start
	}
	return &PhysicalObject{ranges: ranges, totalSize: total}, nil
}

func (o *PhysicalObject) CheckFlags(mmuFlags arch.MMUFlags) error {
	return nil
}

func (o *PhysicalObject) GetPage(offset uint64) (uint64, uint64, error) {
	for _, r := range o.ranges {
		size := r.End - r.Start
		if offset < size {
			return r.Start + offset, size - offset, nil
		}
		offset -= size
	}
	return 0, 0, ErrOutOfRange(offset)
}

func (o *PhysicalObject) Destroy() {}

// Size returns the total bytes covered by the object.
func (o *PhysicalObject) Size() uint64 {
	return o.totalSize
}
