package vm

import (
	"encoding/binary"
	"math"

	"github.com/nmxmxh/tinos/kernel/arch"
	"github.com/nmxmxh/tinos/kernel/utils"
	"github.com/nmxmxh/tinos/kernel/vm/bst"
)

// Gap placement. A spot is chosen by walking every pair of neighboring
// regions (with virtual sentinels at the aspace edges), counting the
// page-aligned candidate bases the arch will accept in each gap, then
// picking one: index zero without ASLR, a uniformly sampled index with.

// extractGap computes the inclusive address interval between two
// neighboring regions. Either side may be nil to mean the aspace edge.
// Returns false if the gap is empty.
func extractGap(as *Aspace, low, high *Region) (uint64, uint64, bool) {
	if as.size == 0 {
		panic("vm: extractGap on empty aspace")
	}

	var gapLow uint64
	if low != nil {
		var ovf bool
		gapLow, ovf = addOverflows(low.base, low.size)
		if ovf {
			// No valid address exists above the low region.
			return 0, 0, false
		}
	} else {
		gapLow = as.base
	}

	var gapHigh uint64
	if high != nil {
		if gapLow == high.base {
			return 0, 0, false
		}
		gapHigh = high.base - 1
	} else {
		gapHigh = as.base + (as.size - 1)
		if gapLow > gapHigh {
			// The low region ends at the aspace end.
			return 0, 0, false
		}
	}

	return gapLow, gapHigh, true
}

// nextSpot asks the arch for the lowest admissible base >= low that fits
// size bytes inside [low, high] without wrapping.
func nextSpot(archAs arch.Aspace, prevFlags, nextFlags arch.MMUFlags,
	low, high, align, size uint64, mmuFlags arch.MMUFlags) (uint64, bool) {

	candidate := archAs.PickSpot(low, prevFlags, high, nextFlags, align, size, mmuFlags)
	if candidate < low || candidate > high {
		// The arch sent the base out of range.
		return 0, false
	}

	candidateEnd, ovf := addOverflows(candidate, size-1)
	if ovf {
		return 0, false
	}
	if candidateEnd > high {
		return 0, false
	}
	return candidate, true
}

func regionMMUFlags(r *Region) arch.MMUFlags {
	if r == nil {
		return arch.ARCH_MMU_FLAG_INVALID
	}
	return r.archMMUFlags
}

// scanGap counts candidate page-aligned bases between two regions. The
// count can overestimate if the arch applies exotic restrictions, but
// every index below it is still valid input to spotInGap.
func scanGap(as *Aspace, low, high *Region, align, size uint64,
	mmuFlags arch.MMUFlags) uint64 {

	lowAddr, highAddr, ok := extractGap(as, low, high)
	if !ok {
		return 0
	}

	lowFlags := regionMMUFlags(low)
	highFlags := regionMMUFlags(high)

	firstBase, ok := nextSpot(as.arch, lowFlags, highFlags, lowAddr, highAddr,
		align, size, mmuFlags)
	if !ok {
		return 0
	}

	// Estimate the last position as the last page-aligned slot, backing
	// off a page at a time while the arch refuses it.
	finalBase := roundDown(highAddr-(size-1), PAGE_SIZE)
	for {
		spot, ok := nextSpot(as.arch, lowFlags, highFlags, finalBase, highAddr,
			align, size, mmuFlags)
		if ok {
			finalBase = spot
			break
		}
		if finalBase <= firstBase || finalBase-firstBase < PAGE_SIZE {
			// Only one location available in the gap.
			finalBase = firstBase
			break
		}
		finalBase -= PAGE_SIZE
	}

	// Every page between firstBase and finalBase is assumed mappable; if
	// one is not, the cost is less randomness, not a bad placement, since
	// spotInGap re-validates through nextSpot.
	return ((finalBase - firstBase) >> PAGE_SIZE_SHIFT) + 1
}

// spotInGap resolves one of the candidate positions counted by scanGap.
// index must be less than the count scanGap returned for the same query.
func spotInGap(as *Aspace, low, high *Region, align, size uint64,
	mmuFlags arch.MMUFlags, index uint64) uint64 {

	lowAddr, highAddr, ok := extractGap(as, low, high)
	if !ok {
		panic("vm: spotInGap called on an empty gap")
	}

	lowFlags := regionMMUFlags(low)
	highFlags := regionMMUFlags(high)

	base, ok := nextSpot(as.arch, lowFlags, highFlags, lowAddr, highAddr,
		align, size, mmuFlags)
	if !ok {
		panic("vm: spotInGap called on a gap with no available mappings")
	}

	base += index * PAGE_SIZE

	base, ok = nextSpot(as.arch, lowFlags, highFlags, base, highAddr,
		align, size, mmuFlags)
	if !ok {
		panic("vm: spotInGap index has no mapping option")
	}
	return base
}

// randIndex samples uniformly in [0, choices) from the platform RNG using
// rejection sampling, so non-power-of-two counts are not biased.
func (v *VMM) randIndex(choices uint64) uint64 {
	if choices <= 1 {
		return 0
	}
	rem := (math.MaxUint64%choices + 1) % choices

	var buf [8]byte
	for {
		if err := v.plat.RandomGetBytes(buf[:]); err != nil {
			v.logger.Warn("platform rng failed, using lowest spot", utils.Err(err))
			return 0
		}
		r := binary.LittleEndian.Uint64(buf[:])
		if rem == 0 || r <= math.MaxUint64-rem {
			return r % choices
		}
	}
}

// allocSpot finds a base for a new size-byte region: unoccupied, legal per
// the arch, aligned to 1<<alignPow2. With ASLR the position is sampled
// uniformly over every legal placement; without it the lowest one wins.
// Does not mutate the aspace. Callers hold the VMM lock.
func (v *VMM) allocSpot(as *Aspace, size uint64, alignPow2 uint8,
	mmuFlags arch.MMUFlags) (uint64, bool) {

	if size == 0 || !isPageAligned(size) {
		panic("vm: allocSpot size must be a positive page multiple")
	}
	if alignPow2 < PAGE_SIZE_SHIFT {
		alignPow2 = PAGE_SIZE_SHIFT
	}
	align := uint64(1) << alignPow2

	// Size the randomness by counting every option first.
	choices := uint64(0)
	var left *Region
	for n := as.regions.First(); n != nil; n = as.regions.Next(n) {
		right := n.Item
		choices += scanGap(as, left, right, align, size, mmuFlags)
		left = right
	}
	choices += scanGap(as, left, nil, align, size, mmuFlags)
	if choices == 0 {
		return 0, false
	}

	index := uint64(0)
	if v.aslr {
		index = v.randIndex(choices)
	}

	left = nil
	var n *bst.Node[*Region]
	for n = as.regions.First(); n != nil; n = as.regions.Next(n) {
		right := n.Item
		localSpots := scanGap(as, left, right, align, size, mmuFlags)
		if localSpots > index {
			return spotInGap(as, left, right, align, size, mmuFlags, index), true
		}
		index -= localSpots
		left = right
	}
	return spotInGap(as, left, nil, align, size, mmuFlags, index), true
}
