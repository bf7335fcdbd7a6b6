package vmm

import (
	"limnos/kernel"
	"limnos/kernel/mm"
	"limnos/kernel/mm/buddy"
)

var errHugePageFreeUnsupported = &kernel.Error{Module: "vmm", Message: "freeing the physical backing of a huge-page mapping is not supported"}

// Unmap clears the leaf entry mapping va and flushes the TLB. If freeBacking
// is set the underlying physical frame is returned to the buddy allocator;
// this is only supported for 4 KiB mappings, since 1 GiB/2 MiB leaves cover
// more pages than a single buddy order can represent (MaxOrder caps a block
// at 1<<buddy.MaxOrder pages). The flush covers only the calling CPU;
// shooting down other CPUs' TLB entries is the caller's responsibility.
func Unmap(ctx AddressSpaceContext, va uintptr, freeBacking bool) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	entry, depth, _ := Walk(ctx, va)
	if entry == nil {
		return ErrInvalidMapping
	}

	phys := entry.LeafFrame(depth)
	entry.ClearFlags(FlagPresent)
	flushFn()

	if freeBacking {
		if depth != pageLevels-1 {
			return errHugePageFreeUnsupported
		}
		buddy.Default.Free(mm.PhysToPage(phys), 0)
	}

	return nil
}

// VirtToPhys translates va to its mapped physical address, or returns 0 if
// va has no mapping at any granule. A returned 0 is caller-distinguishable
// from a genuine mapping only as long as no mapping targets physical
// address 0; nothing in this package prevents one.
func VirtToPhys(ctx AddressSpaceContext, va uintptr) uintptr {
	entry, depth, _ := Walk(ctx, va)
	if entry == nil {
		return 0
	}

	var lowMask uintptr
	switch depth {
	case 1:
		lowMask = size1G - 1
	case 2:
		lowMask = size2M - 1
	default:
		lowMask = mm.PageSize - 1
	}

	return entry.LeafFrame(depth) | (va & lowMask)
}
