package vmm

import (
	"limnos/kernel"
	"limnos/kernel/mm"
	"limnos/kernel/mm/buddy"
	"unsafe"
)

var (
	errUnalignedAddress = &kernel.Error{Module: "vmm", Message: "address is not aligned to the requested granule"}
	ErrInvalidMapping   = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
	errHugePageConflict = &kernel.Error{Module: "vmm", Message: "intermediate entry is already a huge-page leaf"}
)

// hhdmOffset is the direct-map offset table frames are reached through. It is
// set by SetHHDMOffset (which BuildKernelAddressSpace calls), mirroring the pattern
// kernel/mm/buddy and kernel/mm/slab use to remember it.
var hhdmOffset uintptr

// AddressSpaceContext names one page table hierarchy by the physical address
// of its root (PML4) table.
type AddressSpaceContext struct {
	RootTablePhys uintptr
}

// tableView returns the 512-entry slice for the table physically located at
// phys, reached through the direct map.
func tableView(phys uintptr) []PTE {
	return unsafe.Slice((*PTE)(unsafe.Pointer(hhdmOffset+phys)), entriesPerTable)
}

// entryIndex extracts the 9-bit index into a level-`level` table for va.
func entryIndex(va uintptr, level int) uintptr {
	return (va >> pageLevelShifts[level]) & (entriesPerTable - 1)
}

// walkFn is invoked once per level visited, starting at the PML4 (level 0).
// Returning false aborts the walk immediately after the call.
type walkFn func(level int, entry *PTE) bool

// walk descends ctx's page tables for va, invoking fn at level 0 (PML4)
// through the shallowest of {level 3 (4 KiB), or the level at which a PS leaf
// is found}. It never allocates; an entry that is not present is still passed
// to fn as it is, and the walk does not descend past it.
func walk(ctx AddressSpaceContext, va uintptr, fn walkFn) {
	tablePhys := ctx.RootTablePhys
	for level := 0; level < pageLevels; level++ {
		table := tableView(tablePhys)
		entry := &table[entryIndex(va, level)]

		if !fn(level, entry) {
			return
		}
		if !entry.HasFlags(FlagPresent) {
			return
		}
		if entry.HasFlags(FlagPS) {
			return
		}
		if level == pageLevels-1 {
			return
		}
		tablePhys = entry.TableFrame()
	}
}

// ensureTable walks ctx's page tables for va, allocating and zeroing any
// missing intermediate table down to (but not including) depth stopLevel,
// linking each new table with PRESENT|WRITE. It returns the entry at
// stopLevel, ready for the caller to turn into a leaf.
func ensureTable(ctx AddressSpaceContext, va uintptr, stopLevel int) (*PTE, *kernel.Error) {
	tablePhys := ctx.RootTablePhys
	for level := 0; ; level++ {
		table := tableView(tablePhys)
		entry := &table[entryIndex(va, level)]

		if level == stopLevel {
			return entry, nil
		}

		if entry.HasFlags(FlagPS) {
			return nil, errHugePageConflict
		}

		if !entry.HasFlags(FlagPresent) {
			frame, err := buddy.Default.AllocZeroed(0)
			if err != nil {
				return nil, err
			}
			childPhys := mm.PageToPhys(frame)
			*entry = 0
			entry.SetTableFrame(childPhys)
			entry.SetFlags(FlagPresent | FlagWrite)
		}

		tablePhys = entry.TableFrame()
	}
}

// Walk returns the leaf entry mapping va along with its depth (1 = 1 GiB,
// 2 = 2 MiB, 3 = 4 KiB) and its index within the table that holds it. It
// returns a nil entry if va has no leaf mapping, whether because an
// intermediate table is missing or because the intermediate tables are all
// present but the final-level entry itself is not (e.g. after Unmap has
// cleared just the leaf's PRESENT bit).
func Walk(ctx AddressSpaceContext, va uintptr) (entry *PTE, depth uint8, index uintptr) {
	walk(ctx, va, func(level int, e *PTE) bool {
		if !e.HasFlags(FlagPresent) {
			return false
		}
		isLeaf := e.HasFlags(FlagPS) || level == pageLevels-1
		if isLeaf {
			entry = e
			depth = uint8(level)
			index = entryIndex(va, level)
			return false
		}
		return true
	})
	return entry, depth, index
}
