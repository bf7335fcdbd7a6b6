package mm

import "limnos/kernel/hal/boot"

// MemmapEntry is one entry in the owned, stable-address memory map copy
// built by kernel/mm/memmap. Start and Length are byte-granular; they only
// become page-aligned once the early bump allocator's Exit has run.
type MemmapEntry struct {
	Start  uintptr
	Length uintptr
	Type   boot.EntryType
}

// End returns the first address past this entry.
func (e *MemmapEntry) End() uintptr { return e.Start + e.Length }

// MemoryMap is the owned, immutable-after-bootstrap ordered sequence of
// memory regions reported by the firmware. It is built once, in place,
// inside one of the usable regions it describes (see kernel/mm/memmap), and
// lives for the remainder of the kernel's uptime.
type MemoryMap struct {
	// Entries preserves the firmware's reported order and types.
	Entries []MemmapEntry

	// HHDMOffset is the virtual offset at which physical address 0 is
	// mapped in the direct map.
	HHDMOffset uintptr
}

// DirectMap translates a physical address into its direct-mapped (HHDM)
// virtual address.
func (m *MemoryMap) DirectMap(phys uintptr) uintptr { return m.HHDMOffset + phys }
