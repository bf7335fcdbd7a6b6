// Package memmap implements the boot memory-map importer (C1): it copies the
// firmware-provided memory map into kernel-owned, stable-address storage,
// sizes the Page descriptor table, and hands both off to the early bump
// allocator (kernel/mm/earlyalloc, C2) so the rest of boot can run before the
// buddy allocator exists. The diagnostic dump mirrors the teacher's
// bootMemAllocator.printMemoryMap, applied to Limine's pre-parsed entry array
// instead of a multiboot2 tag stream; unlike the teacher, which visits the
// firmware-reported regions directly, Import works from its own copy.
package memmap

import (
	"limnos/kernel"
	"limnos/kernel/hal/boot"
	"limnos/kernel/kfmt"
	"limnos/kernel/mm"
	"limnos/kernel/mm/earlyalloc"
	"unsafe"
)

var (
	errNoMemoryMap  = &kernel.Error{Module: "memmap", Message: "bootloader did not supply a memory map"}
	errNoHostRegion = &kernel.Error{Module: "memmap", Message: "no usable region large enough to host the memory map copy"}
)

const entrySize = unsafe.Sizeof(mm.MemmapEntry{})
const pageDescSize = unsafe.Sizeof(mm.Page{})

// Import builds the owned MemoryMap copy described in the design (C1,
// steps 1-3): it locates the highest reported end address, places the
// memmap copy at the start of the first usable region with enough room to
// hold it, copies every source entry over (preserving order and type), and
// carves the copy's prefix out of the hosting entry.
//
// It does not yet size or allocate the Page descriptor table; call
// Bootstrap for the full C1 sequence including that step.
func Import(resp *boot.MemmapResponse, hhdm *boot.HHDMResponse) (*mm.MemoryMap, *kernel.Error) {
	if resp == nil || len(resp.Entries) == 0 {
		return nil, errNoMemoryMap
	}

	needed := uintptr(len(resp.Entries)) * entrySize

	hostIdx := -1
	for i, e := range resp.Entries {
		if e.Type == boot.EntryUsable && uintptr(e.Length) >= needed {
			hostIdx = i
			break
		}
	}
	if hostIdx < 0 {
		return nil, errNoHostRegion
	}

	hostPhys := uintptr(resp.Entries[hostIdx].Base)
	hostVirt := uintptr(hhdm.Offset) + hostPhys

	copyEntries := unsafe.Slice((*mm.MemmapEntry)(unsafe.Pointer(hostVirt)), len(resp.Entries))
	for i, e := range resp.Entries {
		copyEntries[i] = mm.MemmapEntry{
			Start:  uintptr(e.Base),
			Length: uintptr(e.Length),
			Type:   e.Type,
		}
	}

	// Carve the memmap copy's footprint out of the region that hosts it.
	copyEntries[hostIdx].Start += needed
	copyEntries[hostIdx].Length -= needed

	m := &mm.MemoryMap{
		Entries:    copyEntries,
		HHDMOffset: uintptr(hhdm.Offset),
	}

	printMemoryMap(m)

	return m, nil
}

// PagesCount returns the number of Page descriptors required to cover every
// frame up to and including the highest address reported by any memmap
// entry (C1, step 1).
func PagesCount(m *mm.MemoryMap) uint64 {
	var highestEnd uintptr
	for i := range m.Entries {
		if end := m.Entries[i].End(); end > highestEnd {
			highestEnd = end
		}
	}
	return (uint64(highestEnd) + uint64(mm.PageSize) - 1) / uint64(mm.PageSize)
}

// Bootstrap runs the complete boot control-flow sequence C1 -> C2: it
// imports the memmap (Import), constructs the early bump allocator over it,
// and uses that allocator to obtain and zero storage for the Page
// descriptor table, installing it via mm.InitPageTable. It returns the owned
// map and the early allocator so the caller (normally the kernel's boot
// glue, out of scope for this core) can continue bootstrapping the kernel
// address space before the buddy allocator takes over.
func Bootstrap(resp *boot.MemmapResponse, hhdm *boot.HHDMResponse) (*mm.MemoryMap, *earlyalloc.Allocator, *kernel.Error) {
	m, err := Import(resp, hhdm)
	if err != nil {
		return nil, nil, err
	}

	early := earlyalloc.New(m)

	pagesCount := PagesCount(m)
	tableBytes := pagesCount * uint64(pageDescSize)

	tableAddr := early.Alloc(uintptr(tableBytes))

	pageTable := unsafe.Slice((*mm.Page)(unsafe.Pointer(tableAddr)), pagesCount)
	for i := range pageTable {
		pageTable[i] = mm.Page{}
	}
	mm.InitPageTable(pageTable)

	return m, early, nil
}

func printMemoryMap(m *mm.MemoryMap) {
	kfmt.PrintfModule("memmap", "system memory map (hhdm offset 0x%16x):\n", m.HHDMOffset)
	var totalUsable uint64
	for i := range m.Entries {
		e := &m.Entries[i]
		kfmt.PrintfModule("memmap", "[0x%16x - 0x%16x] size=%d type=%d\n", e.Start, e.End(), uint64(e.Length), uint32(e.Type))
		if e.Type == boot.EntryUsable {
			totalUsable += uint64(e.Length)
		}
	}
	kfmt.PrintfModule("memmap", "usable bytes: %d\n", totalUsable)
}
