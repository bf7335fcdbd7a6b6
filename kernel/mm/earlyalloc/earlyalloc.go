// Package earlyalloc implements the early bump allocator (C2): a one-request-
// at-a-time, first-fit allocator that satisfies the handful of allocations
// needed before the buddy allocator (kernel/mm/buddy) is functional, out of
// the same owned memory map that the buddy allocator will later take over.
// It is grounded on the teacher's bootMemAllocator
// (kernel/mem/pmm/allocator/bootmem.go): a small, non-freeing allocator that
// walks memmap regions directly and is retired once a real allocator exists,
// adapted here to the byte-granular bump contract the design calls for
// instead of the teacher's frame-at-a-time one.
package earlyalloc

import (
	"limnos/kernel"
	"limnos/kernel/hal/boot"
	"limnos/kernel/mm"
)

// MaxRecords bounds the number of early allocations the allocator remembers
// for kernel/mm/vmm to later map into the kernel address space (N_EARLY_MAX
// in the design).
const MaxRecords = 64

// Record describes one grant made by Alloc.
type Record struct {
	PhysStart uintptr
	Length    uintptr
}

var (
	errOutOfMemory    = &kernel.Error{Module: "earlyalloc", Message: "no usable region large enough to satisfy the request"}
	errAllocAfterExit = &kernel.Error{Module: "earlyalloc", Message: "Alloc called after Exit"}
)

// Allocator is the early bump allocator. It is only ever constructed once,
// by kernel/mm/memmap.Bootstrap, over the same MemoryMap the buddy allocator
// will later initialize from.
type Allocator struct {
	m       *mm.MemoryMap
	records [MaxRecords]Record
	count   int
	total   uintptr
	exited  bool
}

// New constructs an early allocator over the given owned memory map.
func New(m *mm.MemoryMap) *Allocator {
	return &Allocator{m: m}
}

// Alloc satisfies one allocation request from the first usable memmap entry
// with at least size bytes free, advancing that entry's start and shrinking
// its length by size. It never returns a failure to the caller: exhaustion
// or use after Exit is an unrecoverable boot-time condition and panics with
// a CONFIGURATION_FAULT-class kernel.Error, matching the design's "never
// returns null (fatal on exhaustion)" contract.
func (a *Allocator) Alloc(size uintptr) uintptr {
	if a.exited {
		panic(errAllocAfterExit)
	}

	for i := range a.m.Entries {
		e := &a.m.Entries[i]
		if e.Type != boot.EntryUsable || e.Length < size {
			continue
		}

		phys := e.Start
		e.Start += size
		e.Length -= size

		if a.count < MaxRecords {
			a.records[a.count] = Record{PhysStart: phys, Length: size}
			a.count++
		}
		a.total += size

		return a.m.DirectMap(phys)
	}

	panic(errOutOfMemory)
}

// Records returns the allocations granted so far, for kernel/mm/vmm to map
// into the kernel address space during bring-up.
func (a *Allocator) Records() []Record {
	return a.records[:a.count]
}

// Exit page-aligns each usable entry's start upward, cutting off any
// sub-page remainder so the buddy allocator's initialization pass only ever
// sees page-aligned free regions. It returns the total number of bytes
// granted by Alloc over the allocator's lifetime. After Exit, Alloc panics.
func (a *Allocator) Exit() uintptr {
	a.exited = true

	pageMask := mm.PageSize - 1
	for i := range a.m.Entries {
		e := &a.m.Entries[i]
		if e.Type != boot.EntryUsable {
			continue
		}

		aligned := (e.Start + pageMask) &^ pageMask
		shrink := aligned - e.Start
		if shrink > e.Length {
			shrink = e.Length
		}
		e.Start += shrink
		e.Length -= shrink
	}

	return a.total
}
