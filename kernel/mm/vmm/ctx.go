package vmm

import (
	"limnos/kernel"
	"limnos/kernel/cpu"
	"limnos/kernel/mm"
	"limnos/kernel/mm/buddy"
	"limnos/kernel/sync"
)

// lock is the single global page-table lock (design: "one global lock for
// page-table mutation, single writer across all CPUs"). The lock nesting
// order is cache lock -> buddy lock -> page-table lock, with one inversion:
// mapLeaf (through ensureTable) and Unmap call into kernel/mm/buddy, which
// takes the buddy lock, while this lock is held. No code takes this lock
// while holding a cache or buddy lock.
var lock sync.Spinlock

// flushFn reloads the active page-table root register, the conservative
// full-TLB-flush policy the design calls for after every mapping change.
// Substituted by tests.
var flushFn = func() { cpu.WriteCR3(cpu.ReadCR3()) }

// installRootFn installs a new page-table root. Substituted by tests; the
// same function-variable seam kernel/cpu and kernel/sync use for the real
// architectural primitives they wrap.
var installRootFn = cpu.WriteCR3

// SetHHDMOffset records the direct-map offset used to reach page table frames.
// It must be called once before any other vmm operation, normally with the
// same offset kernel/mm/buddy and kernel/mm/slab were initialized with.
func SetHHDMOffset(offset uintptr) { hhdmOffset = offset }

// NewAddressSpace allocates and zeroes a fresh root (PML4) table and returns
// a context naming it. The caller is responsible for populating it (directly,
// or via MapRange/MapSingle*) before calling SetCtx.
func NewAddressSpace() (AddressSpaceContext, *kernel.Error) {
	root, err := buddy.Default.AllocZeroed(0)
	if err != nil {
		return AddressSpaceContext{}, err
	}
	return AddressSpaceContext{RootTablePhys: mm.PageToPhys(root)}, nil
}

// SetCtx installs ctx's root table into the architectural page-table base
// register and flushes the TLB.
func SetCtx(ctx AddressSpaceContext) {
	lock.Acquire()
	defer lock.Release()
	installRootFn(ctx.RootTablePhys)
}
