package vmm

import (
	"limnos/kernel"
	"limnos/kernel/hal/boot"
	"limnos/kernel/mm"
	"limnos/kernel/mm/earlyalloc"
)

// alignUp rounds size up to the next multiple of mm.PageSize.
func alignUp(size uintptr) uintptr {
	return (size + mm.PageSize - 1) &^ (mm.PageSize - 1)
}

// BuildKernelAddressSpace runs the design's six-step initial kernel address
// space construction. It is called once, after kernel/mm/memmap.Bootstrap
// and before kernel/mm/buddy.Init takes over the memory map (buddy.Init
// still needs the memmap's remaining usable entries intact; this function
// only reads them).
func BuildKernelAddressSpace(
	m *mm.MemoryMap,
	records []earlyalloc.Record,
	kernelAddr *boot.KernelAddressResponse,
	layout *boot.ExecutableLayout,
) (AddressSpaceContext, *kernel.Error) {
	SetHHDMOffset(m.HHDMOffset)

	// Step 0: the PAT must already carry the reset layout applyCacheType
	// assumes before any CacheWB/CacheWT/CacheUC/CacheWC mapping is built.
	if err := checkPATLayout(); err != nil {
		return AddressSpaceContext{}, err
	}

	// Step 1: allocate and zero the root table.
	ctx, err := NewAddressSpace()
	if err != nil {
		return ctx, err
	}

	// Step 2: Local APIC MMIO window, direct-mapped, uncacheable.
	if err := MapSingle4K(ctx, m.DirectMap(boot.LocalAPICBase), boot.LocalAPICBase, AccessWrite|AccessNX, CacheUC); err != nil {
		return ctx, err
	}

	// Step 3: every early-bump allocation record, so the memmap copy and
	// the Page descriptor table it backs remain reachable.
	for _, rec := range records {
		length := alignUp(rec.Length)
		if length == 0 {
			continue
		}
		if err := MapRange(ctx, m.DirectMap(rec.PhysStart), rec.PhysStart, length, AccessWrite|AccessNX, CacheWB); err != nil {
			return ctx, err
		}
	}

	// Step 4: every remaining memmap entry, by type.
	for i := range m.Entries {
		e := &m.Entries[i]
		length := alignUp(e.Length)
		if length == 0 {
			continue
		}

		switch e.Type {
		case boot.EntryUsable, boot.EntryBootloaderReclaimable:
			if err := MapRange(ctx, m.DirectMap(e.Start), e.Start, length, AccessWrite|AccessNX, CacheWB); err != nil {
				return ctx, err
			}
		case boot.EntryFramebuffer:
			if err := MapRange(ctx, m.DirectMap(e.Start), e.Start, length, AccessWrite|AccessNX, CacheWC); err != nil {
				return ctx, err
			}
		}
	}

	// Step 5: kernel image sections, enforcing W^X. text is executable and
	// read-only; rodata is read-only and non-executable; data is writable
	// and non-executable.
	sections := []struct {
		start, end uintptr
		access     AccessFlags
	}{
		{layout.TextStart, layout.TextEnd, 0},
		{layout.RodataStart, layout.RodataEnd, AccessNX},
		{layout.DataStart, layout.DataEnd, AccessWrite | AccessNX},
	}
	for _, s := range sections {
		if s.end <= s.start {
			continue
		}
		vbase := s.start &^ (mm.PageSize - 1)
		length := alignUp(s.end - vbase)
		pbase := kernelAddr.PhysicalBase + (vbase - kernelAddr.VirtualBase)
		if err := MapRange(ctx, vbase, pbase, length, s.access, CacheWB); err != nil {
			return ctx, err
		}
	}

	// Step 6: install and flush.
	SetCtx(ctx)

	return ctx, nil
}
