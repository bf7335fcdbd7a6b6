package vmm

import (
	"limnos/kernel"
	"limnos/kernel/mm"
)

const (
	size2M = uintptr(1) << 21
	size1G = uintptr(1) << 30
)

// accessToPTE translates the caller-facing AccessFlags into the
// corresponding raw PTE bits. PRESENT is never included here; callers add it
// once they know whether the entry is a leaf or an intermediate table.
func accessToPTE(access AccessFlags) PTE {
	var flags PTE
	if access&AccessWrite != 0 {
		flags |= FlagWrite
	}
	if access&AccessUser != 0 {
		flags |= FlagUser
	}
	if access&AccessNX != 0 {
		flags |= FlagNX
	}
	return flags
}

// mapLeaf installs a leaf entry at the given stop level (1 = 1 GiB, 2 = 2 MiB,
// 3 = 4 KiB), allocating intermediate tables on demand via ensureTable.
func mapLeaf(ctx AddressSpaceContext, va, pa uintptr, stopLevel int, access AccessFlags, cacheType CacheType) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	entry, err := ensureTable(ctx, va, stopLevel)
	if err != nil {
		return err
	}

	*entry = 0
	entry.SetLeafFrame(pa, uint8(stopLevel))

	flags := FlagPresent | accessToPTE(access)
	isLeaf4K := stopLevel == pageLevels-1
	if !isLeaf4K {
		flags |= FlagPS
	}
	flags = applyCacheType(flags, cacheType, isLeaf4K)
	entry.SetFlags(flags)

	flushFn()
	return nil
}

// MapSingle4K maps one 4 KiB page. va and pa must both be 4 KiB-aligned.
func MapSingle4K(ctx AddressSpaceContext, va, pa uintptr, access AccessFlags, cacheType CacheType) *kernel.Error {
	if va%mm.PageSize != 0 || pa%mm.PageSize != 0 {
		return errUnalignedAddress
	}
	return mapLeaf(ctx, va, pa, pageLevels-1, access, cacheType)
}

// MapSingle2M maps one 2 MiB page. va and pa must both be 2 MiB-aligned.
func MapSingle2M(ctx AddressSpaceContext, va, pa uintptr, access AccessFlags, cacheType CacheType) *kernel.Error {
	if va%size2M != 0 || pa%size2M != 0 {
		return errUnalignedAddress
	}
	return mapLeaf(ctx, va, pa, 2, access, cacheType)
}

// MapSingle1G maps one 1 GiB page. va and pa must both be 1 GiB-aligned.
func MapSingle1G(ctx AddressSpaceContext, va, pa uintptr, access AccessFlags, cacheType CacheType) *kernel.Error {
	if va%size1G != 0 || pa%size1G != 0 {
		return errUnalignedAddress
	}
	return mapLeaf(ctx, va, pa, 1, access, cacheType)
}

// MapRange maps [pbase, pbase+length) at vbase using the largest legal
// granule at each step: 4 KiB pages up to the next 2 MiB boundary, 2 MiB
// pages up to the next 1 GiB boundary, 1 GiB pages for as long as a full
// 1 GiB block remains, then descending back through 2 MiB and 4 KiB for
// whatever is left. vbase, pbase and length must all be 4 KiB-aligned.
func MapRange(ctx AddressSpaceContext, vbase, pbase, length uintptr, access AccessFlags, cacheType CacheType) *kernel.Error {
	if vbase%mm.PageSize != 0 || pbase%mm.PageSize != 0 || length%mm.PageSize != 0 {
		return errUnalignedAddress
	}

	v, p, remaining := vbase, pbase, length

	// A huge granule is legal only where vbase and pbase share its alignment.
	huge2M := (vbase-pbase)%size2M == 0
	huge1G := (vbase-pbase)%size1G == 0

	for remaining >= mm.PageSize && (v%size2M != 0 || !huge2M) {
		if err := MapSingle4K(ctx, v, p, access, cacheType); err != nil {
			return err
		}
		v += mm.PageSize
		p += mm.PageSize
		remaining -= mm.PageSize
	}

	for remaining >= size2M && (v%size1G != 0 || !huge1G) {
		if err := MapSingle2M(ctx, v, p, access, cacheType); err != nil {
			return err
		}
		v += size2M
		p += size2M
		remaining -= size2M
	}

	for remaining >= size1G {
		if err := MapSingle1G(ctx, v, p, access, cacheType); err != nil {
			return err
		}
		v += size1G
		p += size1G
		remaining -= size1G
	}

	for remaining >= size2M {
		if err := MapSingle2M(ctx, v, p, access, cacheType); err != nil {
			return err
		}
		v += size2M
		p += size2M
		remaining -= size2M
	}

	for remaining > 0 {
		if err := MapSingle4K(ctx, v, p, access, cacheType); err != nil {
			return err
		}
		v += mm.PageSize
		p += mm.PageSize
		remaining -= mm.PageSize
	}

	return nil
}
