// Package vmm implements the page-table mapper (C5): builds and mutates the
// x86-64 four-level page table hierarchy, mapping ranges with the largest
// legal granule at each step, walking and translating addresses, and
// constructing the initial kernel address space. It is grounded on the
// teacher's PageDirectoryTable/pageTableEntry pair
// (kernel/mm/vmm/pdt.go, map.go, translate.go): the same HasFlags/SetFlags/
// ClearFlags bit-twiddling surface and walk-with-callback table descent, but
// with table frames reached through the HHDM direct map (kernel/mm uses it
// everywhere else in this core) instead of the teacher's recursive last-PML4-
// entry trick, and generalized from a single 4 KiB leaf size to three
// (4 KiB/2 MiB/1 GiB) with PAT-aware cache-type encoding.
package vmm

// pageLevels is the number of levels in the x86-64 paging hierarchy: PML4
// (level 0), PDPT (level 1), PD (level 2), PT (level 3).
const pageLevels = 4

// pageLevelShifts gives the bit position, within a virtual address, of each
// level's 9-bit index.
var pageLevelShifts = [pageLevels]uint{39, 30, 21, 12}

// entriesPerTable is the fixed fan-out of every table level (512 entries,
// 9 address bits each).
const entriesPerTable = 512

// PTE is one 64-bit page table entry, shared across all four levels; which
// fields are meaningful depends on the level and, at levels 1 and 2, whether
// PS is set.
type PTE uint64

const (
	FlagPresent  PTE = 1 << 0
	FlagWrite    PTE = 1 << 1
	FlagUser     PTE = 1 << 2
	FlagPWT      PTE = 1 << 3
	FlagPCD      PTE = 1 << 4
	FlagAccessed PTE = 1 << 5
	FlagDirty    PTE = 1 << 6

	// FlagPS terminates the walk at level 1 (1 GiB) or level 2 (2 MiB) when
	// set; it is reserved (must be 0) at level 3, the 4 KiB leaf.
	FlagPS PTE = 1 << 7

	FlagGlobal PTE = 1 << 8

	// flagPAT4K is the page-attribute-table selector bit for a 4 KiB leaf
	// entry (level 3). It shares its bit position with FlagPS because a
	// level-3 entry never sets PS.
	flagPAT4K PTE = 1 << 7

	// flagPATHuge is the page-attribute-table selector bit for a 1 GiB or
	// 2 MiB leaf entry: the low-order bits that would otherwise index into
	// the huge page are unused by the physical address field, so the
	// architecture relocates PAT to bit 12 for these entries.
	flagPATHuge PTE = 1 << 12

	// FlagNX marks the mapping non-executable.
	FlagNX PTE = 1 << 63
)

// AccessFlags is the caller-facing subset of PTE bits accepted by MapRange
// and the MapSingle* helpers: {WRITE, USER, NX}. PRESENT is always implied;
// the cache-type bits are derived separately from a CacheType value.
type AccessFlags PTE

const (
	AccessWrite AccessFlags = AccessFlags(FlagWrite)
	AccessUser  AccessFlags = AccessFlags(FlagUser)
	AccessNX    AccessFlags = AccessFlags(FlagNX)
)

// addrMask4K, addrMask2M and addrMask1G extract the physical frame address
// from a leaf entry at each granule: bits 12-51, 21-51 and 30-51
// respectively. The low-order bits below each mask's base are architecturally
// forced to zero by the granule's alignment requirement; for 2 MiB and 1 GiB
// entries this also excludes bit 12, which flagPATHuge occupies instead of an
// address bit.
const (
	addrMaskTable PTE = 0x000ffffffffff000
	addrMask4K    PTE = 0x000ffffffffff000
	addrMask2M    PTE = 0x000fffffffe00000
	addrMask1G    PTE = 0x000fffffc0000000
)

// HasFlags returns true if every bit in flags is set on this entry.
func (e PTE) HasFlags(flags PTE) bool { return e&flags == flags }

// SetFlags ORs flags into this entry.
func (e *PTE) SetFlags(flags PTE) { *e |= flags }

// ClearFlags clears flags from this entry.
func (e *PTE) ClearFlags(flags PTE) { *e &^= flags }

// TableFrame returns the physical address of the next-level table pointed to
// by a non-leaf entry.
func (e PTE) TableFrame() uintptr { return uintptr(e & addrMaskTable) }

// SetTableFrame installs the physical address of the next-level table into a
// non-leaf entry, preserving its flag bits.
func (e *PTE) SetTableFrame(phys uintptr) {
	*e = (*e &^ addrMaskTable) | PTE(phys)&addrMaskTable
}

// leafAddrMask returns the physical-address mask for a leaf entry at the
// given depth (1 = 1 GiB, 2 = 2 MiB, 3 = 4 KiB; see Walk).
func leafAddrMask(depth uint8) PTE {
	switch depth {
	case 1:
		return addrMask1G
	case 2:
		return addrMask2M
	default:
		return addrMask4K
	}
}

// LeafFrame returns the physical address mapped by a leaf entry at the given
// depth.
func (e PTE) LeafFrame(depth uint8) uintptr { return uintptr(e & leafAddrMask(depth)) }

// SetLeafFrame installs a leaf entry's physical address, preserving flags.
func (e *PTE) SetLeafFrame(phys uintptr, depth uint8) {
	mask := leafAddrMask(depth)
	*e = (*e &^ mask) | PTE(phys)&mask
}

// CacheType selects one of the five cache policies reachable through the
// reset Page Attribute Table layout (PAT0-3 = {WB, WT, UC-, UC}, PAT5 = WC).
type CacheType uint8

const (
	CacheWB CacheType = iota
	CacheWT
	CacheUC
	CacheWC
	CacheWP
)

// cacheEncoding is one row of the PWT/PCD/PAT table from the design.
type cacheEncoding struct {
	pwt, pcd, pat bool
}

var cacheEncodings = [...]cacheEncoding{
	CacheWB: {pwt: false, pcd: false, pat: false},
	CacheWT: {pwt: false, pcd: false, pat: true},
	CacheUC: {pwt: true, pcd: false, pat: true},
	CacheWC: {pwt: false, pcd: true, pat: true},
	CacheWP: {pwt: false, pcd: true, pat: false},
}

// applyCacheType ORs the PWT/PCD/PAT bits for cacheType into entry, using the
// 4 KiB PAT bit position if isLeaf4K is true and the huge-page PAT bit
// position otherwise. The huge-page position only applies to leaf entries
// that already carry FlagPS; intermediate table entries never call this.
func applyCacheType(entry PTE, cacheType CacheType, isLeaf4K bool) PTE {
	enc := cacheEncodings[cacheType]
	if enc.pwt {
		entry |= FlagPWT
	}
	if enc.pcd {
		entry |= FlagPCD
	}
	if enc.pat {
		if isLeaf4K {
			entry |= flagPAT4K
		} else {
			entry |= flagPATHuge
		}
	}
	return entry
}
