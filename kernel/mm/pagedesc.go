package mm

import (
	"limnos/kernel"
	"unsafe"
)

// PageFlags discriminates the tagged union carried by every Page descriptor.
// Go has no native union type; Page instead carries the superset of fields
// used by each variant and these flags say which subset is currently
// meaningful. This trades the C source's ~40 B descriptor for a larger one
// (several 8 B pointers), a deliberate, documented size/safety tradeoff
// rather than an oversight (see DESIGN.md).
type PageFlags uint32

const (
	// FlagBuddyFreeHead marks a page as the head of a free block on some
	// order's buddy freelist. Next/Prev are valid.
	FlagBuddyFreeHead PageFlags = 1 << iota

	// FlagSlabCompositeHead marks a page as a slab descriptor: the head of
	// a composite buddy block that has been carved into equal-size
	// objects. CacheIdx, SlabNext/SlabPrev, FreeObj, UsedObjs and
	// TotalObjs are valid.
	FlagSlabCompositeHead

	// FlagKmallocBuddyDirect marks a page as the head of a buddy block
	// handed directly to a kalloc caller whose request exceeded the
	// largest slab size class. Order is valid.
	FlagKmallocBuddyDirect

	// FlagCompositeTail marks a page as a non-head member of a composite
	// block (order > 0) owned by a slab or direct-kmalloc head. CompHead
	// is valid.
	FlagCompositeTail

	// compositeHeadFlags is the set of flags that make a page a composite
	// head as defined by invariant I4; at most one may be set.
	compositeHeadFlags = FlagSlabCompositeHead | FlagKmallocBuddyDirect
)

var errPageUnionMisuse = &kernel.Error{Module: "mm", Message: "page descriptor accessed under the wrong union variant"}

// Page is the one fixed-size bookkeeping record kept for every physical page
// frame in the machine, addressed by frame index. See PageFlags for the
// tagged-union discriminator.
type Page struct {
	Flags PageFlags

	// Buddy free-list linkage (FlagBuddyFreeHead).
	Next, Prev *Page

	// Slab head fields (FlagSlabCompositeHead).
	CacheIdx            uint8
	SlabNext, SlabPrev   *Page
	FreeObj              uintptr
	UsedObjs, TotalObjs  uint16

	// Order records the buddy block size class (log2 of its page count)
	// for whichever page is currently the head of that block: a free
	// block (FlagBuddyFreeHead), a direct large kmalloc (
	// FlagKmallocBuddyDirect), or a block the buddy allocator has handed
	// out to a caller that tracks the order itself (no flag set).
	Order uint8

	// Composite tail back-reference (FlagCompositeTail).
	CompHead *Page
}

// IsBuddyFreeHead reports whether this page is currently the head of a free
// buddy block.
func (p *Page) IsBuddyFreeHead() bool { return p.Flags&FlagBuddyFreeHead != 0 }

// IsSlabCompositeHead reports whether this page has been repurposed into a
// slab descriptor.
func (p *Page) IsSlabCompositeHead() bool { return p.Flags&FlagSlabCompositeHead != 0 }

// IsKmallocBuddyDirect reports whether this page is the head of a direct,
// buddy-backed kalloc allocation.
func (p *Page) IsKmallocBuddyDirect() bool { return p.Flags&FlagKmallocBuddyDirect != 0 }

// IsCompositeTail reports whether this page is a tail member of some
// composite block.
func (p *Page) IsCompositeTail() bool { return p.Flags&FlagCompositeTail != 0 }

// IsCompositeHead reports whether this page carries one of the composite
// head flags (slab or direct-kmalloc).
func (p *Page) IsCompositeHead() bool { return p.Flags&compositeHeadFlags != 0 }

// SetCompositeHead installs one composite-head flag, enforcing invariant I4:
// a descriptor may carry exactly one composite-head flag and must not also
// be a composite tail.
func (p *Page) SetCompositeHead(flag PageFlags) {
	if flag&compositeHeadFlags == 0 {
		panic(errPageUnionMisuse)
	}
	if p.IsCompositeTail() || p.IsCompositeHead() {
		panic(errPageUnionMisuse)
	}
	p.Flags |= flag
}

// SetCompositeTail installs FlagCompositeTail and the head back-reference,
// enforcing invariant I4.
func (p *Page) SetCompositeTail(head *Page) {
	if p.IsCompositeHead() {
		panic(errPageUnionMisuse)
	}
	p.Flags |= FlagCompositeTail
	p.CompHead = head
}

// ClearAll resets the descriptor to its zero (unowned) state. Called when a
// composite block is broken back apart by the buddy allocator's free path.
func (p *Page) ClearAll() {
	*p = Page{}
}

var (
	// table is the Page descriptor array, one entry per physical frame in
	// [0, highest memmap end). Populated once by mm/memmap's importer and
	// never resized afterwards.
	table []Page
)

// InitPageTable installs the backing array for the Page descriptor table.
// It is called exactly once, by mm/memmap, after the early bump allocator
// has produced zeroed storage for it.
func InitPageTable(backing []Page) {
	table = backing
}

// PagesCount returns the number of Page descriptors currently tracked.
func PagesCount() uint64 { return uint64(len(table)) }

// PageTable returns the full backing array, for use by the buddy allocator's
// initialization pass over every frame.
func PageTable() []Page { return table }

// PhysToPage returns the Page descriptor for the frame containing phys. It
// is a constant-time lookup: no traversal, just an index into table.
func PhysToPage(phys uintptr) *Page {
	return &table[phys>>PageShift]
}

// PageToIdx returns the frame index the given descriptor was constructed
// for. It is computed from the descriptor's offset into table, which keeps
// the idx<->phys bijection exact without storing a redundant index field in
// every descriptor.
func PageToIdx(p *Page) Frame {
	base := unsafe.Pointer(&table[0])
	off := uintptr(unsafe.Pointer(p)) - uintptr(base)
	return Frame(off / unsafe.Sizeof(Page{}))
}

// PageToPhys returns the physical base address of the frame described by p.
func PageToPhys(p *Page) uintptr {
	return PageToIdx(p).Address()
}
