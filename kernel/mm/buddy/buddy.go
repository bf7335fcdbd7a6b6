// Package buddy implements the buddy page allocator (C3): the exclusive
// source of raw physical pages for the rest of the kernel once the early
// bump allocator (kernel/mm/earlyalloc) has been retired. It is grounded on
// the teacher's BitmapAllocator
// (kernel/mem/pmm/allocator/bitmap_allocator.go): pool discovery by walking
// the memory map, self-hosting its own bookkeeping storage inside a usable
// region, and a printStats-style diagnostic dump, generalized from a flat
// free/reserved bitmap into per-order freelists threaded through Page
// descriptors plus one buddy-pair bitmap per order.
package buddy

import (
	"limnos/kernel"
	"limnos/kernel/hal/boot"
	"limnos/kernel/kfmt"
	"limnos/kernel/mm"
	"limnos/kernel/sync"
	"unsafe"
)

// MaxOrder is the highest buddy order the allocator manages. An order-o
// block spans 1<<o pages; MaxOrder thus bounds the largest single
// allocation at 1<<MaxOrder pages (4 MiB at the default order of 10).
const MaxOrder = 10

var (
	errOutOfMemory   = &kernel.Error{Module: "buddy", Message: "no free block of a sufficient order"}
	errNoHostRegion  = &kernel.Error{Module: "buddy", Message: "no usable region large enough to host the buddy bitmaps"}
	errOrderMismatch = &kernel.Error{Module: "buddy", Message: "page freed at an order that does not match its allocation"}
	errNotBuddyOwned = &kernel.Error{Module: "buddy", Message: "page is not the head of a live buddy allocation"}
	errInvalidOrder  = &kernel.Error{Module: "buddy", Message: "requested order exceeds MaxOrder"}
)

type freelist struct {
	head  *mm.Page
	count uint64
}

// Allocator is the global buddy page allocator. One instance, Default,
// backs the whole kernel; it is initialized once, by Init, after the early
// bump allocator's Exit has run.
type Allocator struct {
	lock sync.Spinlock

	free   [MaxOrder + 1]freelist
	bitmap [MaxOrder][]uint64

	hhdmOffset  uintptr
	totalPages  uint64
	usablePages uint64
	freePages   uint64
}

// Default is the kernel's single buddy allocator instance.
var Default Allocator

// Init partitions the memory map's remaining usable entries (the view left
// behind once kernel/mm/earlyalloc.Allocator.Exit has run) into the initial
// set of buddy blocks. It self-hosts the per-order buddy-pair bitmaps inside
// a carved prefix of the first usable entry with enough room, the same
// technique kernel/mm/memmap.Import uses to host the memmap copy itself.
func Init(m *mm.MemoryMap) *kernel.Error {
	return Default.init(m)
}

func (a *Allocator) init(m *mm.MemoryMap) *kernel.Error {
	a.hhdmOffset = m.HHDMOffset
	a.totalPages = mm.PagesCount()

	pairWords := make([]uint64, MaxOrder)
	var totalWords uint64
	for o := 0; o < MaxOrder; o++ {
		pairs := a.totalPages >> uint(o+1)
		words := (pairs + 63) / 64
		pairWords[o] = words
		totalWords += words
	}
	rawBytes := uintptr(totalWords) * unsafe.Sizeof(uint64(0))
	pageMask := mm.PageSize - 1
	neededBytes := (rawBytes + pageMask) &^ pageMask

	hostIdx := -1
	for i := range m.Entries {
		e := &m.Entries[i]
		if e.Type == boot.EntryUsable && e.Length >= neededBytes {
			hostIdx = i
			break
		}
	}
	if hostIdx < 0 {
		return errNoHostRegion
	}

	hostEntry := &m.Entries[hostIdx]
	bitmapVirt := m.DirectMap(hostEntry.Start)
	hostEntry.Start += neededBytes
	hostEntry.Length -= neededBytes

	allWords := unsafe.Slice((*uint64)(unsafe.Pointer(bitmapVirt)), totalWords)
	for i := range allWords {
		allWords[i] = 0
	}
	var offset uint64
	for o := 0; o < MaxOrder; o++ {
		a.bitmap[o] = allWords[offset : offset+pairWords[o]]
		offset += pairWords[o]
	}

	for i := range m.Entries {
		e := &m.Entries[i]
		if e.Type != boot.EntryUsable || e.Length < mm.PageSize {
			continue
		}
		a.insertRegion(e.Start, e.Length)
	}

	a.printStats()
	return nil
}

// insertRegion files every page in [start, start+length) onto the free
// lists, greedily choosing the largest order that is both small enough to
// fit in the remaining span and aligned to the current frame (design step
// C3.0, "a region whose alignment permits only order-0 insertion is still
// fully made available").
func (a *Allocator) insertRegion(start, length uintptr) {
	frame := uint64(start >> mm.PageShift)
	remaining := uint64(length >> mm.PageShift)

	for remaining > 0 {
		order := uint8(MaxOrder)
		for order > 0 {
			blockPages := uint64(1) << order
			if blockPages <= remaining && frame%blockPages == 0 {
				break
			}
			order--
		}

		blockPages := uint64(1) << order
		p := &mm.PageTable()[frame]
		p.ClearAll()
		a.pushFreelist(order, p)
		a.usablePages += blockPages
		a.freePages += blockPages

		frame += blockPages
		remaining -= blockPages
	}
}

// Alloc returns the head descriptor of a 2^order-page, 2^order-page-aligned
// contiguous block, splitting higher-order free blocks as needed. It
// returns errOutOfMemory (never panics) when no block of a sufficient order
// can be produced.
func (a *Allocator) Alloc(order uint8) (*mm.Page, *kernel.Error) {
	if order > MaxOrder {
		return nil, errInvalidOrder
	}

	a.lock.Acquire()
	defer a.lock.Release()

	for o := order; o <= MaxOrder; o++ {
		if a.free[o].head == nil {
			continue
		}

		h := a.popFreelist(o)
		if o < MaxOrder {
			a.toggleBit(o, uint64(mm.PageToIdx(h)))
		}

		for cur := o; cur > order; cur-- {
			splitOrder := cur - 1
			buddyFrame := uint64(mm.PageToIdx(h)) + (uint64(1) << splitOrder)
			buddy := &mm.PageTable()[buddyFrame]
			buddy.ClearAll()
			a.pushFreelist(splitOrder, buddy)
			a.toggleBit(splitOrder, uint64(mm.PageToIdx(h)))
		}

		h.Flags &^= mm.FlagBuddyFreeHead
		h.Next, h.Prev = nil, nil
		h.Order = order
		a.freePages -= uint64(1) << order
		return h, nil
	}

	return nil, errOutOfMemory
}

// AllocZeroed behaves like Alloc but zero-fills the returned block through
// the direct map before returning it.
func (a *Allocator) AllocZeroed(order uint8) (*mm.Page, *kernel.Error) {
	p, err := a.Alloc(order)
	if err != nil {
		return nil, err
	}
	addr := a.hhdmOffset + mm.PageToPhys(p)
	kernel.Memset(addr, 0, mm.PageSize<<order)
	return p, nil
}

// Free returns a previously allocated block to the allocator, coalescing
// with its buddy at each order while the buddy is also free. order must
// match the order the block was allocated at; a mismatch is an invariant
// violation and panics rather than silently corrupting the free lists.
func (a *Allocator) Free(page *mm.Page, order uint8) {
	if page.IsBuddyFreeHead() || page.IsCompositeHead() || page.IsCompositeTail() {
		panic(errNotBuddyOwned)
	}
	if page.Order != order {
		panic(errOrderMismatch)
	}

	a.lock.Acquire()
	defer a.lock.Release()

	cur := page
	curOrder := order
	for curOrder < MaxOrder {
		frameIdx := uint64(mm.PageToIdx(cur))
		if a.toggleBit(curOrder, frameIdx) {
			break
		}

		// The XOR bit alone cannot tell "both buddies free" apart from
		// "this buddy free, the other permanently excluded" (firmware-
		// reserved memory, the bitmap's own self-hosted storage): an
		// excluded frame's side of the bit is never toggled, so it
		// free-rides on whatever the tracked side leaves behind. Confirm
		// the buddy is genuinely on a freelist before merging into it.
		buddyFrame := frameIdx ^ (uint64(1) << curOrder)
		buddy := &mm.PageTable()[buddyFrame]
		if !buddy.IsBuddyFreeHead() {
			break
		}
		a.removeFromFreelist(curOrder, buddy)

		if buddyFrame < frameIdx {
			cur = buddy
		}
		curOrder++
	}

	cur.ClearAll()
	a.pushFreelist(curOrder, cur)
	a.freePages += uint64(1) << order
}

// MemoryStats is a point-in-time snapshot returned by StatMemory.
type MemoryStats struct {
	TotalPages  uint64
	UsablePages uint64
	FreePages   uint64
}

// StatMemory returns a snapshot of the allocator's page accounting.
func (a *Allocator) StatMemory() MemoryStats {
	a.lock.Acquire()
	defer a.lock.Release()
	return MemoryStats{
		TotalPages:  a.totalPages,
		UsablePages: a.usablePages,
		FreePages:   a.freePages,
	}
}

// toggleBit flips the buddy-pair bit for the pair containing frameIdx at
// the given order and returns its new value: true means the pair is now
// mismatched (one buddy allocated, one free), false means both buddies are
// now in the same state.
func (a *Allocator) toggleBit(order uint8, frameIdx uint64) bool {
	pairIdx := frameIdx >> (order + 1)
	word := pairIdx / 64
	bit := uint(pairIdx % 64)
	a.bitmap[order][word] ^= uint64(1) << bit
	return a.bitmap[order][word]&(uint64(1)<<bit) != 0
}

func (a *Allocator) pushFreelist(order uint8, p *mm.Page) {
	p.Flags = mm.FlagBuddyFreeHead
	p.Order = order
	p.Prev = nil
	p.Next = a.free[order].head
	if p.Next != nil {
		p.Next.Prev = p
	}
	a.free[order].head = p
	a.free[order].count++
}

func (a *Allocator) popFreelist(order uint8) *mm.Page {
	p := a.free[order].head
	a.free[order].head = p.Next
	if p.Next != nil {
		p.Next.Prev = nil
	}
	p.Next, p.Prev = nil, nil
	a.free[order].count--
	return p
}

func (a *Allocator) removeFromFreelist(order uint8, p *mm.Page) {
	if p.Prev != nil {
		p.Prev.Next = p.Next
	} else {
		a.free[order].head = p.Next
	}
	if p.Next != nil {
		p.Next.Prev = p.Prev
	}
	p.Next, p.Prev = nil, nil
	a.free[order].count--
}

func (a *Allocator) printStats() {
	kfmt.PrintfModule(
		"buddy",
		"page stats: free: %d/%d (usable %d, total %d)\n",
		a.freePages,
		a.totalPages,
		a.usablePages,
		a.totalPages,
	)
}
