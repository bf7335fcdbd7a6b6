// Package slab implements the slab/kernel-heap allocator (C4): ten
// fixed-size object caches layered on kernel/mm/buddy, backing a general
// kalloc/kfree/kcalloc/krealloc surface for the rest of the kernel. It is
// grounded on the teacher's BitmapAllocator's cache bookkeeping style
// (kernel/mem/pmm/allocator/bitmap_allocator.go: per-pool counters, a
// printStats diagnostic, one spinlock guarding list mutation) generalized
// from flat page reservation into the three-list (empty/partial/full) slab
// lifecycle, with the freelist and slab descriptor threaded entirely through
// mm.Page and raw object memory rather than any heap-allocated bookkeeping
// (the kernel heap cannot depend on itself).
//
// List naming: "empty" holds slabs with no free object left, "partial" slabs
// with some objects in use, and "full" slabs whose objects are all free.
package slab

import (
	"limnos/kernel"
	"limnos/kernel/kfmt"
	"limnos/kernel/mm"
	"limnos/kernel/mm/buddy"
	"limnos/kernel/sync"
	"unsafe"
)

// sizeClasses are the ten generic object sizes the slab allocator serves
// directly; requests larger than the last entry forward to the buddy
// allocator.
var sizeClasses = [10]uint32{16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192}

// pagesPerSlab is fixed per cache, one entry per sizeClasses index. Every
// class fits at least 16 objects in a slab except the 8192-byte class, whose
// 16-page slabs hold 8.
var pagesPerSlab = [10]uint8{1, 1, 1, 1, 2, 4, 8, 8, 16, 16}

const maxDirectSize = 8192

// errDoubleFree and errRedzoneCorrupted live in sanitizer.go, next to the
// poisoning logic that detects them.
var errInvariantViolation = &kernel.Error{Module: "slab", Message: "slab bookkeeping invariant violated"}

// slabList is a doubly-linked list of slab head descriptors, threaded
// through Page.SlabNext/SlabPrev. head is the most recently inserted slab,
// tail the oldest, so eviction always walks from the tail.
type slabList struct {
	head, tail *mm.Page
	count      int
}

// Cache is one generic object-size cache.
type Cache struct {
	lock sync.Spinlock

	idx          uint8
	objSize      uint32
	objMDSize    uint32
	pagesPerSlab uint8
	order        uint8
	objsPerSlab  uint16

	empty, partial, full slabList
}

var caches [10]*Cache
var hhdmOffset uintptr

// Init wires the ten generic caches to the given direct-map offset. It must
// run after kernel/mm/buddy.Init.
func Init(hhdm uintptr) {
	hhdmOffset = hhdm
	for i := range sizeClasses {
		c := &Cache{
			idx:          uint8(i),
			objSize:      sizeClasses[i],
			pagesPerSlab: pagesPerSlab[i],
			order:        log2Pow2(pagesPerSlab[i]),
		}
		c.objMDSize = objMDSize(c.objSize)
		c.objsPerSlab = uint16((uint32(c.pagesPerSlab) * uint32(mm.PageSize)) / c.objMDSize)
		caches[i] = c
	}
}

// log2Pow2 returns log2(n) for a power-of-two n.
func log2Pow2(n uint8) uint8 {
	var o uint8
	for n > 1 {
		n >>= 1
		o++
	}
	return o
}

// ceilLog2 returns the smallest k such that 1<<k >= n, for n >= 1.
func ceilLog2(n uint64) uint8 {
	var k uint8
	for (uint64(1) << k) < n {
		k++
	}
	return k
}

// sizeClassIndex returns the index of the smallest size class that fits
// size, or false if size exceeds maxDirectSize.
func sizeClassIndex(size uint32) (int, bool) {
	for i, s := range sizeClasses {
		if size <= s {
			return i, true
		}
	}
	return 0, false
}

// Alloc returns size bytes of kernel heap memory. Requests over
// maxDirectSize forward directly to the buddy allocator. A request of zero
// returns a null pointer; exhaustion at any layer returns a null pointer
// rather than panicking.
func Alloc(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, nil
	}

	if size > maxDirectSize {
		pages := (uint64(size) + uint64(mm.PageSize) - 1) / uint64(mm.PageSize)
		order := ceilLog2(pages)
		p, err := buddy.Default.Alloc(order)
		if err != nil {
			return 0, err
		}
		p.SetCompositeHead(mm.FlagKmallocBuddyDirect)
		p.Order = order
		return hhdmOffset + mm.PageToPhys(p), nil
	}

	idx, ok := sizeClassIndex(uint32(size))
	if !ok {
		return 0, nil
	}
	return caches[idx].alloc(uint32(size))
}

// AllocZeroed behaves like Alloc but zero-fills the returned memory.
func AllocZeroed(size uintptr) (uintptr, *kernel.Error) {
	ptr, err := Alloc(size)
	if err != nil || ptr == 0 {
		return ptr, err
	}
	kernel.Memset(ptr, 0, size)
	return ptr, nil
}

// Realloc allocates a new size-byte block, copies min(old, size) bytes from
// ptr, and frees ptr. A null ptr behaves like Alloc; the "old" size used for
// the copy is the allocation's size class (or buddy block size for direct
// allocations), which is always at least as large as the original request.
func Realloc(ptr uintptr, size uintptr) (uintptr, *kernel.Error) {
	if ptr == 0 {
		return Alloc(size)
	}

	oldSize := allocationSize(ptr)

	newPtr, err := Alloc(size)
	if err != nil {
		return 0, err
	}
	if newPtr != 0 {
		copyLen := oldSize
		if size < copyLen {
			copyLen = size
		}
		kernel.Memcopy(ptr, newPtr, copyLen)
	}
	Free(ptr)
	return newPtr, nil
}

// allocationSize returns the usable size of the live allocation at ptr.
func allocationSize(ptr uintptr) uintptr {
	p := pageFor(ptr)
	if p.IsKmallocBuddyDirect() {
		return mm.PageSize << p.Order
	}
	head := p
	if p.IsCompositeTail() {
		head = p.CompHead
	}
	return uintptr(caches[head.CacheIdx].objSize)
}

// Free releases a pointer previously returned by Alloc, AllocZeroed, or
// Realloc. A null pointer is a no-op.
func Free(ptr uintptr) {
	if ptr == 0 {
		return
	}

	p := pageFor(ptr)

	if p.IsKmallocBuddyDirect() {
		order := p.Order
		p.Flags &^= mm.FlagKmallocBuddyDirect
		buddy.Default.Free(p, order)
		return
	}

	head := p
	if p.IsCompositeTail() {
		head = p.CompHead
	}
	if !head.IsSlabCompositeHead() {
		panic(errInvariantViolation)
	}

	caches[head.CacheIdx].free(head, objectSlotAddr(head, ptr))
}

// pageFor locates the Page descriptor that owns the direct-mapped pointer
// ptr, per the design's phys = virt - hhdm_offset; idx = phys >> 12.
func pageFor(ptr uintptr) *mm.Page {
	phys := ptr - hhdmOffset
	return mm.PhysToPage(phys)
}

// objMDSize returns the real per-object storage footprint for a size class,
// including sanitizer redzones when enabled: the left redzone, the size
// class itself (part of which doubles as an inner redzone past whatever an
// individual allocation actually requests), the fixed right redzone guarding
// the trailing size word, and the size word.
func objMDSize(objSize uint32) uint32 {
	if !SanitizerEnabled {
		return objSize
	}
	return objSize + redzoneLeft + redzoneRight + sizeWordBytes
}

// alloc services one object-sized request from this cache, creating a new
// slab if neither the partial nor full lists can supply one.
func (c *Cache) alloc(requestedSize uint32) (uintptr, *kernel.Error) {
	c.lock.Acquire()
	defer c.lock.Release()

	s, err := c.takeAvailableSlab()
	if err != nil {
		return 0, err
	}

	slotAddr := s.FreeObj
	next := *(*uintptr)(unsafe.Pointer(slotAddr))
	s.FreeObj = next
	s.UsedObjs++
	c.classify(s)

	if SanitizerEnabled {
		return poisonObject(slotAddr, c.objSize, requestedSize), nil
	}
	return slotAddr, nil
}

// free returns one object to its owning slab head's freelist.
func (c *Cache) free(head *mm.Page, slotAddr uintptr) {
	c.lock.Acquire()
	defer c.lock.Release()

	if SanitizerEnabled {
		checkObjectOnFree(slotAddr, c.objSize, c.idx)
	}

	if head.UsedObjs == 0 {
		panic(errInvariantViolation)
	}

	var from *slabList
	if head.UsedObjs == head.TotalObjs {
		from = &c.empty
	} else {
		from = &c.partial
	}
	removeSlab(from, head)

	*(*uintptr)(unsafe.Pointer(slotAddr)) = head.FreeObj
	head.FreeObj = slotAddr
	head.UsedObjs--

	c.classify(head)
}

// takeAvailableSlab returns a slab head guaranteed to have a free object,
// detached from whichever list currently holds it (or freshly allocated).
func (c *Cache) takeAvailableSlab() (*mm.Page, *kernel.Error) {
	if c.partial.head != nil {
		s := c.partial.head
		removeSlab(&c.partial, s)
		return s, nil
	}
	if c.full.head != nil {
		s := c.full.tail
		removeSlab(&c.full, s)
		return s, nil
	}
	return c.newSlab()
}

// classify re-inserts a slab head into the list matching its current
// used/total ratio, evicting the oldest full slab if the full list has
// grown past the eviction threshold.
func (c *Cache) classify(s *mm.Page) {
	switch {
	case s.UsedObjs == 0:
		pushSlabFront(&c.full, s)
		c.evictIfNeeded()
	case s.UsedObjs == s.TotalObjs:
		pushSlabFront(&c.empty, s)
	default:
		pushSlabFront(&c.partial, s)
	}
}

// evictIfNeeded frees the oldest full (all-free) slabs back to the buddy
// allocator once the full list exceeds ceil_log2(obj_md_size)+1 entries.
func (c *Cache) evictIfNeeded() {
	threshold := int(ceilLog2(uint64(c.objMDSize))) + 1
	for c.full.count > threshold {
		oldest := c.full.tail
		removeSlab(&c.full, oldest)
		c.releaseSlab(oldest)
	}
}

// newSlab requests a fresh composite block from the buddy allocator, marks
// its head and tail descriptors, and threads every object slot into an
// intrusive singly-linked freelist.
func (c *Cache) newSlab() (*mm.Page, *kernel.Error) {
	head, err := buddy.Default.Alloc(c.order)
	if err != nil {
		return nil, err
	}
	head.SetCompositeHead(mm.FlagSlabCompositeHead)
	head.CacheIdx = c.idx
	head.TotalObjs = c.objsPerSlab
	head.UsedObjs = 0

	headFrame := mm.PageToIdx(head)
	for i := uint64(1); i < uint64(c.pagesPerSlab); i++ {
		tail := &mm.PageTable()[uint64(headFrame)+i]
		tail.ClearAll()
		tail.SetCompositeTail(head)
	}

	slabBase := hhdmOffset + mm.PageToPhys(head)
	var prev uintptr
	for i := int(c.objsPerSlab) - 1; i >= 0; i-- {
		slot := slabBase + uintptr(i)*uintptr(c.objMDSize)
		*(*uintptr)(unsafe.Pointer(slot)) = prev
		prev = slot
	}
	head.FreeObj = slabBase

	return head, nil
}

// releaseSlab breaks a fully-free composite block back apart and returns it
// to the buddy allocator. Only the composite-head flag is cleared here (not
// the whole descriptor): buddy.Free checks the block's recorded Order
// against the order it is freed at, and itself clears the descriptor once
// the block settles onto a free list.
func (c *Cache) releaseSlab(head *mm.Page) {
	headFrame := mm.PageToIdx(head)
	for i := uint64(1); i < uint64(c.pagesPerSlab); i++ {
		mm.PageTable()[uint64(headFrame)+i].ClearAll()
	}
	order := head.Order
	head.Flags &^= mm.FlagSlabCompositeHead
	buddy.Default.Free(head, order)
}

// objectSlotAddr returns the raw obj_md_size-sized slot address for a
// pointer previously handed out by alloc, undoing the sanitizer's
// left-redzone offset when enabled.
func objectSlotAddr(head *mm.Page, ptr uintptr) uintptr {
	if !SanitizerEnabled {
		return ptr
	}
	return ptr - redzoneLeft
}

func pushSlabFront(l *slabList, p *mm.Page) {
	p.SlabPrev = nil
	p.SlabNext = l.head
	if l.head != nil {
		l.head.SlabPrev = p
	} else {
		l.tail = p
	}
	l.head = p
	l.count++
}

func removeSlab(l *slabList, p *mm.Page) {
	if p.SlabPrev != nil {
		p.SlabPrev.SlabNext = p.SlabNext
	} else {
		l.head = p.SlabNext
	}
	if p.SlabNext != nil {
		p.SlabNext.SlabPrev = p.SlabPrev
	} else {
		l.tail = p.SlabPrev
	}
	p.SlabNext, p.SlabPrev = nil, nil
	l.count--
}

// PrintStats dumps a one-line utilization summary for every cache.
func PrintStats() {
	for i, c := range caches {
		kfmt.PrintfModule(
			"slab",
			"cache %d: obj_size=%d empty=%d partial=%d full=%d\n",
			i, c.objSize, c.empty.count, c.partial.count, c.full.count,
		)
	}
}
