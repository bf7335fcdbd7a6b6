package buddy

import (
	"limnos/kernel/hal/boot"
	"limnos/kernel/mm"
	"testing"
	"unsafe"
)

// setup installs a 16-frame Page table and a memory map whose only entry
// spans all 16 frames, backed by a real Go byte buffer so the allocator's
// self-hosted bitmap carve-out lands in addressable memory. It returns a
// fresh Allocator over that map: frame 0 ends up reserved by the bitmap
// carve-out, leaving frames 1-15 (15 pages) for the free lists.
func setup(t *testing.T) *Allocator {
	t.Helper()

	const frames = 16
	mm.InitPageTable(make([]mm.Page, frames))

	buf := make([]byte, frames*int(mm.PageSize))
	bufAddr := uintptr(unsafe.Pointer(&buf[0]))

	m := &mm.MemoryMap{
		HHDMOffset: bufAddr,
		Entries: []mm.MemmapEntry{
			{Start: 0, Length: frames * mm.PageSize, Type: boot.EntryUsable},
		},
	}

	a := &Allocator{}
	if err := a.init(m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return a
}

func TestInitPartitionsFreePages(t *testing.T) {
	a := setup(t)

	stats := a.StatMemory()
	if stats.TotalPages != 16 {
		t.Errorf("expected 16 total pages; got %d", stats.TotalPages)
	}
	if stats.UsablePages != 15 {
		t.Errorf("expected 15 usable pages (frame 0 reserved by the bitmap); got %d", stats.UsablePages)
	}
	if stats.FreePages != 15 {
		t.Errorf("expected 15 free pages; got %d", stats.FreePages)
	}

	if a.free[0].count != 1 || a.free[1].count != 1 || a.free[2].count != 1 || a.free[3].count != 1 {
		t.Errorf("expected exactly one free block at orders 0-3; got counts %v", []uint64{
			a.free[0].count, a.free[1].count, a.free[2].count, a.free[3].count,
		})
	}
}

func TestAllocExactOrderMatch(t *testing.T) {
	a := setup(t)

	p, err := a.Alloc(3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := mm.PageToIdx(p); got != 8 {
		t.Errorf("expected the order-3 block at frame 8; got frame %d", got)
	}
	if p.IsBuddyFreeHead() {
		t.Error("expected the allocated page to no longer be a free head")
	}
	if p.Order != 3 {
		t.Errorf("expected Order to be recorded as 3; got %d", p.Order)
	}

	stats := a.StatMemory()
	if stats.FreePages != 15-8 {
		t.Errorf("expected free pages to drop by 8; got %d", stats.FreePages)
	}
}

func TestAllocSplitsHigherOrderBlock(t *testing.T) {
	a := setup(t)

	// The only order-2 block (frame 4) is taken directly...
	first, err := a.Alloc(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := mm.PageToIdx(first); got != 4 {
		t.Fatalf("expected the exact order-2 block at frame 4; got frame %d", got)
	}

	// ...so a second order-2 request must split the order-3 block at frame 8.
	second, err := a.Alloc(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := mm.PageToIdx(second); got != 8 {
		t.Errorf("expected the split to hand out frame 8; got frame %d", got)
	}

	// The other half of the split (frames 12-15) should now be free at order 2.
	if a.free[2].count != 1 {
		t.Errorf("expected exactly one order-2 block left over from the split; got %d", a.free[2].count)
	}
	if a.free[2].head == nil || mm.PageToIdx(a.free[2].head) != 12 {
		t.Errorf("expected the split remainder to be frame 12")
	}
}

func TestAllocFailsOnExhaustion(t *testing.T) {
	a := setup(t)

	if _, err := a.Alloc(4); err == nil {
		t.Fatal("expected an order-4 request to fail: the largest available block is order 3")
	}
}

func TestFreeCoalescesBuddies(t *testing.T) {
	a := setup(t)

	before := a.StatMemory().FreePages

	p, err := a.Alloc(3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.Free(p, 3)

	after := a.StatMemory().FreePages
	if after != before {
		t.Errorf("expected free page count to return to %d after alloc/free; got %d", before, after)
	}
	if a.free[3].count != 1 {
		t.Errorf("expected exactly one order-3 block after the round trip; got %d", a.free[3].count)
	}
}

func TestFreeDoesNotCoalesceAcrossReservedBoundary(t *testing.T) {
	a := setup(t)

	p, err := a.Alloc(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := mm.PageToIdx(p); got != 1 {
		t.Fatalf("expected the order-0 block at frame 1; got frame %d", got)
	}

	a.Free(p, 0)

	// Frame 1's buddy (frame 0) is permanently reserved by the bitmap
	// carve-out and was never placed on any free list, so this free must
	// not attempt to merge upward into it.
	if a.free[0].count != 1 {
		t.Errorf("expected frame 1 to land back on the order-0 free list alone; got count %d", a.free[0].count)
	}
	if a.free[1].count != 1 {
		t.Errorf("expected the original order-1 block to be untouched; got count %d", a.free[1].count)
	}
}

func TestFreePanicsOnOrderMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected Free to panic when order does not match the allocation")
		}
	}()

	a := setup(t)
	p, err := a.Alloc(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.Free(p, 3)
}

func TestAllocZeroedZerosTheBlock(t *testing.T) {
	a := setup(t)

	// Poison the backing memory of frame 1 (the order-0 free block) so
	// zeroing is observable.
	addr := a.hhdmOffset + mm.PageToPhys(&mm.PageTable()[1])
	dirty := unsafe.Slice((*byte)(unsafe.Pointer(addr)), mm.PageSize)
	for i := range dirty {
		dirty[i] = 0xAA
	}

	p, err := a.AllocZeroed(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mm.PageToIdx(p) != 1 {
		t.Fatalf("expected AllocZeroed to hand out frame 1 directly; got %d", mm.PageToIdx(p))
	}

	addr = a.hhdmOffset + mm.PageToPhys(p)
	got := unsafe.Slice((*byte)(unsafe.Pointer(addr)), mm.PageSize)
	for i, b := range got {
		if b != 0 {
			t.Fatalf("expected byte %d to be zeroed; got %#x", i, b)
		}
	}
}
