package mm

import "testing"

func withPageTable(t *testing.T, count int, fn func()) {
	t.Helper()
	orig := table
	defer func() { table = orig }()
	table = make([]Page, count)
	fn()
}

func TestPhysToPageBijection(t *testing.T) {
	withPageTable(t, 16, func() {
		for idx := uint64(0); idx < 16; idx++ {
			phys := uintptr(idx) << PageShift
			page := PhysToPage(phys)

			if got := PageToIdx(page); got != Frame(idx) {
				t.Errorf("expected PageToIdx to return %d; got %d", idx, got)
			}

			if got := PageToPhys(page); got != phys {
				t.Errorf("expected PageToPhys to return %x; got %x", phys, got)
			}
		}
	})
}

func TestPageUnionFlags(t *testing.T) {
	var p Page

	if p.IsBuddyFreeHead() || p.IsSlabCompositeHead() || p.IsKmallocBuddyDirect() || p.IsCompositeTail() {
		t.Fatal("expected a freshly zeroed Page to have no flags set")
	}

	p.SetCompositeHead(FlagSlabCompositeHead)
	if !p.IsSlabCompositeHead() || !p.IsCompositeHead() {
		t.Error("expected SetCompositeHead(FlagSlabCompositeHead) to mark the page as a slab head")
	}

	p.ClearAll()
	var tail Page
	head := &Page{}
	tail.SetCompositeTail(head)
	if !tail.IsCompositeTail() || tail.CompHead != head {
		t.Error("expected SetCompositeTail to record the back-reference")
	}
}

func TestSetCompositeHeadRejectsDoubleFlag(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when a page is flagged as both a slab head and a direct-kmalloc head")
		}
	}()

	var p Page
	p.SetCompositeHead(FlagSlabCompositeHead)
	p.SetCompositeHead(FlagKmallocBuddyDirect)
}
