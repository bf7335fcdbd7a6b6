package slab

import (
	"limnos/kernel"
	"limnos/kernel/hal/boot"
	"limnos/kernel/mm"
	"limnos/kernel/mm/buddy"
	"strings"
	"testing"
	"unsafe"
)

// setup installs a Page table and buddy allocator large enough for the
// slab tests, then wires this package's caches to it.
func setup(t *testing.T, frames int) {
	t.Helper()

	mm.InitPageTable(make([]mm.Page, frames))

	buf := make([]byte, frames*int(mm.PageSize))
	bufAddr := uintptr(unsafe.Pointer(&buf[0]))

	m := &mm.MemoryMap{
		HHDMOffset: bufAddr,
		Entries: []mm.MemmapEntry{
			{Start: 0, Length: uintptr(frames) * mm.PageSize, Type: boot.EntryUsable},
		},
	}

	buddy.Default = buddy.Allocator{}
	if err := buddy.Init(m); err != nil {
		t.Fatalf("buddy.Init failed: %v", err)
	}
	Init(bufAddr)
	SanitizerEnabled = false
}

func TestAllocFreeRoundTrip(t *testing.T) {
	setup(t, 64)

	before := buddy.Default.StatMemory().FreePages

	ptr, err := Alloc(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ptr == 0 {
		t.Fatal("expected a non-null pointer")
	}

	Free(ptr)

	// The emptied one-page slab stays cached on the cache's full (all-free)
	// list, well under its eviction threshold, so it is not handed back.
	after := buddy.Default.StatMemory().FreePages
	if after != before-1 {
		t.Errorf("expected the emptied slab to stay cached, leaving %d free pages after alloc/free; got %d", before-1, after)
	}
}

func TestAllocZeroReturnsNull(t *testing.T) {
	setup(t, 16)

	ptr, err := Alloc(0)
	if err != nil || ptr != 0 {
		t.Errorf("expected (0, nil) for a zero-size request; got (%d, %v)", ptr, err)
	}
}

func TestAllocZeroedZerosMemory(t *testing.T) {
	setup(t, 16)

	ptr, err := AllocZeroed(64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), 64)
	for i, b := range data {
		if b != 0 {
			t.Fatalf("expected byte %d to be zeroed; got %#x", i, b)
		}
	}
}

func TestAllocAboveDirectThresholdForwardsToBuddy(t *testing.T) {
	setup(t, 64)

	ptr, err := Alloc(20000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ptr == 0 {
		t.Fatal("expected a non-null pointer")
	}

	p := pageFor(ptr)
	if !p.IsKmallocBuddyDirect() {
		t.Fatal("expected a request above maxDirectSize to be marked KMALLOC_BUDDY_DIRECT")
	}
	if p.Order != 3 {
		t.Errorf("expected order 3 (8 pages) for a 20000-byte request; got %d", p.Order)
	}

	Free(ptr)
	if p.IsKmallocBuddyDirect() {
		t.Error("expected the direct flag to be cleared after Free")
	}
}

func TestSlabListTransitions(t *testing.T) {
	setup(t, 16)

	c := caches[0] // size class 16, 1 page per slab, 256 objects per slab
	var ptrs []uintptr
	for i := 0; i < int(c.objsPerSlab); i++ {
		ptr, err := Alloc(16)
		if err != nil {
			t.Fatalf("alloc %d: unexpected error: %v", i, err)
		}
		ptrs = append(ptrs, ptr)
	}

	if c.empty.count != 1 || c.partial.count != 0 || c.full.count != 0 {
		t.Fatalf("expected the fully-used slab to sit on the empty list; got empty=%d partial=%d full=%d",
			c.empty.count, c.partial.count, c.full.count)
	}

	Free(ptrs[0])
	if c.empty.count != 0 || c.partial.count != 1 {
		t.Fatalf("expected freeing one object to move the slab to partial; got empty=%d partial=%d",
			c.empty.count, c.partial.count)
	}

	for _, p := range ptrs[1:] {
		Free(p)
	}
	if c.partial.count != 0 || c.full.count != 1 {
		t.Fatalf("expected freeing every object to move the slab to full; got partial=%d full=%d",
			c.partial.count, c.full.count)
	}
}

func TestEvictionReclaimsOldestFullSlabs(t *testing.T) {
	setup(t, 128)

	c := caches[0]
	threshold := int(ceilLog2(uint64(c.objMDSize))) + 1

	for i := 0; i < threshold+3; i++ {
		s, err := c.newSlab()
		if err != nil {
			t.Fatalf("newSlab %d: unexpected error: %v", i, err)
		}
		pushSlabFront(&c.full, s)
	}

	c.evictIfNeeded()

	if c.full.count != threshold {
		t.Errorf("expected eviction to trim the full list down to %d; got %d", threshold, c.full.count)
	}
}

func TestFreePanicsOnDoubleFree(t *testing.T) {
	setup(t, 16)
	SanitizerEnabled = true
	defer func() { SanitizerEnabled = false }()
	Init(hhdmOffset)

	ptr, err := Alloc(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	Free(ptr)

	defer func() {
		if recover() == nil {
			t.Fatal("expected a second Free of the same pointer to panic")
		}
	}()
	Free(ptr)
}

func TestFreePanicsOnRedzoneCorruption(t *testing.T) {
	setup(t, 16)
	SanitizerEnabled = true
	defer func() { SanitizerEnabled = false }()
	Init(hhdmOffset)

	ptr, err := Alloc(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Overflow past the end of the requested 16 bytes, into the right redzone.
	*(*byte)(unsafe.Pointer(ptr + 16)) = 0xFF

	defer func() {
		if recover() == nil {
			t.Fatal("expected Free to detect the redzone overflow")
		}
	}()
	Free(ptr)
}

func TestFreePanicsOnInnerRedzoneCorruption(t *testing.T) {
	setup(t, 16)
	SanitizerEnabled = true
	defer func() { SanitizerEnabled = false }()
	Init(hhdmOffset)

	// cache 2 serves the 64-byte size class; a 40-byte request leaves slack
	// in [40, 64) that earlier only the fixed redzone past objSize covered.
	ptr, err := Alloc(40)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	*(*byte)(unsafe.Pointer(ptr + 50)) = 0xFF

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected Free to detect the overflow within the size class's unused slack")
		}
		kerr, ok := r.(*kernel.Error)
		if !ok {
			t.Fatalf("expected a *kernel.Error panic; got %T", r)
		}
		if !strings.Contains(kerr.Message, "size=40") {
			t.Errorf("expected the report to include the requested size (40); got %q", kerr.Message)
		}
	}()
	Free(ptr)
}

func TestSanitizerReportIncludesCacheAndAddress(t *testing.T) {
	setup(t, 16)
	SanitizerEnabled = true
	defer func() { SanitizerEnabled = false }()
	Init(hhdmOffset)

	ptr, err := Alloc(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	Free(ptr)

	defer func() {
		r := recover()
		kerr, ok := r.(*kernel.Error)
		if !ok {
			t.Fatalf("expected a *kernel.Error panic; got %T", r)
		}
		if !strings.Contains(kerr.Message, "cache=0") {
			t.Errorf("expected the report to name cache 0; got %q", kerr.Message)
		}
		if !strings.Contains(kerr.Message, "addr=0x") {
			t.Errorf("expected the report to include the offending address; got %q", kerr.Message)
		}
	}()
	Free(ptr)
}

func TestRealloc(t *testing.T) {
	setup(t, 16)

	ptr, err := Alloc(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), 16)
	for i := range data {
		data[i] = byte(i)
	}

	newPtr, err := Realloc(ptr, 64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if newPtr == 0 {
		t.Fatal("expected a non-null pointer")
	}

	newData := unsafe.Slice((*byte)(unsafe.Pointer(newPtr)), 16)
	for i, b := range newData {
		if b != byte(i) {
			t.Fatalf("expected byte %d to be preserved across realloc; got %#x", i, b)
		}
	}
}
