package kernel

import "unsafe"

// Memset sets size bytes at the given address to the supplied value. The
// implementation is based on bytes.Repeat; instead of using a for loop,
// this function uses log2(size) copy calls which should give us a speed
// boost as page and slab addresses are always aligned.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	// overlay a slice on top of this address region, the same raw-memory
	// access idiom used for page table frames (kernel/mm/vmm) and the Page
	// descriptor table (kernel/mm/pagedesc.go)
	target := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst. Used by kernel/mm/slab's
// krealloc to carry an object's contents into its new, differently-sized
// backing block.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}

	srcSlice := unsafe.Slice((*byte)(unsafe.Pointer(src)), size)
	dstSlice := unsafe.Slice((*byte)(unsafe.Pointer(dst)), size)

	copy(dstSlice, srcSlice)
}
