package slab

import (
	"limnos/kernel"
	"limnos/kernel/kfmt"
	"unsafe"
)

// SanitizerEnabled turns on redzone and double-free checking for every
// cache. It is a compile-time configuration switch (design: "optional,
// compile-time"): flip it before Init runs to build a sanitized kernel heap.
// A package-level var rather than a build tag keeps both configurations
// reachable from the same test binary.
var SanitizerEnabled = false

const (
	redzoneLeft   = 16
	redzoneRight  = 16
	sizeWordBytes = 8

	sanitizeByte = 0xAB
)

const doubleFreeMarker = uint64(0xDEADC0DEDEADC0DE)

const (
	msgDoubleFree       = "object freed twice"
	msgRedzoneCorrupted = "redzone corrupted: buffer overflow or underflow detected"
)

var (
	errDoubleFree       = &kernel.Error{Module: "slab", Message: msgDoubleFree}
	errRedzoneCorrupted = &kernel.Error{Module: "slab", Message: msgRedzoneCorrupted}
)

// msgBuf is a tiny fixed-capacity io.Writer that lets checkObjectOnFree
// build a descriptive kernel.Error message through kfmt.Fprintf without
// reaching into the heap this package itself backs.
type msgBuf struct {
	buf [96]byte
	n   int
}

func (b *msgBuf) Write(p []byte) (int, error) {
	n := copy(b.buf[b.n:], p)
	b.n += n
	return n, nil
}

func (b *msgBuf) String() string {
	return string(b.buf[:b.n])
}

// poisonObject fills the left redzone, poisons the remainder of the size
// class past the caller's requested size (the "inner" redzone, sized to
// fill whatever the size class leaves unused), stamps requestedSize into the
// trailing size word, and fills the fixed-width right redzone that guards
// that size word. Together the inner and right redzones catch an overflow
// anywhere past requestedSize, not just past the whole size class. It
// returns the payload pointer (slotAddr advanced past the left redzone).
func poisonObject(slotAddr uintptr, objSize, requestedSize uint32) uintptr {
	for i := uintptr(0); i < redzoneLeft; i++ {
		*(*byte)(unsafe.Pointer(slotAddr + i)) = sanitizeByte
	}

	payload := slotAddr + redzoneLeft
	for i := uintptr(requestedSize); i < uintptr(objSize); i++ {
		*(*byte)(unsafe.Pointer(payload + i)) = sanitizeByte
	}

	rightStart := payload + uintptr(objSize)
	for i := uintptr(0); i < redzoneRight; i++ {
		*(*byte)(unsafe.Pointer(rightStart + i)) = sanitizeByte
	}

	sizeWordAddr := rightStart + redzoneRight
	*(*uint64)(unsafe.Pointer(sizeWordAddr)) = uint64(requestedSize)

	return payload
}

// checkObjectOnFree reads back the requested size poisonObject stamped at
// allocation time, then verifies the left redzone, the inner redzone
// spanning [requestedSize, objSize), and the fixed-width right redzone are
// all intact, and that the payload does not already carry a double-free
// marker, panicking with a kernel.Error naming cacheIdx, the payload address
// and the requested size otherwise. It then stamps the marker before the
// object returns to the freelist.
func checkObjectOnFree(slotAddr uintptr, objSize uint32, cacheIdx uint8) {
	payload := slotAddr + redzoneLeft
	rightStart := payload + uintptr(objSize)
	sizeWordAddr := rightStart + redzoneRight
	requestedSize := uint32(*(*uint64)(unsafe.Pointer(sizeWordAddr)))

	if *(*uint64)(unsafe.Pointer(payload)) == doubleFreeMarker {
		panicSanitizer(errDoubleFree, msgDoubleFree, cacheIdx, payload, requestedSize)
	}

	for i := uintptr(0); i < redzoneLeft; i++ {
		if *(*byte)(unsafe.Pointer(slotAddr + i)) != sanitizeByte {
			panicSanitizer(errRedzoneCorrupted, msgRedzoneCorrupted, cacheIdx, payload, requestedSize)
		}
	}

	for i := uintptr(requestedSize); i < uintptr(objSize); i++ {
		if *(*byte)(unsafe.Pointer(payload + i)) != sanitizeByte {
			panicSanitizer(errRedzoneCorrupted, msgRedzoneCorrupted, cacheIdx, payload, requestedSize)
		}
	}

	for i := uintptr(0); i < redzoneRight; i++ {
		if *(*byte)(unsafe.Pointer(rightStart + i)) != sanitizeByte {
			panicSanitizer(errRedzoneCorrupted, msgRedzoneCorrupted, cacheIdx, payload, requestedSize)
		}
	}

	*(*uint64)(unsafe.Pointer(payload)) = doubleFreeMarker
}

// panicSanitizer rebuilds base's Message from msg plus the offending cache,
// address and requested size before panicking with it, following the same
// mutate-the-shared-error pattern kfmt.Panic uses for dynamic Go errors. msg
// is always the error's original static text, never base.Message itself, so
// repeated panics don't accumulate context onto a shared *kernel.Error.
func panicSanitizer(base *kernel.Error, msg string, cacheIdx uint8, addr uintptr, requestedSize uint32) {
	var b msgBuf
	kfmt.Fprintf(&b, "%s: cache=%d addr=0x%x size=%d", msg, cacheIdx, addr, requestedSize)
	base.Message = b.String()
	panic(base)
}
