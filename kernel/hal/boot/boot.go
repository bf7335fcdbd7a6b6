// Package boot describes the contract the memory core consumes from the
// bootloader and the linker. It plays the same role for a Limine-booted
// kernel that kernel/hal/multiboot plays for a multiboot2-booted one: both
// hand the kernel a pre-parsed description of usable physical memory, only
// Limine does the tag-parsing itself and exposes plain struct arrays instead
// of a tagged binary blob, so there is no wire format left to decode here.
package boot

// EntryType classifies one memmap entry. The values and their meaning are
// fixed by the Limine boot protocol.
type EntryType uint32

const (
	EntryUsable EntryType = iota
	EntryReserved
	EntryBootloaderReclaimable
	EntryKernelAndModules
	EntryFramebuffer
	EntryACPIReclaimable
	EntryACPINVS
	EntryBadMemory
)

// String renders the entry type using the source's naming; useful for the
// memmap diagnostic dump.
func (t EntryType) String() string {
	switch t {
	case EntryUsable:
		return "usable"
	case EntryReserved:
		return "reserved"
	case EntryBootloaderReclaimable:
		return "bootloader-reclaimable"
	case EntryKernelAndModules:
		return "kernel-and-modules"
	case EntryFramebuffer:
		return "framebuffer"
	case EntryACPIReclaimable:
		return "acpi-reclaimable"
	case EntryACPINVS:
		return "acpi-nvs"
	case EntryBadMemory:
		return "bad-memory"
	default:
		return "unknown"
	}
}

// MemoryMapEntry is one firmware-reported region. Base and Length are
// byte-granular and are not guaranteed to be page-aligned until the early
// bump allocator's Exit has run.
type MemoryMapEntry struct {
	Base   uint64
	Length uint64
	Type   EntryType
}

// MemmapResponse is the bootloader's memory-map response. Limine hands back
// an array of entry pointers so the kernel can read them directly out of
// bootloader-reclaimable memory before any allocator exists.
type MemmapResponse struct {
	Entries []*MemoryMapEntry
}

// HHDMResponse carries the offset of the high-half direct map: the fixed
// virtual address at which the bootloader (and, after Init, the kernel
// itself) expects all of physical memory to be identity-mapped plus this
// offset.
type HHDMResponse struct {
	Offset uint64
}

// KernelAddressResponse carries the actual load addresses chosen by the
// bootloader for the kernel image, needed to compute the physical frame that
// backs any given kernel virtual address in the text/rodata/data segments.
type KernelAddressResponse struct {
	VirtualBase  uintptr
	PhysicalBase uintptr
}

// ExecutableLayout carries the linker-provided section boundaries for the
// running kernel image. Every address here lies in the kernel's own
// virtual address space (KernelAddressResponse.VirtualBase and up).
type ExecutableLayout struct {
	TextStart, TextEnd     uintptr
	RodataStart, RodataEnd uintptr
	DataStart, DataEnd     uintptr
}

// LocalAPICBase is the physical address of the Local APIC MMIO window. The
// value is architecturally fixed on every PC-class x86-64 platform unless
// relocated via the APIC base MSR, which this core does not do.
const LocalAPICBase uintptr = 0xfee00000

// LocalAPICSize is the size, in bytes, of the Local APIC MMIO window.
const LocalAPICSize uintptr = 0x1000
