// Package cpu exposes the architecture primitives the memory core needs:
// spinlock pause hints, page-table base register access, TLB invalidation
// and the PAT configuration MSR. The actual instructions are implemented in
// architecture-specific assembly (not part of this package's Go sources);
// each primitive is reachable through a package-level function variable so
// that tests can substitute a fake implementation, the same seam the
// teacher uses for cpuid, ActivePDT and FlushTLBEntry.
package cpu

import "golang.org/x/arch/x86/x86asm"

var (
	// pauseFn issues the PAUSE instruction used by Spinlock while it
	// busy-waits. Substituted by tests.
	pauseFn = pauseInstruction

	// writeCR3Fn installs a new page-table root. Substituted by tests.
	writeCR3Fn = writeCR3

	// readCR3Fn reads the currently active page-table root. Substituted by tests.
	readCR3Fn = readCR3

	// invlpgFn invalidates a single TLB entry. Substituted by tests.
	invlpgFn = invlpg

	// rdmsrFn/wrmsrFn read and write a model-specific register. Substituted by tests.
	rdmsrFn = rdmsr
	wrmsrFn = wrmsr

	// haltFn stops instruction execution on the calling core. Substituted by tests.
	haltFn = halt

	// sendHaltIPIFn asks every other core to halt; used only by the panic
	// surface (kernel/kfmt.Panic), never by the allocator core itself.
	sendHaltIPIFn = sendHaltIPI
)

// IA32PAT is the Intel SDM-documented index of the PAT configuration MSR.
const IA32PAT = 0x277

// MSRInstructionName names the instruction ReadMSR/WriteMSR compile down to,
// by way of x86asm's mnemonic table, for use in diagnostics that report on
// an MSR read or write (e.g. the vmm package's PAT-layout assertion).
func MSRInstructionName(write bool) string {
	if write {
		return x86asm.WRMSR.String()
	}
	return x86asm.RDMSR.String()
}

// Pause issues a spin-wait hint instruction. It must be called on every
// iteration of a spinlock busy-wait loop; omitting it is still correct but
// wastes significant power and memory bandwidth on real hardware.
func Pause() { pauseFn() }

// WriteCR3 installs physAddr (a 4 KiB-aligned physical address of a PML4
// table) as the active page-table root and flushes the entire TLB as a side
// effect of the architecture.
func WriteCR3(physAddr uintptr) { writeCR3Fn(physAddr) }

// ReadCR3 returns the physical address of the currently active PML4 table.
func ReadCR3() uintptr { return readCR3Fn() }

// InvalidatePage flushes the TLB entry for the single page containing virtAddr.
func InvalidatePage(virtAddr uintptr) { invlpgFn(virtAddr) }

// ReadMSR reads the model-specific register at the given index.
func ReadMSR(index uint32) uint64 { return rdmsrFn(index) }

// WriteMSR writes value to the model-specific register at the given index.
func WriteMSR(index uint32, value uint64) { wrmsrFn(index, value) }

// Halt stops instruction execution on the calling core.
func Halt() { haltFn() }

// SendHaltIPI requests that every other core halt. Used exclusively by the
// panic surface (kernel/kfmt.Panic) to stop the machine after an
// INVARIANT_VIOLATION or SANITIZER_REPORT; the allocator core never calls
// this on its own.
func SendHaltIPI() { sendHaltIPIFn() }

// The following functions are implemented in architecture-specific assembly
// that ships alongside the kernel's boot glue; declaring them here without a
// body is the same pattern the teacher uses for Halt, FlushTLBEntry and
// SwitchPDT.
func pauseInstruction()
func writeCR3(physAddr uintptr)
func readCR3() uintptr
func invlpg(virtAddr uintptr)
func rdmsr(index uint32) uint64
func wrmsr(index uint32, value uint64)
func halt()
func sendHaltIPI()
