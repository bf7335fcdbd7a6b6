package vmm

import (
	"limnos/kernel"
	"limnos/kernel/cpu"
	"limnos/kernel/kfmt"
)

// readPATFn reads the PAT configuration MSR. Substituted by tests; the same
// function-variable seam as flushFn/installRootFn.
var readPATFn = func() uint64 { return cpu.ReadMSR(cpu.IA32PAT) }

// Hardware PAT memory-type codes (Intel SDM Table 11-12), distinct from this
// package's own CacheType enumeration.
const (
	patTypeUC      = 0x00
	patTypeWC      = 0x01
	patTypeWT      = 0x04
	patTypeWB      = 0x06
	patTypeUCMinus = 0x07
)

// PAT slot indices this kernel's CacheType encoding assumes are programmed
// to the reset layout: PAT0-3 = {WB, WT, UC-, UC}, PAT5 = WC (pte.go's
// CacheType doc comment).
const (
	patSlotWB      = 0
	patSlotWT      = 1
	patSlotUCMinus = 2
	patSlotUC      = 3
	patSlotWC      = 5
)

var errConfigurationFault = &kernel.Error{Module: "vmm", Message: "PAT not in expected layout"}

// patMsgBuf is a tiny fixed-capacity io.Writer for building
// errConfigurationFault's message through kfmt.Fprintf.
type patMsgBuf struct {
	buf [96]byte
	n   int
}

func (b *patMsgBuf) Write(p []byte) (int, error) {
	n := copy(b.buf[b.n:], p)
	b.n += n
	return n, nil
}

func (b *patMsgBuf) String() string {
	return string(b.buf[:b.n])
}

// patSlot extracts the 8-bit memory-type code for the given PAT slot (0-7)
// out of the raw IA32_PAT MSR value.
func patSlot(msr uint64, slot uint) byte {
	return byte(msr >> (slot * 8))
}

// checkPATLayout reads the PAT configuration MSR through readPATFn and
// asserts it matches the reset layout the rest of this package's cache-type
// encoding depends on. A mismatch here means the firmware or an earlier boot
// stage left the PAT misconfigured, which would silently turn every
// CacheWB/CacheWT/CacheUC/CacheWC mapping built by MapRange/MapSingle* into
// the wrong hardware memory type; it is a CONFIGURATION_FAULT, fatal at
// boot, so BuildKernelAddressSpace runs it before mapping anything.
func checkPATLayout() *kernel.Error {
	msr := readPATFn()

	want := [...]struct {
		slot uint
		typ  byte
	}{
		{patSlotWB, patTypeWB},
		{patSlotWT, patTypeWT},
		{patSlotUCMinus, patTypeUCMinus},
		{patSlotUC, patTypeUC},
		{patSlotWC, patTypeWC},
	}

	for _, w := range want {
		got := patSlot(msr, w.slot)
		if got != w.typ {
			var b patMsgBuf
			kfmt.Fprintf(&b, "PAT not in expected layout: %s returned slot %d = 0x%x, want 0x%x",
				cpu.MSRInstructionName(false), uint8(w.slot), got, w.typ)
			errConfigurationFault.Message = b.String()
			return errConfigurationFault
		}
	}
	return nil
}
