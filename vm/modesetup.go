//go:build linux

package vm

import "github.com/c35s/blankvm/kvm"

const (
	cr0PE   = 1 << 0  // protection enable
	cr0PG   = 1 << 31 // paging
	cr4PAE  = 1 << 5  // physical address extension
	eferLME = 1 << 8  // long mode enable
	eferLMA = 1 << 10 // long mode active
)

// setupMode is a pure data transformation: it produces the register and
// segment state a vCPU needs to boot into mode at entry, starting from
// whatever regs/sregs the kernel's initial vCPU returned. cr3 is ignored
// outside long mode.
//
// Entry point range checks happen earlier, in Options.validate, so by the
// time setupMode runs entry is already known to be valid for mode.
func setupMode(mode Mode, entry uint64, cr3 uint64, regs *kvm.Regs, sregs *kvm.Sregs) {
	regs.RIP = entry

	setupSegment(&sregs.CS, mode, true)
	setupSegment(&sregs.DS, mode, false)
	setupSegment(&sregs.ES, mode, false)
	setupSegment(&sregs.FS, mode, false)
	setupSegment(&sregs.GS, mode, false)
	setupSegment(&sregs.SS, mode, false)

	switch mode {
	case ModeReal:
		// no control-register changes

	case ModeProtected:
		sregs.CR0 |= cr0PE

	case ModeLong:
		sregs.CR3 = cr3
		sregs.CR0 |= cr0PE | cr0PG
		sregs.CR4 |= cr4PAE
		sregs.EFER |= eferLME | eferLMA
	}
}

// setupSegment programs one flat segment descriptor. TR, LDT, GDT, and IDT
// are left untouched by callers; this only ever applies to CS/DS/ES/FS/GS/SS.
func setupSegment(seg *kvm.Segment, mode Mode, isCode bool) {
	seg.Base = 0

	switch {
	case mode == ModeReal:
		seg.Selector = 0
	case isCode:
		seg.Selector = 8
	default:
		seg.Selector = 16
	}

	if mode == ModeReal {
		seg.Limit = 0xFFFF
	} else {
		seg.Limit = 0xFFFFFFFF
	}

	if isCode {
		seg.Type = 0x0B // code, read/execute, accessed
	} else {
		seg.Type = 0x03 // data, read/write, accessed
	}

	seg.DB = 0
	if mode == ModeProtected {
		seg.DB = 1
	}

	seg.L = 0
	if mode == ModeLong {
		seg.L = 1
	}

	seg.G = 1
	if mode == ModeReal {
		seg.G = 0
	}
}
