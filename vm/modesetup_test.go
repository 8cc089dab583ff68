//go:build linux

package vm

import (
	"testing"

	"github.com/c35s/blankvm/kvm"
)

func TestSetupModeReal(t *testing.T) {
	var regs kvm.Regs
	var sregs kvm.Sregs

	setupMode(ModeReal, 0x7c00, 0, &regs, &sregs)

	if regs.RIP != 0x7c00 {
		t.Errorf("RIP = %#x, want 0x7c00", regs.RIP)
	}

	if sregs.CS.Selector != 0 || sregs.DS.Selector != 0 {
		t.Errorf("real mode selectors not zero: CS=%#x DS=%#x", sregs.CS.Selector, sregs.DS.Selector)
	}

	if sregs.CS.Limit != 0xFFFF {
		t.Errorf("CS.Limit = %#x, want 0xFFFF", sregs.CS.Limit)
	}

	if sregs.CS.G != 0 {
		t.Errorf("CS.G = %d, want 0 in real mode", sregs.CS.G)
	}

	if sregs.CR0 != 0 {
		t.Errorf("CR0 = %#x, want 0 in real mode", sregs.CR0)
	}
}

func TestSetupModeProtected(t *testing.T) {
	var regs kvm.Regs
	var sregs kvm.Sregs

	setupMode(ModeProtected, 0x1000, 0, &regs, &sregs)

	if sregs.CS.Selector != 8 || sregs.DS.Selector != 16 {
		t.Errorf("selectors: CS=%#x DS=%#x", sregs.CS.Selector, sregs.DS.Selector)
	}

	if sregs.CS.Limit != 0xFFFFFFFF {
		t.Errorf("CS.Limit = %#x, want 0xFFFFFFFF", sregs.CS.Limit)
	}

	if sregs.CS.DB != 1 {
		t.Errorf("CS.DB = %d, want 1 in protected mode", sregs.CS.DB)
	}

	if sregs.CR0&cr0PE == 0 {
		t.Errorf("CR0 PE bit not set: %#x", sregs.CR0)
	}
}

func TestSetupModeLong(t *testing.T) {
	var regs kvm.Regs
	var sregs kvm.Sregs

	setupMode(ModeLong, 0x200000, 0x3000, &regs, &sregs)

	if sregs.CS.L != 1 {
		t.Errorf("CS.L = %d, want 1 in long mode", sregs.CS.L)
	}

	if sregs.CR3 != 0x3000 {
		t.Errorf("CR3 = %#x, want 0x3000", sregs.CR3)
	}

	if sregs.CR0&(cr0PE|cr0PG) != cr0PE|cr0PG {
		t.Errorf("CR0 PE|PG not set: %#x", sregs.CR0)
	}

	if sregs.CR4&cr4PAE == 0 {
		t.Errorf("CR4 PAE not set: %#x", sregs.CR4)
	}

	if sregs.EFER&(eferLME|eferLMA) != eferLME|eferLMA {
		t.Errorf("EFER LME|LMA not set: %#x", sregs.EFER)
	}
}

func TestSetupSegmentTypes(t *testing.T) {
	var cs, ds kvm.Segment

	setupSegment(&cs, ModeProtected, true)
	setupSegment(&ds, ModeProtected, false)

	if cs.Type != 0x0B {
		t.Errorf("CS.Type = %#x, want 0x0B", cs.Type)
	}

	if ds.Type != 0x03 {
		t.Errorf("DS.Type = %#x, want 0x03", ds.Type)
	}

	if cs.Base != 0 || ds.Base != 0 {
		t.Errorf("segment base not zero: CS=%#x DS=%#x", cs.Base, ds.Base)
	}
}
