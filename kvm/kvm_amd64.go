//go:build linux

package kvm

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// nrInterrupts is the width, in bits, of a vCPU's interrupt-shadow bitmap.
const nrInterrupts = 0x100

// Regs holds a VCPU's general-purpose registers.
// It has the same layout as the C struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFlags        uint64
}

// Sregs holds a VCPU's special registers.
// It has the same layout as the C struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS  Segment
	TR, LDT                 Segment
	GDT, IDT                Dtable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	APICBase                uint64
	InterruptBitmap         [(nrInterrupts + 63) / 64]uint64
}

// Segment has the same layout as the C struct kvm_segment.
type Segment struct {
	Base                           uint64
	Limit                          uint32
	Selector                       uint16
	Type                           uint8
	Present, DPL, DB, S, L, G, Avl uint8
	Unusable                       uint8
	_                              byte
}

// Dtable has the same layout as the C struct kvm_dtable.
type Dtable struct {
	Base  uint64
	Limit uint16
	_     [6]byte
}

// VCPUState has roughly the same layout as struct kvm_run.
type VCPUState struct {
	_/*requestInterruptWindow*/ uint8 // in
	ImmediateExit                     uint8 // in
	_                                 [6]uint8
	ExitReason                        Exit
	_/*readyForInterruptInjection*/ uint8
	_/*ifFlag*/ uint8
	_/*flags*/ uint16
	_/*cr8*/ uint64
	_/*apicBase*/ uint64

	// exitData is a union of anonymous structs in the C struct.
	exitData [256]uint8

	_/*kvmValidRegs*/ uint64
	_/*kvmDirtyRegs*/ uint64
	_ [2048]uint8
}

// IOExitData is the result of a KVM_EXIT_IO vmexit. It has the same layout as the "io"
// member of the union of vmexit data in struct kvm_run.
type IOExitData struct {
	IsOut  bool
	Size   uint8
	Port   uint16
	Count  uint32
	Offset uint64
}

// MMIOExitData is the result of a KVM_EXIT_MMIO vmexit. It has the same layout as the
// "mmio" member of the union of vmexit data in struct kvm_run.
type MMIOExitData struct {
	PhysAddr uint64
	Data     [8]uint8
	Len      uint32
	IsWrite  bool
	_        [3]byte
}

// GetRegs reads the vcpu's general-purpose registers.
func GetRegs(vcpu *VCPU, regs *Regs) error {
	_, _, errno := unix.Syscall(syscall.SYS_IOCTL, vcpu.Fd(), kGetRegs, uintptr(unsafe.Pointer(regs)))
	if errno != 0 {
		return errno
	}

	return nil
}

// SetRegs writes the vcpu's general-purpose registers.
func SetRegs(vcpu *VCPU, regs *Regs) error {
	_, _, errno := unix.Syscall(syscall.SYS_IOCTL, vcpu.Fd(), kSetRegs, uintptr(unsafe.Pointer(regs)))
	if errno != 0 {
		return errno
	}

	return nil
}

// GetSregs reads the vcpu's special registers.
func GetSregs(vcpu *VCPU, sregs *Sregs) error {
	_, _, errno := unix.Syscall(syscall.SYS_IOCTL, vcpu.Fd(), kGetSregs, uintptr(unsafe.Pointer(sregs)))
	if errno != 0 {
		return errno
	}

	return nil
}

// SetSregs writes the vcpu's special registers.
func SetSregs(vcpu *VCPU, sregs *Sregs) error {
	_, _, errno := unix.Syscall(syscall.SYS_IOCTL, vcpu.Fd(), kSetSregs, uintptr(unsafe.Pointer(sregs)))
	if errno != 0 {
		return errno
	}

	return nil
}

// IOExitData returns data describing the present KVM_EXIT_IO vmexit.
// The result is undefined (but bad) if the exit reason is not KVM_EXIT_IO.
func (s *VCPUState) IOExitData() *IOExitData {
	return (*IOExitData)(unsafe.Pointer(&s.exitData[0]))
}

// MMIOExitData returns data describing the present KVM_EXIT_MMIO vmexit.
// The result is undefined (but bad) if the exit reason is not KVM_EXIT_MMIO.
func (s *VCPUState) MMIOExitData() *MMIOExitData {
	return (*MMIOExitData)(unsafe.Pointer(&s.exitData[0]))
}
