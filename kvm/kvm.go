//go:build linux

// Package kvm is a thin, typed wrapper around the Linux KVM ioctl
// interface. It knows nothing about CPU modes, page tables, or guest
// images; it only knows how to open the device, create a VM and its
// vCPUs, and shuttle register state and run-state across the
// kernel/userspace boundary.
package kvm

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// StableAPIVersion is the only KVM_GET_API_VERSION result userspace should
// ever see. Anything else means the host kernel's KVM ABI isn't what this
// package was written against.
const StableAPIVersion = 12

// ioctl numbers, from the kernel's <linux/kvm.h>.
const (
	kGetAPIVersion         = 0xae00
	kCreateVM              = 0xae01
	kCheckExtension        = 0xae03
	kGetVCPUMmapSize       = 0xae04
	kCreateVCPU            = 0xae41
	kSetUserMemoryRegion   = 0x4020ae46
	kRun                   = 0xae80
	kGetRegs               = 0x8090ae81
	kSetRegs               = 0x4090ae82
	kGetSregs              = 0x8138ae83
	kSetSregs              = 0x4138ae84
)

// System is a handle on the KVM device itself (fd of /dev/kvm).
type System struct {
	f *os.File
}

// VM is a handle on a single KVM virtual machine instance.
type VM struct {
	f *os.File
}

// VCPU is a handle on a single virtual CPU belonging to a VM.
type VCPU struct {
	f *os.File
}

// Open opens /dev/kvm for read+write.
func Open() (*System, error) {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	return &System{f: f}, nil
}

func (s *System) Fd() uintptr { return s.f.Fd() }
func (s *System) Close() error { return s.f.Close() }

func (v *VM) Fd() uintptr { return v.f.Fd() }
func (v *VM) Close() error { return v.f.Close() }

func (c *VCPU) Fd() uintptr { return c.f.Fd() }
func (c *VCPU) Close() error { return c.f.Close() }

// GetAPIVersion returns the KVM API version reported by the device.
func GetAPIVersion(f interface{ Fd() uintptr }) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), kGetAPIVersion, 0)
	if errno != 0 {
		return 0, errno
	}

	return int(r), nil
}

// CreateVM creates a new VM within the given KVM instance.
func CreateVM(sys *System) (*VM, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kCreateVM, 0)
	if errno != 0 {
		return nil, errno
	}

	return &VM{f: os.NewFile(fd, "/dev/kvm-vm")}, nil
}

// CreateVCPU creates vCPU number id within vm.
func CreateVCPU(vm *VM, id int) (*VCPU, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kCreateVCPU, uintptr(id))
	if errno != 0 {
		return nil, errno
	}

	return &VCPU{f: os.NewFile(fd, "/dev/kvm-vcpu")}, nil
}

// CheckExtension reports the level of support f (a System or VM) has for
// the given capability.
func CheckExtension(f interface{ Fd() uintptr }, cap Cap) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), kCheckExtension, uintptr(cap))
	if errno != 0 {
		return 0, errno
	}

	return int(r), nil
}

// GetVCPUMmapSize returns the size, in bytes, of the shared run-state that
// must be mmaped over each vCPU's fd.
func GetVCPUMmapSize(sys *System) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kGetVCPUMmapSize, 0)
	if errno != 0 {
		return 0, errno
	}

	return int(r), nil
}

// UserspaceMemoryRegion describes a slice of guest-physical address space
// backed by host memory. It has the same layout as the C struct
// kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetUserMemoryRegion installs or updates a guest memory slot.
func SetUserMemoryRegion(vm *VM, region *UserspaceMemoryRegion) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	if errno != 0 {
		return errno
	}

	return nil
}

// Run enters guest execution on vcpu. It returns when the guest exits back
// to userspace; the reason is available via the vCPU's mmaped VCPUState.
func Run(vcpu *VCPU) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kRun, 0)
	if errno != 0 {
		return errno
	}

	return nil
}

// Cap identifies a KVM extension, as reported by CheckExtension.
type Cap int

// Capabilities this package's callers actually probe for. KVM defines many
// more (MSR features, PIT, identity-map address, IRQFD...); none of those
// are relevant to a hypervisor that never installs an in-kernel irqchip or
// touches model-specific registers, so they aren't named here.
const (
	CapIRQChip          Cap = 0
	CapHLT              Cap = 1
	CapUserMemory       Cap = 3
	CapMaxVCPUs         Cap = 0x42
	CapCheckExtensionVM Cap = 105
)

var capNames = map[Cap]string{
	CapIRQChip:          "KVM_CAP_IRQCHIP",
	CapHLT:              "KVM_CAP_HLT",
	CapUserMemory:       "KVM_CAP_USER_MEMORY",
	CapMaxVCPUs:         "KVM_CAP_MAX_VCPUS",
	CapCheckExtensionVM: "KVM_CAP_CHECK_EXTENSION_VM",
}

func (c Cap) String() string {
	if name, ok := capNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Cap(%d)", int(c))
}

// AllCaps returns every Cap this package names, in ascending order.
func AllCaps() []Cap {
	return []Cap{CapIRQChip, CapHLT, CapUserMemory, CapMaxVCPUs, CapCheckExtensionVM}
}

// Exit identifies the reason a vCPU returned control to userspace. It has
// the same numeric values as the kernel's KVM_EXIT_* constants.
type Exit uint32

const (
	ExitUnknown      Exit = 0
	ExitException    Exit = 1
	ExitIO           Exit = 2
	ExitHypercall    Exit = 3
	ExitDebug        Exit = 4
	ExitHLT          Exit = 5
	ExitMMIO         Exit = 6
	ExitIRQWinOpen   Exit = 7
	ExitShutdown     Exit = 8
	ExitFailEntry    Exit = 9
	ExitIntr         Exit = 10
	ExitSetTPR       Exit = 11
	ExitTPRAccess    Exit = 12
	ExitS390Sieic    Exit = 13
	ExitS390Reset    Exit = 14
	ExitDcr          Exit = 15
	ExitNmi          Exit = 16
	ExitInternalErr  Exit = 17
	ExitOsi          Exit = 18
	ExitPaprHCall    Exit = 19
	ExitS390UControl Exit = 20
	ExitWatchdog     Exit = 21
	ExitS390Tsch     Exit = 22
	ExitEpr          Exit = 23
	ExitSystemEvent  Exit = 24
	ExitS390Stsi     Exit = 25
	ExitIOAPICEoi    Exit = 26
	ExitHyperv       Exit = 27
)

var exitNames = [...]string{
	"KVM_EXIT_UNKNOWN",
	"KVM_EXIT_EXCEPTION",
	"KVM_EXIT_IO",
	"KVM_EXIT_HYPERCALL",
	"KVM_EXIT_DEBUG",
	"KVM_EXIT_HLT",
	"KVM_EXIT_MMIO",
	"KVM_EXIT_IRQ_WINDOW_OPEN",
	"KVM_EXIT_SHUTDOWN",
	"KVM_EXIT_FAIL_ENTRY",
	"KVM_EXIT_INTR",
	"KVM_EXIT_SET_TPR",
	"KVM_EXIT_TPR_ACCESS",
	"KVM_EXIT_S390_SIEIC",
	"KVM_EXIT_S390_RESET",
	"KVM_EXIT_DCR",
	"KVM_EXIT_NMI",
	"KVM_EXIT_INTERNAL_ERROR",
	"KVM_EXIT_OSI",
	"KVM_EXIT_PAPR_HCALL",
	"KVM_EXIT_S390_UCONTROL",
	"KVM_EXIT_WATCHDOG",
	"KVM_EXIT_S390_TSCH",
	"KVM_EXIT_EPR",
	"KVM_EXIT_SYSTEM_EVENT",
	"KVM_EXIT_S390_STSI",
	"KVM_EXIT_IOAPIC_EOI",
	"KVM_EXIT_HYPERV",
}

func (e Exit) String() string {
	if int(e) < len(exitNames) {
		return exitNames[e]
	}

	return fmt.Sprintf("Exit(%d)", uint32(e))
}
