//go:build linux

// Package vm assembles the KVM primitives in the kvm package into a runnable
// guest: it owns the VM's memory, its single vCPU, and the vCPU run loop,
// and knows how to program a vCPU for real, protected, or long mode before
// handing control to the guest.
package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unsafe"

	"github.com/c35s/blankvm/kvm"
	"golang.org/x/sys/unix"
)

// Mode selects the x86 CPU mode a vCPU boots into.
type Mode int

const (
	ModeReal      Mode = iota // 16-bit real mode
	ModeProtected             // 32-bit protected mode
	ModeLong                  // 64-bit long mode
)

func (m Mode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeProtected:
		return "protected"
	case ModeLong:
		return "long"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Options describes a guest to run. It is produced externally (by the CLI
// or a test) and never mutated once passed to New.
type Options struct {

	// Mode is the CPU mode the vCPU boots into. The zero value is ModeReal.
	Mode Mode

	// MemSize is the size of the guest's RAM in bytes. It must be a
	// positive multiple of the host page size. Zero means MemSizeDefault.
	MemSize int

	// Entry is the guest-physical address the vCPU starts executing at.
	Entry uint64

	// PageTable, if non-nil, is a guest-physical address that already
	// contains a complete set of page tables; CR3 is pointed at it
	// directly and no page table is built. Long mode only.
	PageTable *uint64

	// ImagePath is the path to the flat image loaded at guest-physical 0.
	ImagePath string

	// In, Out, and Err are the guest's serial input, serial output, and
	// the destination for diagnostics, respectively. Nil means
	// os.Stdin / os.Stdout / os.Stderr.
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

const (
	MemSizeDefault = 1 << 20          // 1M, the CLI's default
	MemSizeMin     = 1 << 12          // one 4K page
	MemSizeMax     = 1 << 40          // 1T, a sanity ceiling
	serialPort     = 0x3F8
)

var (
	ErrOpenKVM             = errors.New("vm: KVM is not available")
	ErrCompat              = errors.New("vm: incompatible KVM")
	ErrConfig              = errors.New("vm: invalid options")
	ErrGetVCPUMmapSize     = errors.New("vm: get VCPU mmap size failed")
	ErrCreate              = errors.New("vm: create failed")
	ErrAllocMemory         = errors.New("vm: memory allocation failed")
	ErrLoadMemory          = errors.New("vm: image load failed")
	ErrPageTable           = errors.New("vm: page table setup failed")
	ErrSetUserMemoryRegion = errors.New("vm: set user memory region failed")
	ErrCreateVCPU          = errors.New("vm: VCPU create failed")
	ErrMmapVCPU            = errors.New("vm: VCPU mmap failed")
	ErrLoadVCPU            = errors.New("vm: VCPU load failed")
	ErrGuestExit           = errors.New("vm: unhandled guest exit")
)

// proc collects a vCPU fd and its mmaped run-state.
type proc struct {
	fd *kvm.VCPU
	mm []byte
}

func (p *proc) State() *kvm.VCPUState {
	return (*kvm.VCPUState)(unsafe.Pointer(&p.mm[0]))
}

// Machine is a single running (or ready-to-run) guest: one VM, one vCPU,
// its RAM, and its optional page table.
type Machine struct {
	fd  *kvm.VM
	mem []byte
	pt  []byte
	cpu proc

	in   io.Reader
	out  io.Writer
	errw io.Writer
}

// New opens /dev/kvm, builds a VM matching opts, loads the image, and
// programs the vCPU for opts.Mode. On any error, everything acquired so far
// is released in reverse order before New returns.
func New(opts Options) (*Machine, error) {
	opts = opts.withDefaults()

	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	sys, err := kvm.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenKVM, err)
	}

	defer sys.Close()

	if err := testKVMCompat(sys); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompat, err)
	}

	mmapSz, err := kvm.GetVCPUMmapSize(sys)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGetVCPUMmapSize, err)
	}

	vmfd, err := kvm.CreateVM(sys)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreate, err)
	}

	ok := false

	defer func() {
		if !ok {
			vmfd.Close()
		}
	}()

	mem, err := unix.Mmap(-1, 0, opts.MemSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocMemory, err)
	}

	defer func() {
		if !ok {
			unix.Munmap(mem)
		}
	}()

	if err := writeImage(mem, opts.ImagePath); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadMemory, err)
	}

	memRegion := kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    uint64(len(mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}

	if err := kvm.SetUserMemoryRegion(vmfd, &memRegion); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetUserMemoryRegion, err)
	}

	var (
		pt  []byte
		cr3 uint64
	)

	if opts.Mode == ModeLong {
		switch {
		case opts.PageTable != nil:
			cr3 = *opts.PageTable

		default:
			ptSize := PageTableSize(opts.MemSize)

			pt, err = unix.Mmap(-1, 0, ptSize,
				unix.PROT_READ|unix.PROT_WRITE,
				unix.MAP_SHARED|unix.MAP_ANONYMOUS)

			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrPageTable, err)
			}

			defer func() {
				if !ok {
					unix.Munmap(pt)
				}
			}()

			guestPTBase := uint64(opts.MemSize)
			cr3 = FillPageTable(pt, opts.MemSize, guestPTBase)

			ptRegion := kvm.UserspaceMemoryRegion{
				Slot:          1,
				GuestPhysAddr: guestPTBase,
				MemorySize:    uint64(len(pt)),
				UserspaceAddr: uint64(uintptr(unsafe.Pointer(&pt[0]))),
			}

			if err := kvm.SetUserMemoryRegion(vmfd, &ptRegion); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrPageTable, err)
			}
		}
	}

	vcpu, err := kvm.CreateVCPU(vmfd, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreateVCPU, err)
	}

	defer func() {
		if !ok {
			vcpu.Close()
		}
	}()

	mm, err := unix.Mmap(int(vcpu.Fd()), 0, mmapSz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMmapVCPU, err)
	}

	defer func() {
		if !ok {
			unix.Munmap(mm)
		}
	}()

	loadErr := func() error {
		var regs kvm.Regs
		if err := kvm.GetRegs(vcpu, &regs); err != nil {
			return fmt.Errorf("get regs: %w", err)
		}

		var sregs kvm.Sregs
		if err := kvm.GetSregs(vcpu, &sregs); err != nil {
			return fmt.Errorf("get sregs: %w", err)
		}

		setupMode(opts.Mode, opts.Entry, cr3, &regs, &sregs)

		if err := kvm.SetRegs(vcpu, &regs); err != nil {
			return fmt.Errorf("set regs: %w", err)
		}

		if err := kvm.SetSregs(vcpu, &sregs); err != nil {
			return fmt.Errorf("set sregs: %w", err)
		}

		return nil
	}()

	if loadErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadVCPU, loadErr)
	}

	ok = true

	return &Machine{
		fd:   vmfd,
		mem:  mem,
		pt:   pt,
		cpu:  proc{fd: vcpu, mm: mm},
		in:   opts.In,
		out:  opts.Out,
		errw: opts.Err,
	}, nil
}

// Run drives the vCPU until the guest causes a clean exit (EOF on serial
// input) or an unhandled exit, in which case Diagnostics is written to
// opts.Err and a non-nil error wrapping ErrGuestExit is returned.
func (m *Machine) Run(ctx context.Context) error {
	for {
		if err := kvm.Run(m.cpu.fd); err != nil {
			m.dump()
			return fmt.Errorf("%w: KVM_RUN: %w", ErrGuestExit, err)
		}

		state := m.cpu.State()

		if state.ExitReason == kvm.ExitIO {
			exit := state.IOExitData()
			if exit.Port == serialPort && exit.Size == 1 && exit.Count == 1 {
				eof, err := m.serial(exit)
				if err != nil {
					return err
				}

				if eof {
					return nil
				}

				continue
			}
		}

		m.dump()
		return fmt.Errorf("%w: %s", ErrGuestExit, exitReasonName(state.ExitReason))
	}
}

// serial services one port-0x3F8 exit: an OUT writes the payload byte to
// m.out, an IN reads one byte from m.in into the payload. Reading EOF from
// m.in is reported as a clean shutdown, not an error.
func (m *Machine) serial(exit *kvm.IOExitData) (eof bool, err error) {
	data := &m.cpu.mm[exit.Offset]

	if exit.IsOut {
		if _, err := m.out.Write([]byte{*data}); err != nil {
			return false, fmt.Errorf("%w: write serial: %w", ErrGuestExit, err)
		}

		return false, nil
	}

	var b [1]byte
	n, err := m.in.Read(b[:])

	if n == 0 {
		if err == io.EOF || err == nil {
			return true, nil
		}

		return false, fmt.Errorf("%w: read serial: %w", ErrGuestExit, err)
	}

	*data = b[0]
	return false, nil
}

func (m *Machine) dump() {
	Diagnostics(m.errw, m.cpu.fd, m.cpu.State(), m.cpu.mm)
}

// Close releases every resource the Machine owns: the vCPU's run-state
// mapping first, then the vCPU, then the VM, then guest RAM and the page
// table. It is best-effort: teardown failures are not reported, matching
// the policy that nothing is retried on the way out.
func (m *Machine) Close() error {
	unix.Munmap(m.cpu.mm)
	m.cpu.fd.Close()

	m.fd.Close()

	unix.Munmap(m.mem)
	m.mem = nil

	if m.pt != nil {
		unix.Munmap(m.pt)
		m.pt = nil
	}

	return nil
}

func writeImage(mem []byte, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer f.Close()

	if _, err := io.ReadFull(f, mem); err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return err
	}

	return nil
}

func (o Options) validate() error {
	if pgsz := os.Getpagesize(); o.MemSize%pgsz != 0 {
		return fmt.Errorf("memory size must be a multiple of the host page size (%d)", pgsz)
	}

	if o.MemSize < MemSizeMin {
		return fmt.Errorf("memory is too small: %d < %d", o.MemSize, MemSizeMin)
	}

	if o.MemSize > MemSizeMax {
		return fmt.Errorf("memory is too large: %d > %d", o.MemSize, MemSizeMax)
	}

	if o.ImagePath == "" {
		return errors.New("image path is required")
	}

	switch o.Mode {
	case ModeReal:
		if o.Entry >= 0x10000 {
			return fmt.Errorf("entry point %#x too far for real mode", o.Entry)
		}

	case ModeProtected:
		if o.Entry >= 1<<32 {
			return fmt.Errorf("entry point %#x too far for protected mode", o.Entry)
		}

	case ModeLong:
		// any 64-bit address is valid

	default:
		return fmt.Errorf("unknown mode: %v", o.Mode)
	}

	return nil
}

func (o Options) withDefaults() Options {
	if o.MemSize == 0 {
		o.MemSize = MemSizeDefault
	}

	if o.In == nil {
		o.In = os.Stdin
	}

	if o.Out == nil {
		o.Out = os.Stdout
	}

	if o.Err == nil {
		o.Err = os.Stderr
	}

	return o
}

func testKVMCompat(sys *kvm.System) error {
	version, err := kvm.GetAPIVersion(sys)
	if err != nil {
		return err
	}

	if version != kvm.StableAPIVersion {
		return fmt.Errorf("unstable API version: %d != %d", version, kvm.StableAPIVersion)
	}

	required := []kvm.Cap{
		kvm.CapHLT,
		kvm.CapUserMemory,
		kvm.CapCheckExtensionVM,
	}

	var missing []kvm.Cap
	for _, cap := range required {
		val, err := kvm.CheckExtension(sys, cap)
		if err != nil {
			return err
		}

		if val < 1 {
			missing = append(missing, cap)
		}
	}

	if len(missing) > 0 {
		var names []string
		for _, cap := range missing {
			names = append(names, cap.String())
		}

		return fmt.Errorf("missing %s", strings.Join(names, ","))
	}

	return nil
}
