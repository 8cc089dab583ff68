//go:build linux

package vm

import (
	"fmt"
	"io"
	"strings"

	"github.com/c35s/blankvm/kvm"
)

// Diagnostics renders the vCPU's exit reason, exit-specific payload, and
// full register state to w. It is best-effort: a failure to read back a
// register bank is noted on w rather than aborting the rest of the dump.
func Diagnostics(w io.Writer, vcpu *kvm.VCPU, state *kvm.VCPUState, raw []byte) {
	fmt.Fprintln(w, "===== BEGIN VM STATE =====")

	reason := state.ExitReason
	fmt.Fprintf(w, "Exit reason: %d (%s)\n\n", uint32(reason), exitReasonName(reason))

	switch reason {
	case kvm.ExitIO:
		exit := state.IOExitData()
		if exit.IsOut {
			fmt.Fprintf(w, "Write %dx%d bytes at port %04x: ", exit.Count, exit.Size, exit.Port)
			n := int(exit.Count) * int(exit.Size)
			for i := 0; i < n; i++ {
				fmt.Fprintf(w, "%02x ", raw[int(exit.Offset)+i])
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w)
		} else {
			fmt.Fprintf(w, "Read %dx%d bytes at port %04x\n\n", exit.Count, exit.Size, exit.Port)
		}

	case kvm.ExitMMIO:
		mmio := state.MMIOExitData()
		if mmio.IsWrite {
			fmt.Fprintf(w, "Write %d bytes at %016x: ", mmio.Len, mmio.PhysAddr)
			n := int(mmio.Len)
			if n > len(mmio.Data) {
				n = len(mmio.Data)
			}
			for i := 0; i < n; i++ {
				fmt.Fprintf(w, "%02x ", mmio.Data[i])
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w)
		} else {
			fmt.Fprintf(w, "Read %d bytes at %016x\n\n", mmio.Len, mmio.PhysAddr)
		}
	}

	var regs kvm.Regs
	if err := kvm.GetRegs(vcpu, &regs); err != nil {
		fmt.Fprintf(w, "KVM_GET_REGS: %v\n", err)
	} else {
		fmt.Fprintf(w, "RAX=%016x RBX=%016x RCX=%016x RDX=%016x\n", regs.RAX, regs.RBX, regs.RCX, regs.RDX)
		fmt.Fprintf(w, "RSI=%016x RDI=%016x RSP=%016x RBP=%016x\n", regs.RSI, regs.RDI, regs.RSP, regs.RBP)
		fmt.Fprintf(w, "R8 =%016x R9 =%016x R10=%016x R11=%016x\n", regs.R8, regs.R9, regs.R10, regs.R11)
		fmt.Fprintf(w, "R12=%016x R13=%016x R14=%016x R15=%016x\n", regs.R12, regs.R13, regs.R14, regs.R15)
		fmt.Fprintf(w, "RIP=%016x RFL=%016x\n\n", regs.RIP, regs.RFlags)
	}

	var sregs kvm.Sregs
	if err := kvm.GetSregs(vcpu, &sregs); err != nil {
		fmt.Fprintf(w, "KVM_GET_SREGS: %v\n", err)
	} else {
		dumpSegment(w, "CS ", &sregs.CS)
		dumpSegment(w, "DS ", &sregs.DS)
		dumpSegment(w, "ES ", &sregs.ES)
		dumpSegment(w, "FS ", &sregs.FS)
		dumpSegment(w, "GS ", &sregs.GS)
		dumpSegment(w, "SS ", &sregs.SS)
		dumpSegment(w, "TR ", &sregs.TR)
		dumpSegment(w, "LDT", &sregs.LDT)

		fmt.Fprintf(w, "GDT BASE=%016x LIM=%04x        ", sregs.GDT.Base, sregs.GDT.Limit)
		fmt.Fprintf(w, "IDT BASE=%016x LIM=%04x\n\n", sregs.IDT.Base, sregs.IDT.Limit)

		fmt.Fprintf(w, "CR0=%016x CR2=%016x CR3=%016x CR4=%016x\n", sregs.CR0, sregs.CR2, sregs.CR3, sregs.CR4)
		fmt.Fprintf(w, "CR8=%016x EFER=%016x APIC=%016x\n", sregs.CR8, sregs.EFER, sregs.APICBase)
		fmt.Fprintf(w, "INT BITMAP %016x %016x %016x %016x\n",
			sregs.InterruptBitmap[0], sregs.InterruptBitmap[1], sregs.InterruptBitmap[2], sregs.InterruptBitmap[3])
	}

	fmt.Fprintln(w, "===== END VM STATE =====")
	fmt.Fprintln(w)
}

func dumpSegment(w io.Writer, name string, seg *kvm.Segment) {
	fmt.Fprintf(w, "%s BASE=%016x LIM=%08x SEL=%04x ", name, seg.Base, seg.Limit, seg.Selector)
	fmt.Fprintf(w, "TP=%x P=%x DPL=%x DB=%x S=%x L=%x G=%x A=%x\n",
		seg.Type, seg.Present, seg.DPL, seg.DB, seg.S, seg.L, seg.G, seg.Avl)
}

// exitReasonName names an exit reason for diagnostics output, falling back
// to the literal "UNKNOWN" for any reason code this package doesn't
// recognize (rather than kvm.Exit.String's "Exit(%d)" placeholder).
func exitReasonName(e kvm.Exit) string {
	if s := e.String(); !strings.HasPrefix(s, "Exit(") {
		return s
	}

	return "UNKNOWN"
}
