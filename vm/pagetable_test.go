//go:build linux

package vm_test

import (
	"testing"

	"github.com/c35s/blankvm/vm"
)

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// referencePageTableSize recomputes the sizing recurrence independently of
// vm's implementation, so the test actually exercises PageTableSize rather
// than restating its own logic.
func referencePageTableSize(memSize int) int {
	n := ceilDiv(memSize, 4096)

	total := 0
	for level := 0; level < 4; level++ {
		n = ceilDiv(n*8, 4096)
		total += n
	}

	return total * 4096
}

func TestPageTableSizeFormula(t *testing.T) {
	sizes := []int{4096, 1 << 16, 1 << 20, 1 << 22, 1 << 30}

	for _, sz := range sizes {
		got := vm.PageTableSize(sz)
		want := referencePageTableSize(sz)

		if got != want {
			t.Errorf("PageTableSize(%d) = %d, want %d", sz, got, want)
		}
	}
}

func TestPageTableMinimality(t *testing.T) {
	// 16M of guest RAM needs 4096 leaf entries, which in turn need 8
	// frames at the next level (4096*8/4096 = 8), and a single frame at
	// each of the three levels above that: 8+1+1+1 = 11 frames.
	const memSize = 16 << 20
	const want = 11 * 4096

	if got := vm.PageTableSize(memSize); got != want {
		t.Fatalf("PageTableSize(%d) = %d, want %d", memSize, got, want)
	}
}

func TestPageTableCoverage(t *testing.T) {
	const memSize = 8 << 20 // spans several leaf-table frames
	guestPTBase := uint64(memSize)

	buf := make([]byte, vm.PageTableSize(memSize))
	cr3 := vm.FillPageTable(buf, memSize, guestPTBase)

	for frame := 0; frame < memSize/4096; frame++ {
		addr := uint64(frame) * 4096

		got, present, writable := vm.WalkPageTable(buf, guestPTBase, cr3, addr)
		if !present || !writable {
			t.Fatalf("addr %#x: present=%v writable=%v", addr, present, writable)
		}

		if got != addr {
			t.Fatalf("addr %#x: walked to frame %#x", addr, got)
		}
	}
}

func TestPageTableCR3LastFrame(t *testing.T) {
	const memSize = 1 << 20
	guestPTBase := uint64(memSize)

	buf := make([]byte, vm.PageTableSize(memSize))
	cr3 := vm.FillPageTable(buf, memSize, guestPTBase)

	want := guestPTBase + uint64(len(buf)) - 4096
	if cr3 != want {
		t.Fatalf("CR3 = %#x, want %#x (last frame of the region)", cr3, want)
	}
}
