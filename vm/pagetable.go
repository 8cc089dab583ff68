//go:build linux

package vm

import "encoding/binary"

const pageSize = 4096

func bytesToPages(n int) int {
	return (n + pageSize - 1) / pageSize
}

// entryFrames returns the number of 4K frames needed to hold n 8-byte page
// table entries.
func entryFrames(n int) int {
	return bytesToPages(n * 8)
}

// pageTableFrameCounts returns the frame count of each of the four table
// levels (PT, PD, PDPT, PML4) needed to identity-map memSize bytes of guest
// memory, applying entryFrames four times starting from the guest frame
// count.
func pageTableFrameCounts(memSize int) [4]int {
	n := bytesToPages(memSize)

	var levels [4]int
	for i := range levels {
		n = entryFrames(n)
		levels[i] = n
	}

	return levels
}

// PageTableSize returns the size, in bytes, of the region needed to hold a
// complete 4-level identity mapping of memSize bytes of guest memory.
func PageTableSize(memSize int) int {
	levels := pageTableFrameCounts(memSize)

	total := 0
	for _, n := range levels {
		total += n
	}

	return total * pageSize
}

// FillPageTable writes a complete 4-level identity mapping of memSize bytes
// of guest memory into buf, which must be at least PageTableSize(memSize)
// bytes. guestPTBase is the guest-physical address at which buf itself will
// be mapped (the host maps buf into the guest as a second memory slot
// starting there). It returns the CR3 value for the constructed tables: the
// guest-physical address of the last frame in the region.
//
// Every non-empty entry has present and writable set and nothing else.
// Leaf entries map guest frame i to guest-physical i*4096; each upper
// level's entries point at consecutive frames of the level below.
func FillPageTable(buf []byte, memSize int, guestPTBase uint64) uint64 {
	levels := pageTableFrameCounts(memSize)

	entries := bytesToPages(memSize)
	base := uint64(0)
	offset := 0

	for _, frames := range levels {
		for i := 0; i < entries; i++ {
			val := base + uint64(i)*pageSize + 0x3 // present | writable
			binary.LittleEndian.PutUint64(buf[offset+i*8:offset+i*8+8], val)
		}

		base = guestPTBase + uint64(offset)
		offset += frames * pageSize
		entries = frames
	}

	return guestPTBase + uint64(offset) - pageSize
}

// WalkPageTable walks the 4-level tables in buf (mapped at guest-physical
// regionBase) starting from cr3, translating the guest-physical identity
// address addr. It reports whether the final leaf entry is present and
// writable, and the physical frame it names.
func WalkPageTable(buf []byte, regionBase uint64, cr3 uint64, addr uint64) (frame uint64, present, writable bool) {
	indices := [4]uint64{
		(addr >> 39) & 0x1FF, // PML4
		(addr >> 30) & 0x1FF, // PDPT
		(addr >> 21) & 0x1FF, // PD
		(addr >> 12) & 0x1FF, // PT
	}

	readEntry := func(tableAddr uint64, idx uint64) uint64 {
		off := tableAddr - regionBase + idx*8
		return binary.LittleEndian.Uint64(buf[off : off+8])
	}

	table := cr3 &^ (pageSize - 1)

	for i, idx := range indices {
		e := readEntry(table, idx)
		if e&1 == 0 {
			return 0, false, false
		}

		if i == len(indices)-1 {
			return e &^ (pageSize - 1), true, e&2 != 0
		}

		table = e &^ (pageSize - 1)
	}

	return 0, false, false
}
