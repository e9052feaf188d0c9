// Package pagetable walks and builds amd64 4-level page tables held in
// physical memory and decodes their leaf entries into permission records.
package pagetable

import "github.com/go-delve/kpmap/pkg/physmem"

const (
	// Levels is the number of page table levels.
	Levels = 4

	// EntriesPerTable is the number of entries in a table at any level.
	EntriesPerTable = 512

	// EntrySize is the size of an entry in bytes.
	EntrySize = 8

	// PageShift is log2(PageSize).
	PageShift = physmem.PageShift

	// PageSize is the size of a page mapped by a leaf entry.
	PageSize = physmem.PageSize

	// MaxAddress is the end of the range covered by a walk: the 48 bits of
	// virtual address translated by four levels.
	MaxAddress = uint64(1) << 48

	// TaskSizeMax is the lowest address classified as kernel space.
	TaskSizeMax = uint64(1)<<47 - PageSize

	// physAddrMask extracts the physical frame address from an entry,
	// bits 12-51.
	physAddrMask = uint64(0x000ffffffffff000)
)

// levelShifts is the shift of the virtual address bits indexing each
// level, root first.
var levelShifts = [Levels]uint{39, 30, 21, 12}

// levelNames are used in diagnostics.
var levelNames = [Levels]string{"pgd", "pud", "pmd", "pte"}

// Flag is a bit of a page table entry.
type Flag uint64

const (
	// FlagPresent is set when the entry maps a page or a table.
	FlagPresent Flag = 1 << 0
	// FlagWrite allows writes.
	FlagWrite Flag = 1 << 1
	// FlagUser allows user mode accesses. If not set only kernel code can
	// access the page.
	FlagUser Flag = 1 << 2
	// FlagWriteThrough selects write-through caching.
	FlagWriteThrough Flag = 1 << 3
	// FlagNoCache disables caching.
	FlagNoCache Flag = 1 << 4
	// FlagAccessed is set by the CPU when the page is accessed.
	FlagAccessed Flag = 1 << 5
	// FlagDirty is set by the CPU when the page is written.
	FlagDirty Flag = 1 << 6
	// FlagHuge is set on pud and pmd entries that map a 1GB or 2MB page
	// instead of pointing to a table.
	FlagHuge Flag = 1 << 7
	// FlagGlobal keeps the TLB entry across address space switches.
	FlagGlobal Flag = 1 << 8
	// FlagNoExecute forbids instruction fetches.
	FlagNoExecute Flag = 1 << 63
)

// Entry is the hardware representation of a page table entry.
type Entry uint64

// Has returns true if all of flags are set.
func (e Entry) Has(flags Flag) bool {
	return uint64(e)&uint64(flags) == uint64(flags)
}

// Present returns true if the present bit is set.
func (e Entry) Present() bool {
	return e.Has(FlagPresent)
}

// Huge returns true if the entry maps a large page.
func (e Entry) Huge() bool {
	return e.Has(FlagHuge)
}

// Address returns the physical address of the page or table the entry
// points to.
func (e Entry) Address() uint64 {
	return uint64(e) & physAddrMask
}

// MakeEntry returns an entry pointing to addr with the given flags.
func MakeEntry(addr uint64, flags Flag) Entry {
	return Entry(addr&physAddrMask | uint64(flags))
}

func levelSize(level int) uint64 {
	return uint64(1) << levelShifts[level]
}

func levelIndex(addr uint64, level int) uint64 {
	return (addr >> levelShifts[level]) & (EntriesPerTable - 1)
}
