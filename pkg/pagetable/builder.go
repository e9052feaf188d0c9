package pagetable

import (
	"errors"
	"fmt"

	"github.com/go-delve/kpmap/pkg/physmem"
)

// tableFlags are set on directory entries created by the Builder. Upper
// levels are permissive; the leaf entry decides the effective access.
const tableFlags = FlagPresent | FlagWrite | FlagUser

var (
	// ErrMisaligned is returned when mapping an address that is not page
	// aligned.
	ErrMisaligned = errors.New("address is not page aligned")
	// ErrNonCanonical is returned when mapping an address outside of the
	// translated range.
	ErrNonCanonical = errors.New("address outside of the translated range")
	// ErrHugeInPath is returned when a huge page sits where a table is
	// needed.
	ErrHugeInPath = errors.New("huge page in the way of a table")
)

// Builder lays out page tables in RAM. Tables are allocated upward from
// the base address passed to NewBuilder.
type Builder struct {
	ram  *physmem.RAM
	next uint64
}

// NewBuilder returns a Builder allocating tables in ram starting at base.
func NewBuilder(ram *physmem.RAM, base uint64) *Builder {
	return &Builder{ram: ram, next: (base + PageSize - 1) &^ (PageSize - 1)}
}

// RAM returns the memory the tables live in.
func (b *Builder) RAM() *physmem.RAM {
	return b.ram
}

func (b *Builder) alloc(align uint64) uint64 {
	b.next = (b.next + align - 1) &^ (align - 1)
	addr := b.next
	b.next += align
	for p := addr; p < b.next; p += PageSize {
		b.ram.Back(p)
	}
	return addr
}

// NewTable allocates an empty top level table and returns its privileged
// root.
func (b *Builder) NewTable() PrivilegedRoot {
	return PrivilegedRoot{Addr: b.alloc(PageSize)}
}

// NewIsolatedTables allocates the pair of top level tables used under page
// table isolation: the kernel table on an 8KB boundary and the user table
// in the following page. Both roots of the pair are returned.
func (b *Builder) NewIsolatedTables() (PrivilegedRoot, UnprivilegedRoot) {
	addr := b.alloc(2 * PageSize)
	return PrivilegedRoot{Addr: addr}, UnprivilegedRoot{Addr: addr}
}

// Map maps the page at virtual address va to physical address pa in the
// tables of root, creating intermediate tables as needed. FlagPresent is
// always added to flags.
func (b *Builder) Map(root Root, va, pa uint64, flags Flag) error {
	if va&(PageSize-1) != 0 || pa&(PageSize-1) != 0 {
		return fmt.Errorf("map %#x -> %#x: %w", va, pa, ErrMisaligned)
	}
	if va >= MaxAddress {
		return fmt.Errorf("map %#x: %w", va, ErrNonCanonical)
	}
	table := root.Table()
	for level := 0; level < Levels-1; level++ {
		var err error
		table, err = b.lookupOrCreate(table, level, va)
		if err != nil {
			return err
		}
	}
	return b.set(table, levelIndex(va, Levels-1), MakeEntry(pa, flags|FlagPresent))
}

// MapRange maps npages consecutive pages starting at va to consecutive
// physical pages starting at pa.
func (b *Builder) MapRange(root Root, va, pa uint64, npages int, flags Flag) error {
	for i := 0; i < npages; i++ {
		off := uint64(i) * PageSize
		if err := b.Map(root, va+off, pa+off, flags); err != nil {
			return err
		}
	}
	return nil
}

// MapHuge installs a huge page entry at level ("pud" for 1GB, "pmd" for
// 2MB pages).
func (b *Builder) MapHuge(root Root, level string, va, pa uint64, flags Flag) error {
	var target int
	switch level {
	case "pud":
		target = 1
	case "pmd":
		target = 2
	default:
		return fmt.Errorf("huge pages can not be mapped at level %q", level)
	}
	if va&(levelSize(target)-1) != 0 || pa&(levelSize(target)-1) != 0 {
		return fmt.Errorf("map huge %#x -> %#x: %w", va, pa, ErrMisaligned)
	}
	if va >= MaxAddress {
		return fmt.Errorf("map huge %#x: %w", va, ErrNonCanonical)
	}
	table := root.Table()
	for l := 0; l < target; l++ {
		var err error
		table, err = b.lookupOrCreate(table, l, va)
		if err != nil {
			return err
		}
	}
	return b.set(table, levelIndex(va, target), MakeEntry(pa, flags|FlagPresent|FlagHuge))
}

// Unmap clears the present bit of the leaf entry for va, leaving the rest
// of the entry in place. It is a no-op if va is not mapped.
func (b *Builder) Unmap(root Root, va uint64) error {
	table := root.Table()
	for level := 0; level < Levels-1; level++ {
		e, err := b.get(table, levelIndex(va, level))
		if err != nil {
			return err
		}
		if !e.Present() || e.Huge() {
			return nil
		}
		table = e.Address()
	}
	idx := levelIndex(va, Levels-1)
	e, err := b.get(table, idx)
	if err != nil {
		return err
	}
	return b.set(table, idx, e&^Entry(FlagPresent))
}

// ShareEntry copies the top level entry covering va from one root to
// another, so both address spaces share everything below it.
func (b *Builder) ShareEntry(from, to Root, va uint64) error {
	idx := levelIndex(va, 0)
	e, err := b.get(from.Table(), idx)
	if err != nil {
		return err
	}
	return b.set(to.Table(), idx, e)
}

func (b *Builder) lookupOrCreate(table uint64, level int, va uint64) (uint64, error) {
	idx := levelIndex(va, level)
	e, err := b.get(table, idx)
	if err != nil {
		return 0, err
	}
	if e.Present() {
		if e.Huge() {
			return 0, fmt.Errorf("%s entry for %#x: %w", levelNames[level], va, ErrHugeInPath)
		}
		return e.Address(), nil
	}
	next := b.alloc(PageSize)
	if err := b.set(table, idx, MakeEntry(next, tableFlags)); err != nil {
		return 0, err
	}
	return next, nil
}

func (b *Builder) get(table, idx uint64) (Entry, error) {
	v, err := physmem.ReadUint64(b.ram, table+idx*EntrySize)
	return Entry(v), err
}

func (b *Builder) set(table, idx uint64, e Entry) error {
	return physmem.WriteUint64(b.ram, table+idx*EntrySize, uint64(e))
}
