package pagetable

import "fmt"

// UserRootBit tags the unprivileged root under page table isolation: the
// user copy of the top level table lives in the page right after the
// kernel one, so setting this bit of the kernel root selects it.
const UserRootBit = uint64(1) << PageShift

// Root is the top level of an address space as seen from one of the two
// execution contexts of page table isolation. It is either a
// PrivilegedRoot or an UnprivilegedRoot.
type Root interface {
	// Table returns the physical address of the top level table to walk.
	Table() uint64
	// Privileged returns true for the root used while running kernel code.
	Privileged() bool

	isRoot()
}

// PrivilegedRoot is the root used while running kernel code; it maps
// everything.
type PrivilegedRoot struct {
	// Addr is the physical address of the kernel top level table.
	Addr uint64
}

// UnprivilegedRoot is the root used while running user code; it maps user
// memory and the minimum kernel needed to enter and leave the kernel.
type UnprivilegedRoot struct {
	// Addr is the physical address of the kernel top level table. The user
	// table is derived from it.
	Addr uint64
}

func (r PrivilegedRoot) Table() uint64   { return r.Addr &^ UserRootBit }
func (r PrivilegedRoot) Privileged() bool { return true }
func (PrivilegedRoot) isRoot()            {}

func (r PrivilegedRoot) String() string {
	return fmt.Sprintf("kernel pgd %#x", r.Table())
}

func (r UnprivilegedRoot) Table() uint64   { return r.Addr | UserRootBit }
func (r UnprivilegedRoot) Privileged() bool { return false }
func (UnprivilegedRoot) isRoot()            {}

func (r UnprivilegedRoot) String() string {
	return fmt.Sprintf("user pgd %#x", r.Table())
}

// RootFromTagged returns the root identified by a table address that may
// carry UserRootBit.
func RootFromTagged(pgd uint64) Root {
	if pgd&UserRootBit != 0 {
		return UnprivilegedRoot{Addr: pgd &^ UserRootBit}
	}
	return PrivilegedRoot{Addr: pgd}
}
