// Package mm models the memory descriptor of a process: its address
// space, the root of its page tables and the lock guarding them.
package mm

import (
	"sync"
	"sync/atomic"

	"github.com/go-delve/kpmap/pkg/physmem"
)

// AddressSpace is the memory descriptor of a process.
type AddressSpace struct {
	mu  sync.RWMutex
	pgd atomic.Uint64
	mem physmem.MemoryReader

	readLocks atomic.Uint64
}

// NewAddressSpace returns an address space whose page tables are rooted
// at the physical address pgd in mem. A zero pgd models a descriptor
// without page tables.
func NewAddressSpace(mem physmem.MemoryReader, pgd uint64) *AddressSpace {
	as := &AddressSpace{mem: mem}
	as.pgd.Store(pgd)
	return as
}

// PGD returns the physical address of the top level page table. It does
// not take the address space lock.
func (as *AddressSpace) PGD() uint64 {
	return as.pgd.Load()
}

// Memory returns the physical memory holding the page tables.
func (as *AddressSpace) Memory() physmem.MemoryReader {
	return as.mem
}

// ReadGuard holds an address space read locked until released.
type ReadGuard struct {
	as   *AddressSpace
	once sync.Once
}

// ReadLock read locks the address space. The lock is held until Release
// is called on the returned guard.
func (as *AddressSpace) ReadLock() *ReadGuard {
	as.mu.RLock()
	as.readLocks.Add(1)
	return &ReadGuard{as: as}
}

// Release unlocks the address space. Calling Release more than once is
// allowed.
func (g *ReadGuard) Release() {
	g.once.Do(g.as.mu.RUnlock)
}

// ReadLocks returns how many times the address space has been read locked.
func (as *AddressSpace) ReadLocks() uint64 {
	return as.readLocks.Load()
}

// Update calls fn with the address space write locked. fn may change the
// tables in memory and return a new pgd; returning the current pgd keeps
// it.
func (as *AddressSpace) Update(fn func(pgd uint64) uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.pgd.Store(fn(as.pgd.Load()))
}

// Process is a task whose address space can be inspected.
type Process struct {
	Pid  int
	Comm string
	// MM is nil for kernel threads, which borrow whatever address space
	// was active and own none.
	MM *AddressSpace
}
