package physmem

import (
	"fmt"
	"sort"
)

// RAM is a sparse, page granular physical memory. Only pages that have
// been written to are backed; reading an unbacked page is an error.
type RAM struct {
	pages map[uint64]*[PageSize]byte
}

// NewRAM returns an empty RAM.
func NewRAM() *RAM {
	return &RAM{pages: make(map[uint64]*[PageSize]byte)}
}

// ReadMemory implements MemoryReader.ReadMemory.
func (m *RAM) ReadMemory(buf []byte, addr uint64) (n int, err error) {
	for n < len(buf) {
		page, ok := m.pages[addr>>PageShift]
		if !ok {
			return n, fmt.Errorf("physical address %#x is not backed", addr)
		}
		off := addr & (PageSize - 1)
		c := copy(buf[n:], page[off:])
		n += c
		addr += uint64(c)
	}
	return n, nil
}

// WriteMemory implements MemoryReadWriter.WriteMemory. Pages touched by
// the write become backed.
func (m *RAM) WriteMemory(addr uint64, data []byte) (written int, err error) {
	for written < len(data) {
		m.Back(addr)
		page := m.pages[addr>>PageShift]
		off := addr & (PageSize - 1)
		c := copy(page[off:], data[written:])
		written += c
		addr += uint64(c)
	}
	return written, nil
}

// Back makes sure the page containing addr is backed, zero filled if it
// was not.
func (m *RAM) Back(addr uint64) {
	pfn := addr >> PageShift
	if _, ok := m.pages[pfn]; !ok {
		m.pages[pfn] = new([PageSize]byte)
	}
}

// Backed reports whether the page containing addr is backed.
func (m *RAM) Backed(addr uint64) bool {
	_, ok := m.pages[addr>>PageShift]
	return ok
}

// Extent is a run of contiguous backed pages.
type Extent struct {
	Addr uint64
	Size uint64
}

// Extents returns the backed memory as a list of contiguous runs, sorted
// by address.
func (m *RAM) Extents() []Extent {
	pfns := make([]uint64, 0, len(m.pages))
	for pfn := range m.pages {
		pfns = append(pfns, pfn)
	}
	sort.Slice(pfns, func(i, j int) bool { return pfns[i] < pfns[j] })

	var r []Extent
	for _, pfn := range pfns {
		addr := pfn << PageShift
		if len(r) > 0 {
			last := &r[len(r)-1]
			if last.Addr+last.Size == addr {
				last.Size += PageSize
				continue
			}
		}
		r = append(r, Extent{Addr: addr, Size: PageSize})
	}
	return r
}
