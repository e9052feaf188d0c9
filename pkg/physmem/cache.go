package physmem

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultCachePages is the number of pages kept by NewCachedReader when
// called with a non-positive size.
const DefaultCachePages = 1024

// CachedReader keeps recently read pages of an immutable MemoryReader.
// It must only be placed in front of memory that does not change, such as
// an image file.
type CachedReader struct {
	mem   MemoryReader
	pages *lru.Cache
}

// NewCachedReader returns a CachedReader holding up to npages pages of mem.
func NewCachedReader(mem MemoryReader, npages int) (*CachedReader, error) {
	if npages <= 0 {
		npages = DefaultCachePages
	}
	pages, err := lru.New(npages)
	if err != nil {
		return nil, err
	}
	return &CachedReader{mem: mem, pages: pages}, nil
}

func (c *CachedReader) page(pfn uint64) ([]byte, error) {
	if v, ok := c.pages.Get(pfn); ok {
		return v.([]byte), nil
	}
	buf := make([]byte, PageSize)
	n, err := c.mem.ReadMemory(buf, pfn<<PageShift)
	if err != nil {
		return nil, err
	}
	if n != PageSize {
		return nil, fmt.Errorf("reading page %#x: %w", pfn<<PageShift, ErrShortRead)
	}
	c.pages.Add(pfn, buf)
	return buf, nil
}

// ReadMemory implements MemoryReader.ReadMemory.
func (c *CachedReader) ReadMemory(buf []byte, addr uint64) (n int, err error) {
	for n < len(buf) {
		page, err := c.page(addr >> PageShift)
		if err != nil {
			return n, err
		}
		cn := copy(buf[n:], page[addr&(PageSize-1):])
		n += cn
		addr += uint64(cn)
	}
	return n, nil
}

// Len returns the number of cached pages.
func (c *CachedReader) Len() int {
	return c.pages.Len()
}
