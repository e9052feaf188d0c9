// Package physmem provides readers over physical memory: sparse RAM for
// tables built in process, spliced regions loaded from image files and a
// page cache in front of either.
package physmem

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// PageShift is log2(PageSize).
	PageShift = 12
	// PageSize is the granularity of RAM and of the page cache.
	PageSize = 1 << PageShift
)

// MemoryReader is like io.ReaderAt, but the offset is a uint64 physical
// address so that it can address all of the physical address space.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// MemoryReadWriter is a MemoryReader that can also be written to.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

// ErrShortRead is returned when a read returns fewer bytes than requested
// without reporting an error.
var ErrShortRead = errors.New("short read")

// ReadUint64 reads a little-endian 64bit value at addr.
func ReadUint64(mem MemoryReader, addr uint64) (uint64, error) {
	var buf [8]byte
	n, err := mem.ReadMemory(buf[:], addr)
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("reading %#x: %w", addr, ErrShortRead)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 writes a little-endian 64bit value at addr.
func WriteUint64(mem MemoryReadWriter, addr uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := mem.WriteMemory(addr, buf[:])
	return err
}
