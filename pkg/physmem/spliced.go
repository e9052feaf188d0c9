package physmem

import (
	"errors"
	"fmt"
	"io"
	"sort"
)

// ErrHole is returned when a read reaches physical memory no segment of
// the image covers.
var ErrHole = errors.New("physical memory not present in image")

// SplicedMemory is the physical memory of an image, assembled from
// segments. Segments are kept sorted and disjoint: a segment added on top
// of earlier ones hides the bytes it covers, so an image can carry all of
// RAM in one PT_LOAD and page tables captured later in another.
type SplicedMemory struct {
	segs []segment
}

// segment covers physical addresses [start, end).
type segment struct {
	start, end uint64
	mem        MemoryReader
}

// Add adds the segment of length bytes at physical address start, read
// through mem. It hides whatever earlier segments hold in that range.
func (s *SplicedMemory) Add(mem MemoryReader, start, length uint64) {
	if length == 0 {
		return
	}
	end := start + length
	segs := make([]segment, 0, len(s.segs)+2)
	for _, seg := range s.segs {
		if seg.end <= start || end <= seg.start {
			segs = append(segs, seg)
			continue
		}
		// Keep the parts of seg sticking out on either side.
		if seg.start < start {
			segs = append(segs, segment{seg.start, start, seg.mem})
		}
		if end < seg.end {
			segs = append(segs, segment{end, seg.end, seg.mem})
		}
	}
	segs = append(segs, segment{start, end, mem})
	sort.Slice(segs, func(i, j int) bool { return segs[i].start < segs[j].start })
	s.segs = segs
}

// find returns the index of the segment holding addr, or -1.
func (s *SplicedMemory) find(addr uint64) int {
	i := sort.Search(len(s.segs), func(i int) bool { return s.segs[i].end > addr })
	if i < len(s.segs) && s.segs[i].start <= addr {
		return i
	}
	return -1
}

// ReadMemory implements MemoryReader. A read running into a hole returns
// the bytes before it together with an error wrapping ErrHole.
func (s *SplicedMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	n := 0
	for len(buf) > 0 {
		i := s.find(addr)
		if i < 0 {
			return n, fmt.Errorf("read %#x after %d bytes: %w", addr, n, ErrHole)
		}
		seg := s.segs[i]
		chunk := buf
		if avail := seg.end - addr; uint64(len(chunk)) > avail {
			chunk = chunk[:avail]
		}
		cn, err := seg.mem.ReadMemory(chunk, addr)
		n += cn
		if err != nil {
			return n, fmt.Errorf("segment %#x-%#x: %v", seg.start, seg.end, err)
		}
		if cn < len(chunk) {
			return n, nil
		}
		buf = buf[cn:]
		addr += uint64(cn)
	}
	return n, nil
}

// OffsetReaderAt reads the physical memory held by one segment of a file.
// Offset is the physical address of the first byte of Reader.
type OffsetReaderAt struct {
	Reader io.ReaderAt
	Offset uint64
}

// ReadMemory implements MemoryReader.
func (r *OffsetReaderAt) ReadMemory(buf []byte, addr uint64) (int, error) {
	return r.Reader.ReadAt(buf, int64(addr-r.Offset))
}
