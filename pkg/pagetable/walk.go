package pagetable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/go-delve/kpmap/pkg/physmem"
)

// ErrWalkConsumed is yielded when a Walk is ranged over a second time.
var ErrWalkConsumed = errors.New("page table walk already consumed")

// Walker reads page tables out of physical memory.
type Walker struct {
	// Mem holds the tables.
	Mem physmem.MemoryReader
	// Split is the address at which Classify switches from user to kernel.
	// Zero means TaskSizeMax.
	Split uint64
	// Skipped, if not nil, is called for every present huge entry found at
	// an upper level. Huge entries are not expanded into records.
	Skipped func(level string, addr uint64, e Entry)
}

// Walk is a single traversal of an address space. It can be ranged over
// once.
type Walk struct {
	w          *Walker
	table      uint64
	start, end uint64
	used       atomic.Bool
}

// Walk returns a traversal of the tables rooted at root covering
// [start, end). Nothing is read until the returned Walk is ranged over.
func (w *Walker) Walk(root Root, start, end uint64) *Walk {
	return &Walk{w: w, table: root.Table(), start: start, end: end}
}

// All returns the records of every present leaf entry in ascending
// address order. Directory entries that are not present are skipped
// along with everything below them. A failure to read a table ends the
// sequence with a non-nil error.
func (wk *Walk) All() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if !wk.used.CompareAndSwap(false, true) {
			yield(Record{}, ErrWalkConsumed)
			return
		}
		if wk.start >= wk.end {
			return
		}
		split := wk.w.Split
		if split == 0 {
			split = TaskSizeMax
		}
		end := wk.end
		if end > MaxAddress {
			end = MaxAddress
		}
		s := walkState{w: wk.w, split: split, end: end, yield: yield}
		s.table(wk.table, 0, wk.start)
	}
}

type walkState struct {
	w     *Walker
	split uint64
	end   uint64
	yield func(Record, error) bool
	buf   [EntriesPerTable * EntrySize]byte
}

// table visits the table at physical address phys, which translates the
// addresses sharing the upper bits of start above level. It returns false
// if the walk must stop.
func (s *walkState) table(phys uint64, level int, start uint64) bool {
	entries, err := s.read(phys, level)
	if err != nil {
		s.yield(Record{}, err)
		return false
	}
	size := levelSize(level)
	base := start &^ (size*EntriesPerTable - 1)
	for idx := levelIndex(start, level); idx < EntriesPerTable; idx++ {
		addr := base + idx*size
		if addr >= s.end {
			return true
		}
		e := entries[idx]
		if !e.Present() {
			continue
		}
		if level == Levels-1 {
			r := Record{
				Addr:   addr,
				Entry:  e,
				Region: Classify(addr, s.split),
				Perms:  Decode(e),
			}
			if !s.yield(r, nil) {
				return false
			}
			continue
		}
		if e.Huge() && level > 0 {
			if s.w.Skipped != nil {
				s.w.Skipped(levelNames[level], addr, e)
			}
			continue
		}
		next := addr
		if start > next {
			next = start
		}
		if !s.table(e.Address(), level+1, next) {
			return false
		}
	}
	return true
}

// read copies the table at phys out of memory. The copy is decoded before
// recursing, so the buffer is reused across levels.
func (s *walkState) read(phys uint64, level int) ([EntriesPerTable]Entry, error) {
	var entries [EntriesPerTable]Entry
	n, err := s.w.Mem.ReadMemory(s.buf[:], phys)
	if err == nil && n != len(s.buf) {
		err = physmem.ErrShortRead
	}
	if err != nil {
		return entries, fmt.Errorf("reading %s table at %#x: %w", levelNames[level], phys, err)
	}
	for i := range entries {
		entries[i] = Entry(binary.LittleEndian.Uint64(s.buf[i*EntrySize:]))
	}
	return entries, nil
}
