package physmem

import (
	"testing"
)

type countingReader struct {
	mem   MemoryReader
	reads int
}

func (r *countingReader) ReadMemory(buf []byte, addr uint64) (int, error) {
	r.reads++
	return r.mem.ReadMemory(buf, addr)
}

func TestCachedReader(t *testing.T) {
	ram := NewRAM()
	for i := uint64(0); i < 4; i++ {
		WriteUint64(ram, i*PageSize+8, i+1)
	}
	cr := &countingReader{mem: ram}
	cache, err := NewCachedReader(cr, 2)
	if err != nil {
		t.Fatalf("NewCachedReader: %v", err)
	}

	for i := 0; i < 3; i++ {
		v, err := ReadUint64(cache, 8)
		if err != nil || v != 1 {
			t.Fatalf("ReadUint64 = %#x, %v", v, err)
		}
	}
	if cr.reads != 1 {
		t.Fatalf("expected a single backing read, got %d", cr.reads)
	}

	// Straddles pages 1 and 2.
	buf := make([]byte, 16)
	if _, err := cache.ReadMemory(buf, 2*PageSize-8); err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if cache.Len() != 2 {
		t.Fatalf("expected cache to hold 2 pages, got %d", cache.Len())
	}

	if _, err := cache.ReadMemory(buf, 10*PageSize); err == nil {
		t.Fatalf("read of unbacked page succeeded")
	}
}
