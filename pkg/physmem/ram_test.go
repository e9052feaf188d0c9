package physmem

import (
	"reflect"
	"testing"
)

func TestRAMReadWrite(t *testing.T) {
	ram := NewRAM()
	if err := WriteUint64(ram, PageSize-4, 0x1122334455667788); err != nil {
		t.Fatalf("WriteUint64: %v", err)
	}
	v, err := ReadUint64(ram, PageSize-4)
	if err != nil {
		t.Fatalf("ReadUint64: %v", err)
	}
	if v != 0x1122334455667788 {
		t.Fatalf("expected %#x got %#x", uint64(0x1122334455667788), v)
	}
	if !ram.Backed(0) || !ram.Backed(PageSize) {
		t.Fatalf("write across a page boundary did not back both pages")
	}
	if _, err := ReadUint64(ram, 2*PageSize); err == nil {
		t.Fatalf("read of unbacked page succeeded")
	}
}

func TestRAMExtents(t *testing.T) {
	ram := NewRAM()
	for _, addr := range []uint64{5 * PageSize, 0, PageSize, 3 * PageSize, 4*PageSize + 17} {
		ram.Back(addr)
	}
	want := []Extent{
		{Addr: 0, Size: 2 * PageSize},
		{Addr: 3 * PageSize, Size: 3 * PageSize},
	}
	if got := ram.Extents(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v got %v", want, got)
	}
}
