package elfwriter

import (
	"bytes"
	"debug/elf"
	"io"
	"os"
	"path/filepath"
	"testing"
)

type sliceMemory struct {
	base uint64
	data []byte
}

func (m *sliceMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	if addr < m.base || addr-m.base >= uint64(len(m.data)) {
		return 0, io.EOF
	}
	return copy(buf, m.data[addr-m.base:]), nil
}

func TestWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image")
	fh, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}

	w, err := New(fh, &elf.FileHeader{
		Class:   elf.ELFCLASS64,
		Data:    elf.ELFDATA2LSB,
		Version: elf.EV_CURRENT,
		OSABI:   elf.ELFOSABI_LINUX,
		Type:    elf.ET_CORE,
		Machine: elf.EM_X86_64,
	})
	if err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte{0xab}, 3*4096)
	w.WriteSegment(&sliceMemory{base: 0x200000, data: data}, 0x200000, uint64(len(data)), elf.PF_R|elf.PF_W)
	w.Progs = append(w.Progs, w.WriteNotes([]Note{{Type: HeaderNoteType, Name: HeaderNoteName, Data: []byte("linux/amd64\n")}}))
	w.WriteProgramHeaders()
	if w.Err != nil {
		t.Fatal(w.Err)
	}
	if err := fh.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := elf.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if f.Type != elf.ET_CORE || f.Machine != elf.EM_X86_64 {
		t.Fatalf("unexpected header %v %v", f.Type, f.Machine)
	}
	if len(f.Progs) != 2 {
		t.Fatalf("expected 2 program headers got %d", len(f.Progs))
	}
	load := f.Progs[0]
	if load.Type != elf.PT_LOAD || load.Paddr != 0x200000 || load.Filesz != uint64(len(data)) || load.Off%4096 != 0 {
		t.Fatalf("unexpected load segment %+v", load.ProgHeader)
	}
	got, err := io.ReadAll(load.Open())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("segment contents differ")
	}
	if f.Progs[1].Type != elf.PT_NOTE {
		t.Fatalf("expected a note segment got %v", f.Progs[1].Type)
	}
}

func TestWriterShortSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image")
	fh, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer fh.Close()
	w, err := New(fh, &elf.FileHeader{Class: elf.ELFCLASS64, Data: elf.ELFDATA2LSB, Version: elf.EV_CURRENT})
	if err != nil {
		t.Fatal(err)
	}
	w.WriteSegment(&sliceMemory{base: 0, data: make([]byte, 10)}, 0, 4096, elf.PF_R)
	if w.Err == nil {
		t.Fatalf("segment larger than its source was written")
	}
}

func TestWriterUnsupported(t *testing.T) {
	fh, err := os.Create(filepath.Join(t.TempDir(), "image"))
	if err != nil {
		t.Fatal(err)
	}
	defer fh.Close()
	if _, err := New(fh, &elf.FileHeader{Class: elf.ELFCLASS32, Data: elf.ELFDATA2LSB}); err != ErrUnsupported {
		t.Fatalf("expected ErrUnsupported got %v", err)
	}
}
