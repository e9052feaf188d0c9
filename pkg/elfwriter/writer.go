// elfwriter is a package to write ELF files without having their entire
// contents in memory at any one time.
// This package is incomplete, only features needed to write physical
// memory images are implemented, notably missing:
// - section headers
// - program headers at the beginning of the file
package elfwriter

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"io"
)

const (
	ehsize    = 64
	phentsize = 56
)

// ErrUnsupported is returned for file headers other than 64bit little
// endian.
var ErrUnsupported = errors.New("only 64bit little endian ELF files are supported")

// WriteCloserSeeker is the union of io.Writer, io.Closer and io.Seeker.
type WriteCloserSeeker interface {
	io.Writer
	io.Seeker
	io.Closer
}

// MemoryReader is the source of segment contents.
type MemoryReader interface {
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// Writer writes ELF files. The first error encountered is kept in Err and
// every later write is skipped.
type Writer struct {
	w     WriteCloserSeeker
	Err   error
	Progs []*elf.ProgHeader

	seekProgHeader int64
	seekProgNum    int64
}

// Note is an ELF note.
type Note struct {
	Type elf.NType
	Name string
	Data []byte
}

// New creates a new Writer and writes the file header.
func New(w WriteCloserSeeker, fhdr *elf.FileHeader) (*Writer, error) {
	if seek, _ := w.Seek(0, io.SeekCurrent); seek != 0 {
		return nil, errors.New("can't write halfway through a file")
	}
	if fhdr.Class != elf.ELFCLASS64 || fhdr.Data != elf.ELFDATA2LSB {
		return nil, ErrUnsupported
	}

	r := &Writer{w: w}

	// e_ident
	r.Write([]byte{0x7f, 'E', 'L', 'F', byte(fhdr.Class), byte(fhdr.Data), byte(fhdr.Version), byte(fhdr.OSABI), byte(fhdr.ABIVersion), 0, 0, 0, 0, 0, 0, 0})

	r.put(uint16(fhdr.Type), uint16(fhdr.Machine), uint32(fhdr.Version), fhdr.Entry)
	r.seekProgHeader = r.Here()
	r.put(uint64(0), uint64(0), uint32(0)) // e_phoff, e_shoff, e_flags
	r.put(uint16(ehsize), uint16(phentsize))
	r.seekProgNum = r.Here()
	r.put(uint16(0), uint16(0), uint16(0), uint16(elf.SHN_UNDEF)) // e_phnum, e_shentsize, e_shnum, e_shstrndx

	if r.Err != nil {
		return nil, r.Err
	}
	if sz := r.Here(); sz != ehsize {
		return nil, errors.New("internal error, ELF header size")
	}
	return r, nil
}

// WriteSegment copies size bytes of mem starting at physical address paddr
// to the current location and appends a PT_LOAD program header for them.
func (w *Writer) WriteSegment(mem MemoryReader, paddr, size uint64, flags elf.ProgFlag) {
	w.Align(4096)
	w.Progs = append(w.Progs, &elf.ProgHeader{
		Type:   elf.PT_LOAD,
		Flags:  flags,
		Off:    uint64(w.Here()),
		Paddr:  paddr,
		Filesz: size,
		Memsz:  size,
		Align:  4096,
	})

	buf := make([]byte, 1024*1024)
	for size > 0 && w.Err == nil {
		chunk := buf
		if uint64(len(chunk)) > size {
			chunk = chunk[:size]
		}
		n, err := mem.ReadMemory(chunk, paddr)
		if err == nil && n != len(chunk) {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			w.Err = err
			return
		}
		w.Write(chunk)
		paddr += uint64(n)
		size -= uint64(n)
	}
}

// WriteNotes writes notes to the current location, returns a ProgHeader describing the
// notes.
func (w *Writer) WriteNotes(notes []Note) *elf.ProgHeader {
	if len(notes) == 0 {
		return nil
	}
	h := &elf.ProgHeader{
		Type:  elf.PT_NOTE,
		Align: 4,
	}
	for i := range notes {
		note := &notes[i]
		w.Align(4)
		if h.Off == 0 {
			h.Off = uint64(w.Here())
		}
		w.put(uint32(len(note.Name)), uint32(len(note.Data)), uint32(note.Type))
		w.Write([]byte(note.Name))
		w.Align(4)
		w.Write(note.Data)
	}
	h.Filesz = uint64(w.Here()) - h.Off
	return h
}

// WriteProgramHeaders writes the program headers at the current location
// and patches the file header accordingly.
func (w *Writer) WriteProgramHeaders() {
	phoff := w.Here()

	w.seek(w.seekProgHeader, io.SeekStart)
	w.put(uint64(phoff))
	w.seek(w.seekProgNum, io.SeekStart)
	w.put(uint16(len(w.Progs)))
	w.seek(0, io.SeekEnd)

	for _, prog := range w.Progs {
		w.put(uint32(prog.Type), uint32(prog.Flags), prog.Off, prog.Vaddr, prog.Paddr, prog.Filesz, prog.Memsz, prog.Align)
	}
}

// Here returns the current seek offset from the start of the file.
func (w *Writer) Here() int64 {
	r, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil && w.Err == nil {
		w.Err = err
	}
	return r
}

// Align writes as many padding bytes as needed to make the current file
// offset a multiple of align.
func (w *Writer) Align(align int64) {
	off := w.Here()
	alignOff := (off + (align - 1)) &^ (align - 1)
	if alignOff-off > 0 {
		w.Write(make([]byte, alignOff-off))
	}
}

func (w *Writer) Write(buf []byte) {
	if w.Err != nil {
		return
	}
	_, w.Err = w.w.Write(buf)
}

func (w *Writer) seek(off int64, whence int) {
	if w.Err != nil {
		return
	}
	_, w.Err = w.w.Seek(off, whence)
}

// put writes each of vs, which must be fixed size values, in little
// endian order.
func (w *Writer) put(vs ...interface{}) {
	for _, v := range vs {
		if w.Err != nil {
			return
		}
		w.Err = binary.Write(w.w, binary.LittleEndian, v)
	}
}
