// Package image reads and writes machine images: ELF core files holding
// physical memory, keyed by physical address, plus a note describing the
// inspected process and the processor's page table isolation state.
package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-delve/kpmap/pkg/elfwriter"
	"github.com/go-delve/kpmap/pkg/logflags"
	"github.com/go-delve/kpmap/pkg/mm"
	"github.com/go-delve/kpmap/pkg/physmem"
)

// ErrNoHeader is returned by Open for ELF files without a kpmap header
// note.
var ErrNoHeader = errors.New("not a kpmap image: header note missing")

// Image is an opened machine image.
type Image struct {
	Header *Header

	mem    *physmem.CachedReader
	file   mapping
	proc   *mm.Process
	closed bool
}

// Open opens the image at path. At most cachePages pages of physical
// memory are kept in memory while reading it, a non-positive value selects
// physmem.DefaultCachePages.
func Open(path string, cachePages int) (*Image, error) {
	log := logflags.ImageLogger()

	file, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	img, err := newImage(file, cachePages)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	log.Debugf("opened image %s: pid %d comm %q pgd %#x pti %v", path, img.Header.Pid, img.Header.Comm, img.Header.Pgd, img.Header.PTI)
	return img, nil
}

func newImage(file mapping, cachePages int) (*Image, error) {
	core, err := elf.NewFile(file)
	if err != nil {
		return nil, err
	}
	if core.Type != elf.ET_CORE {
		return nil, fmt.Errorf("%v is not an image file", core.Type)
	}
	if core.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("unsupported machine %v", core.Machine)
	}

	hdr, err := readHeader(core)
	if err != nil {
		return nil, err
	}

	memory := &physmem.SplicedMemory{}
	for _, prog := range core.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		r := &physmem.OffsetReaderAt{Reader: prog, Offset: prog.Paddr}
		memory.Add(r, prog.Paddr, prog.Filesz)
	}
	cached, err := physmem.NewCachedReader(memory, cachePages)
	if err != nil {
		return nil, err
	}

	img := &Image{Header: hdr, mem: cached, file: file}
	img.proc = &mm.Process{Pid: hdr.Pid, Comm: hdr.Comm}
	if hdr.HasMM {
		img.proc.MM = mm.NewAddressSpace(cached, hdr.Pgd)
	}
	return img, nil
}

// Memory returns the physical memory of the image.
func (img *Image) Memory() physmem.MemoryReader {
	return img.mem
}

// Process returns the process captured in the image. Every call returns
// the same process, so its address space lock is shared.
func (img *Image) Process() *mm.Process {
	return img.proc
}

// Mitigation returns the page table isolation state recorded in the
// image.
func (img *Image) Mitigation() mm.Mitigation {
	return mm.StaticMitigation(img.Header.PTI)
}

// Close releases the image file.
func (img *Image) Close() error {
	if img.closed {
		return nil
	}
	img.closed = true
	return img.file.Close()
}

// readHeader finds the kpmap header note in the notes prog of core.
func readHeader(core *elf.File) (*Header, error) {
	for _, prog := range core.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		r := prog.Open()
		for {
			n, err := readNote(r)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			if n.Type == elfwriter.HeaderNoteType && n.Name == elfwriter.HeaderNoteName {
				return parseHeader(n.Data)
			}
		}
	}
	return nil, ErrNoHeader
}

type elfNotesHdr struct {
	Namesz uint32
	Descsz uint32
	Type   uint32
}

// readNote reads a single note from r.
func readNote(r io.ReadSeeker) (*elfwriter.Note, error) {
	// Notes are laid out as described in the SysV ABI:
	// http://www.sco.com/developers/gabi/latest/ch5.pheader.html#note_section
	note := &elfwriter.Note{}
	hdr := &elfNotesHdr{}

	err := binary.Read(r, binary.LittleEndian, hdr)
	if err != nil {
		return nil, err // don't wrap so readHeader sees EOF.
	}
	note.Type = elf.NType(hdr.Type)

	name := make([]byte, hdr.Namesz)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, fmt.Errorf("reading name: %v", err)
	}
	note.Name = string(bytes.TrimRight(name, "\x00"))
	if err := skipPadding(r, 4); err != nil {
		return nil, fmt.Errorf("aligning after name: %v", err)
	}
	note.Data = make([]byte, hdr.Descsz)
	if _, err := io.ReadFull(r, note.Data); err != nil {
		return nil, fmt.Errorf("reading desc: %v", err)
	}
	if err := skipPadding(r, 4); err != nil {
		return nil, fmt.Errorf("aligning after desc: %v", err)
	}
	return note, nil
}

// skipPadding moves r to the next multiple of pad.
func skipPadding(r io.ReadSeeker, pad int64) error {
	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if pos%pad == 0 {
		return nil
	}
	if _, err := r.Seek(pad-(pos%pad), io.SeekCurrent); err != nil {
		return err
	}
	return nil
}
