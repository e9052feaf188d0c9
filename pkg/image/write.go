package image

import (
	"debug/elf"
	"os"

	"github.com/go-delve/kpmap/pkg/elfwriter"
	"github.com/go-delve/kpmap/pkg/logflags"
	"github.com/go-delve/kpmap/pkg/physmem"
)

// Write writes an image of the backed pages of ram, described by hdr, to
// out. Contiguous backed pages are stored as a single segment.
func Write(out elfwriter.WriteCloserSeeker, hdr *Header, ram *physmem.RAM) error {
	fhdr := &elf.FileHeader{
		Class:   elf.ELFCLASS64,
		Data:    elf.ELFDATA2LSB,
		Version: elf.EV_CURRENT,
		OSABI:   elf.ELFOSABI_LINUX,
		Type:    elf.ET_CORE,
		Machine: elf.EM_X86_64,
	}
	w, err := elfwriter.New(out, fhdr)
	if err != nil {
		return err
	}

	notes := []elfwriter.Note{{
		Type: elfwriter.HeaderNoteType,
		Name: elfwriter.HeaderNoteName,
		Data: hdr.marshal(),
	}}
	notesProg := w.WriteNotes(notes)
	w.Progs = append(w.Progs, notesProg)

	extents := ram.Extents()
	for _, ext := range extents {
		w.WriteSegment(ram, ext.Addr, ext.Size, elf.PF_R|elf.PF_W)
	}
	w.WriteProgramHeaders()
	if w.Err != nil {
		return w.Err
	}
	logflags.ImageLogger().Debugf("wrote image: %d segments, pid %d", len(extents), hdr.Pid)
	return nil
}

// WriteFile writes the image to the file at path, replacing it.
func WriteFile(path string, hdr *Header, ram *physmem.RAM) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, hdr, ram); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
