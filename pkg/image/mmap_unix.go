//go:build unix

package image

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

type mapping interface {
	io.ReaderAt
	io.Closer
}

type mappedFile struct {
	*bytes.Reader
	data []byte
}

func (f *mappedFile) Close() error {
	return unix.Munmap(f.data)
}

// mapFile maps the file at path read only.
func mapFile(path string) (mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, fmt.Errorf("%s: empty file", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%s: mmap: %v", path, err)
	}
	return &mappedFile{Reader: bytes.NewReader(data), data: data}, nil
}
