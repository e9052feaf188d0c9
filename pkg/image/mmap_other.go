//go:build !unix

package image

import (
	"io"
	"os"
)

type mapping interface {
	io.ReaderAt
	io.Closer
}

func mapFile(path string) (mapping, error) {
	return os.Open(path)
}
