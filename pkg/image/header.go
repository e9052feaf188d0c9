package image

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-delve/kpmap/pkg/elfwriter"
	"github.com/go-delve/kpmap/pkg/mm"
)

// Header describes the process and processor captured in an image.
type Header struct {
	Version string
	Comm    string
	Pid     int
	// Pgd is the physical address of the kernel top level table of the
	// process. HasMM false means the process is a kernel thread and Pgd
	// is meaningless.
	HasMM bool
	Pgd   uint64
	PTI   mm.PTIState
}

const platform = "linux/amd64"

func (h *Header) marshal() []byte {
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "%s\n", platform)
	fmt.Fprintf(buf, "%s%s\n", elfwriter.HeaderVersionPrefix, h.Version)
	fmt.Fprintf(buf, "%s%s\n", elfwriter.HeaderCommPrefix, h.Comm)
	fmt.Fprintf(buf, "%s%d\n", elfwriter.HeaderPidPrefix, h.Pid)
	if h.HasMM {
		fmt.Fprintf(buf, "%s%#x\n", elfwriter.HeaderPgdPrefix, h.Pgd)
	}
	fmt.Fprintf(buf, "%s%s\n", elfwriter.HeaderPTIPrefix, h.PTI)
	return buf.Bytes()
}

func parseHeader(desc []byte) (*Header, error) {
	lines := strings.Split(string(desc), "\n")
	if lines[0] != platform {
		return nil, fmt.Errorf("malformed kpmap header note: unsupported platform %q", lines[0])
	}
	h := &Header{}
	for _, line := range lines[1:] {
		var err error
		switch {
		case strings.HasPrefix(line, elfwriter.HeaderVersionPrefix):
			h.Version = line[len(elfwriter.HeaderVersionPrefix):]
		case strings.HasPrefix(line, elfwriter.HeaderCommPrefix):
			h.Comm = line[len(elfwriter.HeaderCommPrefix):]
		case strings.HasPrefix(line, elfwriter.HeaderPidPrefix):
			h.Pid, err = strconv.Atoi(line[len(elfwriter.HeaderPidPrefix):])
			if err != nil {
				return nil, fmt.Errorf("malformed kpmap header note (bad pid): %v", err)
			}
		case strings.HasPrefix(line, elfwriter.HeaderPgdPrefix):
			h.Pgd, err = strconv.ParseUint(line[len(elfwriter.HeaderPgdPrefix):], 0, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed kpmap header note (bad pgd): %v", err)
			}
			h.HasMM = true
		case strings.HasPrefix(line, elfwriter.HeaderPTIPrefix):
			h.PTI, err = mm.ParsePTIState(line[len(elfwriter.HeaderPTIPrefix):])
			if err != nil {
				return nil, fmt.Errorf("malformed kpmap header note: %v", err)
			}
		}
	}
	return h, nil
}
