// Package procfs implements a registry of read-only pseudo-files whose
// contents are generated each time they are opened.
package procfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"sync"

	"github.com/go-delve/kpmap/pkg/logflags"
)

var (
	// ErrExist is returned when creating a file that is already registered.
	ErrExist = fs.ErrExist
	// ErrNotExist is returned when opening or removing an unknown file.
	ErrNotExist = fs.ErrNotExist
	// ErrWritable is returned when creating a file with write permissions.
	ErrWritable = errors.New("pseudo-files are read-only")
	// ErrClosed is returned when reading a closed file.
	ErrClosed = fs.ErrClosed
)

// ShowFunc generates the contents of a pseudo-file into w. A non-nil error
// makes the read fail with a negative status; whatever was written to w
// is still returned to the reader.
type ShowFunc func(w io.Writer) error

// StatusError is an error carrying the status a failed read reports.
type StatusError interface {
	error
	Status() int
}

// Registry holds pseudo-files by name.
type Registry struct {
	mu    sync.Mutex
	files map[string]*entry
	log   logflags.Logger
}

type entry struct {
	name string
	mode fs.FileMode
	show ShowFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		files: make(map[string]*entry),
		log:   logflags.ProcfsLogger(),
	}
}

// Create registers a pseudo-file. mode must not grant write permission.
func (r *Registry) Create(name string, mode fs.FileMode, show ShowFunc) error {
	if mode&0o222 != 0 {
		return fmt.Errorf("create %s: %w", name, ErrWritable)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.files[name]; ok {
		return fmt.Errorf("create %s: %w", name, ErrExist)
	}
	r.files[name] = &entry{name: name, mode: mode, show: show}
	r.log.Debugf("created %s mode %v", name, mode)
	return nil
}

// Remove unregisters a pseudo-file. Files already open stay readable.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.files[name]; !ok {
		return fmt.Errorf("remove %s: %w", name, ErrNotExist)
	}
	delete(r.files, name)
	r.log.Debugf("removed %s", name)
	return nil
}

// List returns the names of the registered files, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.files))
	for name := range r.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Mode returns the permissions a file was registered with.
func (r *Registry) Mode(name string) (fs.FileMode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.files[name]
	if !ok {
		return 0, fmt.Errorf("stat %s: %w", name, ErrNotExist)
	}
	return e.mode, nil
}

// Open generates the contents of a pseudo-file. The show function runs
// once per Open, outside of the registry lock; its output is buffered in
// the returned File.
func (r *Registry) Open(name string) (*File, error) {
	r.mu.Lock()
	e, ok := r.files[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("open %s: %w", name, ErrNotExist)
	}

	buf := new(bytes.Buffer)
	err := e.show(buf)
	f := &File{name: name, r: bytes.NewReader(buf.Bytes()), err: err}
	if err != nil {
		f.status = -1
		var serr StatusError
		if errors.As(err, &serr) && serr.Status() < 0 {
			f.status = serr.Status()
		}
		r.log.Debugf("open %s: status %d: %v", name, f.status, err)
	} else {
		r.log.Debugf("open %s: %d bytes", name, buf.Len())
	}
	return f, nil
}

// File is an open pseudo-file.
type File struct {
	name   string
	r      *bytes.Reader
	status int
	err    error
	closed bool
}

// Name returns the name the file was opened with.
func (f *File) Name() string {
	return f.name
}

// Read implements io.Reader.
func (f *File) Read(p []byte) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	return f.r.Read(p)
}

// Close implements io.Closer.
func (f *File) Close() error {
	if f.closed {
		return ErrClosed
	}
	f.closed = true
	return nil
}

// Status returns 0 if the contents were generated successfully and a
// negative value otherwise.
func (f *File) Status() int {
	return f.status
}

// Err returns the error the show function failed with, if any.
func (f *File) Err() error {
	return f.err
}

// Size returns the length of the generated contents.
func (f *File) Size() int64 {
	return f.r.Size()
}
