package kpmap

import (
	"fmt"
	"io"
	"sync"

	"github.com/go-delve/kpmap/pkg/logflags"
	"github.com/go-delve/kpmap/pkg/procfs"
)

// FileName is the name of the pseudo-file registered in ModeFile.
const FileName = "kpmap"

// Mode selects how a loaded Module reports.
type Mode int

const (
	// ModeOneShot walks once at load time and reports to the diagnostic
	// log.
	ModeOneShot Mode = iota
	// ModeFile registers a pseudo-file that walks every time it is opened.
	ModeFile
)

func (m Mode) String() string {
	switch m {
	case ModeOneShot:
		return "one-shot"
	case ModeFile:
		return "file"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Module ties an Invocation to a reporting surface with an explicit load
// and unload lifecycle.
type Module struct {
	Mode       Mode
	Invocation Invocation
	// Registry receives the pseudo-file in ModeFile.
	Registry *procfs.Registry
	// Log is the diagnostic log. Defaults to logflags.SyslogLogger().
	Log logflags.Logger

	mu     sync.Mutex
	loaded bool
}

func (m *Module) log() logflags.Logger {
	if m.Log == nil {
		m.Log = logflags.SyslogLogger()
	}
	return m.Log
}

// Load loads the module. In ModeOneShot the walk runs before Load returns
// and its error, if any, is returned; the module stays loaded either way.
func (m *Module) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return fmt.Errorf("kpmap: module already loaded")
	}
	log := m.log()

	switch m.Mode {
	case ModeOneShot:
		m.loaded = true
		log.Info("kpmap: module loaded")
		inv := m.Invocation
		return inv.Run(&LogSink{Log: log})
	case ModeFile:
		if m.Registry == nil {
			return fmt.Errorf("kpmap: file mode requires a registry")
		}
		if err := m.Registry.Create(FileName, 0o444, m.show); err != nil {
			return err
		}
		m.loaded = true
		log.Info("kpmap: module loaded")
		return nil
	}
	return fmt.Errorf("kpmap: unknown mode %v", m.Mode)
}

func (m *Module) show(w io.Writer) error {
	inv := m.Invocation
	inv.Markers = true
	sink := &WriterSink{W: w}
	if err := inv.Run(sink); err != nil {
		return err
	}
	return sink.Err
}

// Unload unloads the module, removing its pseudo-file. Unloading a module
// that is not loaded does nothing.
func (m *Module) Unload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return
	}
	if m.Mode == ModeFile {
		if err := m.Registry.Remove(FileName); err != nil {
			m.log().Warnf("kpmap: %v", err)
		}
	}
	m.loaded = false
	m.log().Info("kpmap: module unloaded")
}
