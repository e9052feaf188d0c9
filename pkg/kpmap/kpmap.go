// Package kpmap reports the permissions of every page mapped by the page
// tables of a process, resolving which of the two page table isolation
// roots to walk first.
package kpmap

import (
	"fmt"
	"time"

	"github.com/go-delve/kpmap/pkg/logflags"
	"github.com/go-delve/kpmap/pkg/mm"
	"github.com/go-delve/kpmap/pkg/pagetable"
)

// Error is the error returned by a failed invocation. Status is the
// negative value reported to pseudo-file readers.
type Error struct {
	Err error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }
func (e *Error) Status() int   { return -1 }

// Walk sends a record for every present page reachable from root to sink.
// The address space is read locked for the whole walk and unlocked on
// every return path.
func Walk(as *mm.AddressSpace, root pagetable.Root, sink Sink) error {
	guard := as.ReadLock()
	defer guard.Release()

	log := logflags.WalkerLogger()
	w := &pagetable.Walker{
		Mem: as.Memory(),
		Skipped: func(level string, addr uint64, e pagetable.Entry) {
			log.Debugf("skipping huge %s entry at %#x: %#x", level, addr, uint64(e))
		},
	}
	n := 0
	for rec, err := range w.Walk(root, 0, pagetable.MaxAddress).All() {
		if err != nil {
			return fmt.Errorf("walking %v: %w", root, err)
		}
		sink.Record(rec)
		n++
	}
	log.Debugf("walked %v: %d present pages", root, n)
	return nil
}

// Invocation is one resolve-then-walk run against the current process.
type Invocation struct {
	Proc   *mm.Process
	CPU    mm.Mitigation
	Target Target
	// Delay is waited after resolving the root and before walking.
	Delay time.Duration
	// Markers adds start and end lines around the walk.
	Markers bool
}

// Run resolves the root and walks it, sending everything to sink. The
// walk is attempted exactly once.
func (inv *Invocation) Run(sink Sink) error {
	root, err := ResolveRoot(inv.Proc, inv.CPU, inv.Target, sink)
	if err != nil {
		return &Error{Err: err}
	}
	if inv.Delay > 0 {
		time.Sleep(inv.Delay)
	}
	if inv.Markers {
		sink.Status("kpmap: walk start")
	}
	if err := Walk(inv.Proc.MM, root, sink); err != nil {
		return &Error{Err: err}
	}
	if inv.Markers {
		sink.Status("kpmap: walk end")
	}
	return nil
}
