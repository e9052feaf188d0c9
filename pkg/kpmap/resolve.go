package kpmap

import (
	"errors"
	"fmt"

	"github.com/go-delve/kpmap/pkg/logflags"
	"github.com/go-delve/kpmap/pkg/mm"
	"github.com/go-delve/kpmap/pkg/pagetable"
)

var (
	// ErrNoAddressSpace is returned for processes without a memory
	// descriptor, such as kernel threads.
	ErrNoAddressSpace = errors.New("process has no address space")
	// ErrNoRootTable is returned for memory descriptors without page
	// tables.
	ErrNoRootTable = errors.New("address space has no root table")
)

// Target selects which root is walked when page table isolation is
// active.
type Target int

const (
	// TargetPrivileged walks the root used while running kernel code.
	TargetPrivileged Target = iota
	// TargetUnprivileged walks the root used while running user code.
	TargetUnprivileged
)

func (t Target) String() string {
	switch t {
	case TargetPrivileged:
		return "kernel"
	case TargetUnprivileged:
		return "user"
	}
	return fmt.Sprintf("Target(%d)", int(t))
}

// ParseTarget parses the output of Target.String.
func ParseTarget(s string) (Target, error) {
	switch s {
	case "kernel":
		return TargetPrivileged, nil
	case "user":
		return TargetUnprivileged, nil
	}
	return 0, fmt.Errorf("unknown root target %q, must be kernel or user", s)
}

// ResolveRoot determines the root to walk for proc. Status lines
// describing the decision are sent to sink. The memory descriptor of proc
// is only read.
func ResolveRoot(proc *mm.Process, cpu mm.Mitigation, target Target, sink Sink) (pagetable.Root, error) {
	log := logflags.ResolverLogger()

	if proc == nil || proc.MM == nil {
		sink.Status("kpmap: mm is NULL")
		return nil, ErrNoAddressSpace
	}
	pgd := proc.MM.PGD()
	if pgd == 0 {
		sink.Status("kpmap: pgd is NULL")
		return nil, ErrNoRootTable
	}
	log.Debugf("pid %d (%s): pgd %#x", proc.Pid, proc.Comm, pgd)

	root := pagetable.RootFromTagged(pgd)
	active, err := false, mm.ErrMitigationQueryUnavailable
	if cpu != nil {
		active, err = cpu.PTIActive()
	}
	switch {
	case err != nil:
		log.Debugf("mitigation query: %v", err)
		sink.Status("kpmap: PTI status unavailable, assuming off")
	case !active:
		sink.Status("kpmap: PTI is off")
	case target == TargetUnprivileged:
		root = pagetable.UnprivilegedRoot{Addr: pgd &^ pagetable.UserRootBit}
	default:
		root = pagetable.PrivilegedRoot{Addr: pgd}
	}

	if root.Privileged() {
		sink.Status("kpmap: pgd is kernel")
	} else {
		sink.Status("kpmap: pgd is user")
	}
	log.Debugf("resolved %v (target %v)", root, target)
	return root, nil
}
