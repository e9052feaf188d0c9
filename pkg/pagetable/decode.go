package pagetable

import "fmt"

// Permissions is the decoded form of a leaf entry.
type Permissions struct {
	Read   bool
	Write  bool
	Exec   bool
	User   bool
	Global bool
}

// Decode returns the permissions granted by e. A non-present entry grants
// nothing; callers are expected to skip such entries rather than report
// them.
func Decode(e Entry) Permissions {
	if !e.Present() {
		return Permissions{}
	}
	return Permissions{
		// Present pages are always readable on amd64.
		Read:   true,
		Write:  e.Has(FlagWrite),
		Exec:   !e.Has(FlagNoExecute),
		User:   e.Has(FlagUser),
		Global: e.Has(FlagGlobal),
	}
}

// String returns the permissions as "rwxug", with '-' for every flag that
// is clear.
func (p Permissions) String() string {
	b := [5]byte{'-', '-', '-', '-', '-'}
	if p.Read {
		b[0] = 'r'
	}
	if p.Write {
		b[1] = 'w'
	}
	if p.Exec {
		b[2] = 'x'
	}
	if p.User {
		b[3] = 'u'
	}
	if p.Global {
		b[4] = 'g'
	}
	return string(b[:])
}

// Region classifies an address as belonging to user or kernel space.
type Region uint8

const (
	RegionUser Region = iota
	RegionKernel
)

func (r Region) String() string {
	switch r {
	case RegionUser:
		return "USER"
	case RegionKernel:
		return "KERNEL"
	}
	return fmt.Sprintf("Region(%d)", uint8(r))
}

// Classify returns RegionKernel for addresses at or above split and
// RegionUser otherwise. It looks only at the address: the user bit of the
// entry mapping it is reported separately in Permissions.
func Classify(addr, split uint64) Region {
	if addr >= split {
		return RegionKernel
	}
	return RegionUser
}

// Record describes one present leaf entry found by a walk.
type Record struct {
	Addr   uint64
	Entry  Entry
	Region Region
	Perms  Permissions
}

// String formats the record as a single line, without the trailing
// newline.
func (r Record) String() string {
	return fmt.Sprintf("%s pte: %x \t\t Flags: %s", r.Region, r.Addr, r.Perms)
}
