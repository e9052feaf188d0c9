package image

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/go-delve/kpmap/pkg/mm"
	"github.com/go-delve/kpmap/pkg/pagetable"
	"github.com/go-delve/kpmap/pkg/physmem"
	"github.com/go-delve/kpmap/pkg/version"
)

// DefaultTableBase is where Layout.Build allocates page tables when the
// layout does not say otherwise.
const DefaultTableBase = 0x100000

// Layout describes the page tables of a synthetic image.
//
// Example:
//
//	comm: cat
//	pid: 4242
//	pti: on
//	mappings:
//	  - addr: 0x400000
//	    pages: 2
//	    phys: 0x7000000
//	    flags: [user]
//	    roots: [kernel, user]
type Layout struct {
	Comm string `yaml:"comm"`
	Pid  int    `yaml:"pid"`
	// PTI is on, off or unknown.
	PTI          string    `yaml:"pti"`
	KernelThread bool      `yaml:"kernel-thread,omitempty"`
	TableBase    uint64    `yaml:"table-base,omitempty"`
	Mappings     []Mapping `yaml:"mappings"`
}

// Mapping is a run of pages mapped with the same flags.
type Mapping struct {
	Addr  uint64 `yaml:"addr"`
	Pages int    `yaml:"pages,omitempty"`
	Phys  uint64 `yaml:"phys"`
	// Flags are names of page table entry bits, see FlagNames.
	Flags []string `yaml:"flags,omitempty"`
	// Huge maps a single huge page at the given level, pud or pmd.
	Huge string `yaml:"huge,omitempty"`
	// Roots lists the roots mapping the pages, kernel and/or user.
	// Defaults to both roots under page table isolation and to the kernel
	// root otherwise.
	Roots []string `yaml:"roots,omitempty"`
}

// FlagNames maps the names accepted in Mapping.Flags to entry bits.
var FlagNames = map[string]pagetable.Flag{
	"write":         pagetable.FlagWrite,
	"user":          pagetable.FlagUser,
	"write-through": pagetable.FlagWriteThrough,
	"no-cache":      pagetable.FlagNoCache,
	"accessed":      pagetable.FlagAccessed,
	"dirty":         pagetable.FlagDirty,
	"global":        pagetable.FlagGlobal,
	"nx":            pagetable.FlagNoExecute,
}

// LoadLayout reads a YAML layout from path.
func LoadLayout(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var l Layout
	if err := yaml.UnmarshalStrict(data, &l); err != nil {
		return nil, fmt.Errorf("unable to decode layout %s: %v", path, err)
	}
	return &l, nil
}

// Build lays out the page tables described by l and returns the header and
// memory of the resulting image.
func (l *Layout) Build() (*Header, *physmem.RAM, error) {
	pti := mm.PTIOff
	if l.PTI != "" {
		var err error
		pti, err = mm.ParsePTIState(l.PTI)
		if err != nil {
			return nil, nil, err
		}
	}
	hdr := &Header{
		Version: version.KpmapVersion.Short(),
		Comm:    l.Comm,
		Pid:     l.Pid,
		PTI:     pti,
	}

	base := l.TableBase
	if base == 0 {
		base = DefaultTableBase
	}
	ram := physmem.NewRAM()
	b := pagetable.NewBuilder(ram, base)
	if l.KernelThread {
		if len(l.Mappings) > 0 {
			return nil, nil, fmt.Errorf("kernel threads have no page tables to map into")
		}
		return hdr, ram, nil
	}

	roots := map[string]pagetable.Root{}
	defaultRoots := []string{"kernel"}
	if pti == mm.PTIOn {
		kernel, user := b.NewIsolatedTables()
		roots["kernel"], roots["user"] = kernel, user
		defaultRoots = []string{"kernel", "user"}
		hdr.Pgd = kernel.Addr
	} else {
		kernel := b.NewTable()
		roots["kernel"] = kernel
		hdr.Pgd = kernel.Addr
	}
	hdr.HasMM = true

	for i, m := range l.Mappings {
		if err := l.mapOne(b, roots, defaultRoots, m); err != nil {
			return nil, nil, fmt.Errorf("mapping %d (%#x): %v", i, m.Addr, err)
		}
	}
	return hdr, ram, nil
}

func (l *Layout) mapOne(b *pagetable.Builder, roots map[string]pagetable.Root, defaultRoots []string, m Mapping) error {
	var flags pagetable.Flag
	for _, name := range m.Flags {
		f, ok := FlagNames[name]
		if !ok {
			return fmt.Errorf("unknown flag %q", name)
		}
		flags |= f
	}
	names := m.Roots
	if len(names) == 0 {
		names = defaultRoots
	}
	for _, name := range names {
		root, ok := roots[name]
		if !ok {
			return fmt.Errorf("no %s root in this layout", name)
		}
		var err error
		switch {
		case m.Huge != "":
			err = b.MapHuge(root, m.Huge, m.Addr, m.Phys, flags)
		default:
			pages := m.Pages
			if pages == 0 {
				pages = 1
			}
			err = b.MapRange(root, m.Addr, m.Phys, pages, flags)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
