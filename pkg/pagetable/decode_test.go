package pagetable

import "testing"

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
		want  Permissions
		str   string
	}{
		{"absent", 0, Permissions{}, "-----"},
		{"absent with bits", Entry(FlagWrite | FlagUser | FlagGlobal), Permissions{}, "-----"},
		{"present only", Entry(FlagPresent), Permissions{Read: true, Exec: true}, "r-x--"},
		{"present nx", Entry(FlagPresent | FlagNoExecute), Permissions{Read: true}, "r----"},
		{"user data", Entry(FlagPresent | FlagWrite | FlagUser | FlagNoExecute), Permissions{Read: true, Write: true, User: true}, "rw-u-"},
		{"kernel text", Entry(FlagPresent | FlagGlobal), Permissions{Read: true, Exec: true, Global: true}, "r-x-g"},
		{"everything", Entry(FlagPresent | FlagWrite | FlagUser | FlagGlobal | FlagDirty | FlagAccessed), Permissions{true, true, true, true, true}, "rwxug"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Decode(tc.entry)
			if got != tc.want {
				t.Errorf("Decode(%#x) = %+v, want %+v", uint64(tc.entry), got, tc.want)
			}
			if got.String() != tc.str {
				t.Errorf("Decode(%#x).String() = %q, want %q", uint64(tc.entry), got.String(), tc.str)
			}
		})
	}
}

// Every combination of the bits that matter must decode independently.
func TestDecodeFidelity(t *testing.T) {
	bits := []Flag{FlagPresent, FlagWrite, FlagUser, FlagGlobal, FlagNoExecute}
	for mask := 0; mask < 1<<len(bits); mask++ {
		var e Entry
		for i, b := range bits {
			if mask&(1<<i) != 0 {
				e |= Entry(b)
			}
		}
		p := Decode(e)
		if !e.Present() {
			if p != (Permissions{}) {
				t.Fatalf("non-present entry %#x decoded to %+v", uint64(e), p)
			}
			continue
		}
		want := Permissions{
			Read:   true,
			Write:  e.Has(FlagWrite),
			Exec:   !e.Has(FlagNoExecute),
			User:   e.Has(FlagUser),
			Global: e.Has(FlagGlobal),
		}
		if p != want {
			t.Fatalf("entry %#x decoded to %+v, want %+v", uint64(e), p, want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		addr uint64
		want Region
	}{
		{0, RegionUser},
		{0x1000, RegionUser},
		{TaskSizeMax - PageSize, RegionUser},
		{TaskSizeMax, RegionKernel},
		{1 << 47, RegionKernel},
		{MaxAddress - PageSize, RegionKernel},
	}
	for _, tc := range tests {
		if got := Classify(tc.addr, TaskSizeMax); got != tc.want {
			t.Errorf("Classify(%#x) = %v, want %v", tc.addr, got, tc.want)
		}
	}
	if got := Classify(0x1000, 0x1000); got != RegionKernel {
		t.Errorf("Classify with a custom split = %v, want %v", got, RegionKernel)
	}
}

func TestRecordString(t *testing.T) {
	r := Record{
		Addr:   0x1000,
		Region: RegionUser,
		Perms:  Permissions{Read: true, Write: true, User: true},
	}
	const want = "USER pte: 1000 \t\t Flags: rw-u-"
	if got := r.String(); got != want {
		t.Fatalf("expected %q got %q", want, got)
	}
}
