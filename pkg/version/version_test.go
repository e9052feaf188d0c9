package version

import (
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	tests := []struct {
		name  string
		v     Version
		short string
		str   string
	}{
		{"plain", Version{Major: "1", Minor: "2", Patch: "3", Build: "abc"}, "1.2.3", "Version: 1.2.3\nBuild: abc"},
		{"metadata", Version{Major: "0", Minor: "1", Patch: "0", Metadata: "rc1", Build: "def"}, "0.1.0-rc1", "Version: 0.1.0-rc1\nBuild: def"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.v.Short(); got != tc.short {
				t.Errorf("Short() = %q, want %q", got, tc.short)
			}
			if got := tc.v.String(); got != tc.str {
				t.Errorf("String() = %q, want %q", got, tc.str)
			}
		})
	}
}

func TestBuildInfo(t *testing.T) {
	if !strings.HasPrefix(BuildInfo(), "go") && !strings.HasPrefix(BuildInfo(), "devel") {
		t.Errorf("BuildInfo does not start with the Go version: %q", BuildInfo())
	}
}
