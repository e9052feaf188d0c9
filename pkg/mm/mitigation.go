package mm

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrMitigationQueryUnavailable is returned by Mitigation implementations
// that can not tell whether page table isolation is active.
var ErrMitigationQueryUnavailable = errors.New("page table isolation status unavailable")

// Mitigation reports the state of page table isolation on the processor
// running the inspected process.
type Mitigation interface {
	PTIActive() (bool, error)
}

// PTIState is a recorded page table isolation state.
type PTIState int

const (
	PTIUnknown PTIState = iota
	PTIOff
	PTIOn
)

func (s PTIState) String() string {
	switch s {
	case PTIOn:
		return "on"
	case PTIOff:
		return "off"
	}
	return "unknown"
}

// ParsePTIState parses the output of PTIState.String.
func ParsePTIState(s string) (PTIState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "1":
		return PTIOn, nil
	case "off", "false", "0":
		return PTIOff, nil
	case "unknown", "":
		return PTIUnknown, nil
	}
	return PTIUnknown, fmt.Errorf("unknown page table isolation state %q", s)
}

// StaticMitigation is a Mitigation with a fixed answer, typically read
// from an image.
type StaticMitigation PTIState

// PTIActive implements Mitigation.
func (m StaticMitigation) PTIActive() (bool, error) {
	switch PTIState(m) {
	case PTIOn:
		return true, nil
	case PTIOff:
		return false, nil
	}
	return false, ErrMitigationQueryUnavailable
}

// DefaultMeltdownPath is where Linux reports the meltdown mitigation.
const DefaultMeltdownPath = "/sys/devices/system/cpu/vulnerabilities/meltdown"

// HostMitigation reads the page table isolation state of the running
// kernel from sysfs.
type HostMitigation struct {
	// Path overrides DefaultMeltdownPath.
	Path string
}

// PTIActive implements Mitigation.
func (m HostMitigation) PTIActive() (bool, error) {
	path := m.Path
	if path == "" {
		path = DefaultMeltdownPath
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMitigationQueryUnavailable, err)
	}
	return strings.Contains(string(buf), "PTI"), nil
}
