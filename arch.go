package nvjitlink

import (
	"fmt"
	"strconv"
	"strings"
)

// ComputeCapability identifies a GPU architecture as a major/minor
// pair, e.g. 7.5.
type ComputeCapability struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// CC is shorthand for ComputeCapability{major, minor}.
func CC(major, minor int) ComputeCapability {
	return ComputeCapability{Major: major, Minor: minor}
}

// SM returns the architecture number, major*10+minor.
func (c ComputeCapability) SM() int {
	return c.Major*10 + c.Minor
}

// Arch returns the architecture name, e.g. "sm_75".
func (c ComputeCapability) Arch() string {
	return "sm_" + strconv.Itoa(c.SM())
}

// ArchFlag returns the link option selecting this architecture,
// e.g. "-arch=sm_75".
func (c ComputeCapability) ArchFlag() string {
	return "-arch=" + c.Arch()
}

// String returns the dotted form, e.g. "7.5".
func (c ComputeCapability) String() string {
	return fmt.Sprintf("%d.%d", c.Major, c.Minor)
}

// IsZero reports whether c is the zero value.
func (c ComputeCapability) IsZero() bool {
	return c.Major == 0 && c.Minor == 0
}

// ParseComputeCapability accepts "7.5", "75" or "sm_75".
func ParseComputeCapability(s string) (ComputeCapability, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ComputeCapability{}, fmt.Errorf("compute capability cannot be empty")
	}

	if major, minor, ok := strings.Cut(s, "."); ok {
		ma, err := strconv.Atoi(major)
		if err != nil || ma < 0 {
			return ComputeCapability{}, fmt.Errorf("invalid compute capability %q: bad major version", s)
		}
		mi, err := strconv.Atoi(minor)
		if err != nil || mi < 0 || mi > 9 {
			return ComputeCapability{}, fmt.Errorf("invalid compute capability %q: bad minor version", s)
		}
		return CC(ma, mi), nil
	}

	digits := strings.TrimPrefix(strings.ToLower(s), "sm_")
	n, err := strconv.Atoi(digits)
	if err != nil || n < 10 {
		return ComputeCapability{}, fmt.Errorf("invalid compute capability %q", s)
	}
	return CC(n/10, n%10), nil
}
