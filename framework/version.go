package framework

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedVersion is returned when a version string is not a dot-separated
// list of non-negative integers.
var ErrMalformedVersion = errors.New("malformed version")

// Ordering reports how two versions relate.
type Ordering int

const (
	Less    Ordering = -1
	Equal   Ordering = 0
	Greater Ordering = 1
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "less"
	case Equal:
		return "equal"
	case Greater:
		return "greater"
	default:
		return fmt.Sprintf("ordering(%d)", int(o))
	}
}

// CompareVersions orders a against b component by component. Missing trailing
// components count as zero, so "2.0" and "2.0.0" are equal.
func CompareVersions(a, b string) (Ordering, error) {
	left, err := parseVersion(a)
	if err != nil {
		return Equal, err
	}
	right, err := parseVersion(b)
	if err != nil {
		return Equal, err
	}
	n := max(len(left), len(right))
	for i := 0; i < n; i++ {
		var l, r uint64
		if i < len(left) {
			l = left[i]
		}
		if i < len(right) {
			r = right[i]
		}
		switch {
		case l < r:
			return Less, nil
		case l > r:
			return Greater, nil
		}
	}
	return Equal, nil
}

// LegacyCompare returns the comparison value used by the launcher's version
// gates: 1 when target is ahead of local, 0 when they are equal and -1 when
// local is ahead of target.
func LegacyCompare(local, target string) (int, error) {
	ord, err := CompareVersions(local, target)
	if err != nil {
		return 0, err
	}
	return -int(ord), nil
}

// StripVersionRange removes surrounding whitespace and any leading range or
// prefix tokens ("^", "~", ">", "<", "=", "v") so npm specs such as "^1.2.0"
// and tool output such as "v14.17.0" become comparable.
func StripVersionRange(raw string) string {
	return strings.TrimLeft(strings.TrimSpace(raw), "^~<>=vV \t")
}

func parseVersion(raw string) ([]uint64, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty string", ErrMalformedVersion)
	}
	parts := strings.Split(raw, ".")
	out := make([]uint64, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("%w: %q", ErrMalformedVersion, raw)
		}
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedVersion, raw)
		}
		out = append(out, n)
	}
	return out, nil
}
