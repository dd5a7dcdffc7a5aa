// Package version compares backend version strings and selects values from
// ordered capability thresholds.
//
// Versions are dotted numeric strings of any length ("7", "7.12",
// "8.1.0.20180409"). The first three segments are compared as a semantic
// version; any further segments are compared numerically in order. Missing
// segments count as zero, so "7.2" equals "7.2.0".
package version

import (
	"errors"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrNoVersion is returned when a banner carries no version number.
var ErrNoVersion = errors.New("no version number found")

// Compare returns -1, 0 or +1 depending on whether a is lower than, equal to
// or greater than b.
func Compare(a, b string) int {
	as, bs := segments(a), segments(b)
	if c := core(as).Compare(core(bs)); c != 0 {
		return c
	}
	n := max(len(as), len(bs))
	for i := 3; i < n; i++ {
		x, y := at(as, i), at(bs, i)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

// AtLeast reports whether v is greater than or equal to threshold.
func AtLeast(v, threshold string) bool {
	return Compare(v, threshold) >= 0
}

func core(segs []uint64) *semver.Version {
	return semver.New(at(segs, 0), at(segs, 1), at(segs, 2), "", "")
}

func at(segs []uint64, i int) uint64 {
	if i < len(segs) {
		return segs[i]
	}
	return 0
}

// segments splits v on dots, reading the leading digits of each segment.
// A segment without leading digits counts as zero.
func segments(v string) []uint64 {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ".")
	out := make([]uint64, len(parts))
	for i, p := range parts {
		end := 0
		for end < len(p) && p[end] >= '0' && p[end] <= '9' {
			end++
		}
		if end == 0 {
			continue
		}
		n, err := strconv.ParseUint(p[:end], 10, 64)
		if err != nil {
			continue
		}
		out[i] = n
	}
	return out
}

var versionPattern = regexp.MustCompile(`\d+(?:\.\d+)+`)

var parenthesized = regexp.MustCompile(`\([^)]*\)`)

// Parse extracts the version from the first line of a backend banner such
// as "GNU gdb (GDB) 7.12.1". Vendor text in parentheses is skipped unless it
// is the only place a version appears.
func Parse(banner string) (string, error) {
	line, _, _ := strings.Cut(banner, "\n")
	if v := versionPattern.FindString(parenthesized.ReplaceAllString(line, " ")); v != "" {
		return v, nil
	}
	if v := versionPattern.FindString(line); v != "" {
		return v, nil
	}
	return "", ErrNoVersion
}

// Rule maps a minimum version to a value.
type Rule[T any] struct {
	Min   string
	Value T
}

// Table selects the value of the highest rule whose minimum does not exceed
// a given version, falling back to a baseline.
type Table[T any] struct {
	baseline T
	rules    []Rule[T]
}

// NewTable creates a table. Rules may be given in any order.
func NewTable[T any](baseline T, rules ...Rule[T]) *Table[T] {
	sorted := slices.Clone(rules)
	slices.SortStableFunc(sorted, func(a, b Rule[T]) int {
		return Compare(b.Min, a.Min)
	})
	return &Table[T]{baseline: baseline, rules: sorted}
}

// Select returns the value for version v.
func (t *Table[T]) Select(v string) T {
	for _, r := range t.rules {
		if AtLeast(v, r.Min) {
			return r.Value
		}
	}
	return t.baseline
}

// Rules returns the rules, highest threshold first.
func (t *Table[T]) Rules() []Rule[T] {
	return slices.Clone(t.rules)
}
