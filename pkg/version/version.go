package version

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrInvalid is returned when a version string is not a numeric dot tuple
var ErrInvalid = errors.New("invalid version")

// maxComponents is the width of the canonical form
const maxComponents = 3

// MaxComponent is the largest accepted component value. It leaves room for
// one Increment without wrapping.
const MaxComponent = math.MaxUint64 - 1

var versionRegex = regexp.MustCompile(`^[0-9]+(\.[0-9]+){0,2}$`)

// Version is a numeric dot-separated tuple of one to three components.
// The as-written width is kept so that file names and manifest rewrites
// do not change shape; comparisons always use the canonical three
// component form.
type Version struct {
	parts []uint64
}

// Parse parses a version string such as "1", "1.2" or "1.2.3"
func Parse(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if !versionRegex.MatchString(s) {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}

	fields := strings.Split(s, ".")
	parts := make([]uint64, len(fields))
	for i, f := range fields {
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return Version{}, fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
		}
		if n > MaxComponent {
			return Version{}, fmt.Errorf("%w: %q: component %d cannot be incremented", ErrInvalid, s, i+1)
		}
		parts[i] = n
	}

	return Version{parts: parts}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// IsZero reports whether v was never parsed
func (v Version) IsZero() bool {
	return len(v.parts) == 0
}

// String renders the version as written
func (v Version) String() string {
	fields := make([]string, len(v.parts))
	for i, p := range v.parts {
		fields[i] = strconv.FormatUint(p, 10)
	}
	return strings.Join(fields, ".")
}

// Canonical renders the version padded to three components
func (v Version) Canonical() string {
	fields := make([]string, maxComponents)
	for i := range fields {
		var p uint64
		if i < len(v.parts) {
			p = v.parts[i]
		}
		fields[i] = strconv.FormatUint(p, 10)
	}
	return strings.Join(fields, ".")
}

// Increment bumps the least-significant written component by one.
// There is no roll-over: 1.2.9 becomes 1.2.10.
func (v Version) Increment() Version {
	if v.IsZero() {
		return Version{parts: []uint64{1}}
	}
	parts := make([]uint64, len(v.parts))
	copy(parts, v.parts)
	parts[len(parts)-1]++
	return Version{parts: parts}
}

// Compare returns -1, 0 or 1 comparing the canonical forms of v and o
func (v Version) Compare(o Version) int {
	return v.semver().Compare(o.semver())
}

// Equal reports whether v and o have the same canonical form
func (v Version) Equal(o Version) bool {
	return v.Compare(o) == 0
}

func (v Version) semver() *semver.Version {
	parts := make([]uint64, maxComponents)
	copy(parts, v.parts)
	return semver.New(parts[0], parts[1], parts[2], "", "")
}
