package core

import (
	"sort"
	"strings"
)

// Flags is an unordered set of message flag names such as `\Seen` or a
// user keyword. Iteration order is unspecified; use Slice for a stable view.
type Flags map[string]struct{}

// NewFlags creates a flag set from the given names
func NewFlags(names ...string) Flags {
	f := make(Flags, len(names))
	for _, name := range names {
		f[name] = struct{}{}
	}
	return f
}

// Add inserts names into the set
func (f Flags) Add(names ...string) {
	for _, name := range names {
		f[name] = struct{}{}
	}
}

// Remove deletes names from the set
func (f Flags) Remove(names ...string) {
	for _, name := range names {
		delete(f, name)
	}
}

// Has reports whether name is in the set
func (f Flags) Has(name string) bool {
	_, ok := f[name]
	return ok
}

// Len returns the number of flags
func (f Flags) Len() int {
	return len(f)
}

// Clone returns an independent copy of the set. A nil set clones to an empty one.
func (f Flags) Clone() Flags {
	c := make(Flags, len(f))
	for name := range f {
		c[name] = struct{}{}
	}
	return c
}

// Intersection returns the flags present in both sets
func (f Flags) Intersection(other Flags) Flags {
	out := make(Flags)
	for name := range f {
		if other.Has(name) {
			out[name] = struct{}{}
		}
	}
	return out
}

// Equal reports whether both sets hold the same names
func (f Flags) Equal(other Flags) bool {
	if len(f) != len(other) {
		return false
	}
	for name := range f {
		if !other.Has(name) {
			return false
		}
	}
	return true
}

// Slice returns the flag names sorted lexically
func (f Flags) Slice() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f Flags) String() string {
	return "{" + strings.Join(f.Slice(), " ") + "}"
}
