// Package path implements the immutable path arithmetic used to address
// locations in the Sync Tree: an ordered sequence of string child keys.
package path

import (
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"
)

// invalidKeyChars matches any of the characters the wire protocol and the
// query-key encoding both rely on never appearing inside a single child
// key: '.', '$', '#', '[', ']', and '/' (the path separator itself).
var invalidKeyChars = regexp2.MustCompile(`[.$#\[\]/]`, regexp2.None)

// ValidateKey reports an error if key contains any character reserved for
// path/query-key framing. Callers that accept a child key from outside the
// process (wire frames, CLI input) must call this before constructing a
// Path from it; Path's own constructors trust their caller and do not
// re-validate.
func ValidateKey(key string) error {
	matched, err := invalidKeyChars.MatchString(key)
	if err != nil {
		return fmt.Errorf("path: validating key %q: %w", key, err)
	}
	if matched {
		return fmt.Errorf("path: key %q contains a reserved character (one of .$#[]/)", key)
	}
	return nil
}

// Path is an immutable, ordered sequence of child keys. The zero value is
// the empty path (the root). Paths are value types and must never be
// mutated in place by callers.
type Path struct {
	segments []string
}

// Empty is the root path.
var Empty = Path{}

// New builds a Path from the given segments, skipping empty components so
// that New("a", "", "b") and New("a", "b") compare equal.
func New(segments ...string) Path {
	out := make([]string, 0, len(segments))
	for _, s := range segments {
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return Empty
	}
	return Path{segments: out}
}

// Parse splits a slash-delimited string into a Path.
func Parse(s string) Path {
	return New(strings.Split(strings.Trim(s, "/"), "/")...)
}

// IsEmpty reports whether this is the root path.
func (p Path) IsEmpty() bool {
	return len(p.segments) == 0
}

// Len returns the number of segments.
func (p Path) Len() int {
	return len(p.segments)
}

// Front returns the first segment. Panics if the path is empty.
func (p Path) Front() string {
	if p.IsEmpty() {
		panic("path: Front called on empty path")
	}
	return p.segments[0]
}

// Back returns the last segment. Panics if the path is empty.
func (p Path) Back() string {
	if p.IsEmpty() {
		panic("path: Back called on empty path")
	}
	return p.segments[len(p.segments)-1]
}

// PopFront returns the path with its first segment removed.
func (p Path) PopFront() Path {
	if p.IsEmpty() {
		return Empty
	}
	return New(p.segments[1:]...)
}

// PopBack returns the path with its last segment removed.
func (p Path) PopBack() Path {
	if p.IsEmpty() {
		return Empty
	}
	return New(p.segments[:len(p.segments)-1]...)
}

// Child appends a single segment, returning a new Path.
func (p Path) Child(key string) Path {
	if key == "" {
		return p
	}
	next := make([]string, len(p.segments)+1)
	copy(next, p.segments)
	next[len(p.segments)] = key
	return Path{segments: next}
}

// Append concatenates another Path's segments onto this one.
func (p Path) Append(other Path) Path {
	if other.IsEmpty() {
		return p
	}
	next := make([]string, 0, len(p.segments)+len(other.segments))
	next = append(next, p.segments...)
	next = append(next, other.segments...)
	return Path{segments: next}
}

// Segments returns a defensive copy of the underlying key sequence.
func (p Path) Segments() []string {
	out := make([]string, len(p.segments))
	copy(out, p.segments)
	return out
}

// Contains reports whether other is this path or a descendant of it.
func (p Path) Contains(other Path) bool {
	if len(other.segments) < len(p.segments) {
		return false
	}
	for i, s := range p.segments {
		if other.segments[i] != s {
			return false
		}
	}
	return true
}

// RelativeTo returns the portion of p below ancestor. Panics if ancestor is
// not actually an ancestor of (or equal to) p.
func (p Path) RelativeTo(ancestor Path) Path {
	if !ancestor.Contains(p) {
		panic("path: RelativeTo called with a non-ancestor path")
	}
	return New(p.segments[len(ancestor.segments):]...)
}

// Equal reports whether the two paths have identical segments.
func (p Path) Equal(other Path) bool {
	if len(p.segments) != len(other.segments) {
		return false
	}
	for i, s := range p.segments {
		if other.segments[i] != s {
			return false
		}
	}
	return true
}

// String renders the path in slash-delimited form, "/" for the root.
func (p Path) String() string {
	if p.IsEmpty() {
		return "/"
	}
	return "/" + strings.Join(p.segments, "/")
}
