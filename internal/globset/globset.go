// Package globset compiles the comma-separated glob lists accepted by
// --match/--exclude into a single matcher, grounded on the glob library a
// Syncthing manifest in the retrieved pack pulls in for the same purpose.
package globset

import (
	"strings"

	"github.com/gobwas/glob"
)

// Set is a compiled OR of zero or more glob patterns.
type Set struct {
	globs []glob.Glob
}

// Compile builds a Set from the raw values, splitting any entry that itself
// contains commas (so both []string{"a.txt", "b.txt"} and
// []string{"a.txt,b.txt"} work).
func Compile(patterns []string) (*Set, error) {
	s := &Set{}
	for _, raw := range patterns {
		for _, p := range strings.Split(raw, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			g, err := glob.Compile(p, '/')
			if err != nil {
				return nil, err
			}
			s.globs = append(s.globs, g)
		}
	}
	return s, nil
}

// Empty reports whether the set has no patterns, i.e. it matches nothing.
func (s *Set) Empty() bool {
	return s == nil || len(s.globs) == 0
}

// Match reports whether name matches any pattern in the set.
func (s *Set) Match(name string) bool {
	if s == nil {
		return false
	}
	for _, g := range s.globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}
