// Package match decides which user-supplied file patterns an archive
// member satisfies. All pending patterns are evaluated per member so a
// target's archive is scanned exactly once regardless of how many
// patterns are outstanding.
package match

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// ErrPatternNotFound reports a pattern that matched nothing in a
// target's archive. Non-fatal to other targets and patterns.
var ErrPatternNotFound = errors.New("file not found in package")

// Policy selects how many matches each (target, pattern) pair may emit.
type Policy int

const (
	// FirstPerTarget stops evaluating a pattern against a target once
	// it has produced one match. Other still-unsatisfied patterns keep
	// being evaluated in the same pass.
	FirstPerTarget Policy = iota
	// AllMatches scans exhaustively and emits every match.
	AllMatches
)

// Pattern is one user-supplied file argument.
type Pattern struct {
	Raw string

	re       *regexp.Regexp
	all      bool
	pathlike bool   // contains a path separator: segment-aligned suffix match
	trimmed  string // Raw without the leading slash
}

// Set is the ordered pattern list for a run.
type Set struct {
	Patterns []*Pattern
}

// Compile builds the pattern set. With regex set every argument is
// compiled as a regular expression searched against member paths.
func Compile(args []string, regex bool) (*Set, error) {
	if len(args) == 0 {
		return nil, errors.New("no files specified")
	}

	set := &Set{}
	for _, raw := range args {
		p := &Pattern{Raw: raw, trimmed: strings.TrimPrefix(raw, "/")}
		switch {
		case !regex && raw == "*":
			p.all = true
		case regex:
			// regexes are taken as written; the slash trim applies to
			// literal patterns only
			re, err := regexp.Compile(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid regex %q: %w", raw, err)
			}
			p.re = re
		default:
			p.pathlike = strings.Contains(p.trimmed, "/")
		}
		set.Patterns = append(set.Patterns, p)
	}
	return set, nil
}

// Matches reports whether the pattern matches the given in-archive
// path. Path-like literals must align on a path-segment boundary; bare
// names compare against the basename only.
func (p *Pattern) Matches(filePath string) bool {
	if filePath == "" {
		return false
	}
	switch {
	case p.all:
		return true
	case p.re != nil:
		return p.re.MatchString(filePath)
	case p.pathlike:
		return filePath == p.trimmed || strings.HasSuffix(filePath, "/"+p.trimmed)
	default:
		return path.Base(filePath) == p.trimmed
	}
}

// MatchesAny reports whether any pattern in the set matches the path.
// Used to pre-filter candidate packages on their database file lists.
func (s *Set) MatchesAny(filePath string) bool {
	for _, p := range s.Patterns {
		if p.Matches(filePath) {
			return true
		}
	}
	return false
}

// State tracks per-target matching progress for one archive scan.
type State struct {
	set    *Set
	policy Policy
	counts []int
}

// NewState starts a fresh scan of one target.
func NewState(set *Set, policy Policy) *State {
	return &State{set: set, policy: policy, counts: make([]int, len(set.Patterns))}
}

// Match returns the indices of patterns the path satisfies right now.
// Under FirstPerTarget a pattern that already matched this target is
// excluded from further consideration.
func (s *State) Match(filePath string) []int {
	var hits []int
	for i, p := range s.set.Patterns {
		if s.policy == FirstPerTarget && s.counts[i] > 0 {
			continue
		}
		if p.Matches(filePath) {
			s.counts[i]++
			hits = append(hits, i)
		}
	}
	return hits
}

// Pending reports whether any pattern can still match. Under
// AllMatches the whole archive is always scanned.
func (s *State) Pending() bool {
	if s.policy == AllMatches {
		return true
	}
	for _, c := range s.counts {
		if c == 0 {
			return true
		}
	}
	return false
}

// Unmatched returns the patterns that produced zero matches during
// this target's scan.
func (s *State) Unmatched() []*Pattern {
	var out []*Pattern
	for i, c := range s.counts {
		if c == 0 {
			out = append(out, s.set.Patterns[i])
		}
	}
	return out
}
