package project

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
)

var ErrBadPattern = errors.New("project: invalid exclusion pattern")

// DefaultExclusions keeps build output and VCS metadata out of snapshots.
var DefaultExclusions = []string{`target/*`, `\.git/`}

// Exclusions is a compiled pattern set. Patterns are unanchored regular
// expressions matched independently against the slash-separated path.
type Exclusions struct {
	patterns []*regexp.Regexp
}

func CompileExclusions(patterns []string) (*Exclusions, error) {
	ex := &Exclusions{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrBadPattern, p, err)
		}
		ex.patterns = append(ex.patterns, re)
	}
	return ex, nil
}

// Match reports whether path matches at least one pattern. A nil set
// matches nothing.
func (e *Exclusions) Match(path string) bool {
	if e == nil {
		return false
	}
	normalized := filepath.ToSlash(path)
	for _, re := range e.patterns {
		if re.MatchString(normalized) {
			return true
		}
	}
	return false
}

func (e *Exclusions) Len() int {
	if e == nil {
		return 0
	}
	return len(e.patterns)
}
