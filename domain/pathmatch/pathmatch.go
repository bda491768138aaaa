// Package pathmatch compiles ant-ish path patterns to anchored regexps.
// "**" matches zero or more path segments (so "/a/**" also matches "/a"),
// "*" matches within a single segment, "?" matches one non-slash
// character, everything else is literal.
package pathmatch

import (
	"fmt"
	"regexp"
	"strings"
)

// Compile converts one pattern to an anchored regexp.
func Compile(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}

	var sb strings.Builder
	sb.WriteByte('^')
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '/':
			if i+2 < len(pattern) && pattern[i+1] == '*' && pattern[i+2] == '*' {
				// "/**" spans zero or more segments, so the slash is
				// part of the optional group.
				sb.WriteString("(/.*)?")
				i += 2
				continue
			}
			sb.WriteByte('/')
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				sb.WriteString(".*")
				i++
			} else {
				sb.WriteString("[^/]*")
			}
		case '?':
			sb.WriteString("[^/]")
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteByte('$')

	return regexp.Compile(sb.String())
}

// Matcher is a compiled set of patterns.
type Matcher struct {
	patterns []*regexp.Regexp
}

// NewMatcher compiles every pattern or fails on the first bad one.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		re, err := Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// Matches reports whether any pattern matches path.
func (m *Matcher) Matches(path string) bool {
	for _, re := range m.patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Empty reports whether the matcher has no patterns.
func (m *Matcher) Empty() bool {
	return len(m.patterns) == 0
}
